package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/config"
	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// fakeOPGEE writes a shell script standing in for the opgee CLI. With the
// default args the output path arrives as $5.
func fakeOPGEE(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opgee")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newSimulation(command string) *Simulation {
	return NewSimulation(config.OPGEEConfig{
		Command:  command,
		Args:     "run -a {analysis} -p {output}",
		Analysis: "example",
	})
}

func TestSimulationRun(t *testing.T) {
	script := fakeOPGEE(t, `[ "$3" = "example" ] || exit 3
printf 'field,CI\nfield_1,12.5\nfield_2,9\n' > "$5"
echo "warning: ignored" >&2`)

	workDir := t.TempDir()
	out, err := newSimulation(script).Run(context.Background(), &tasks.Task{ID: "abc123", Type: TypeSimulation}, workDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workDir, "opgee_output.xlsx"), out.Path)

	f, err := excelize.OpenFile(out.Path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Results")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"field", "CI"},
		{"field_1", "12.5"},
		{"field_2", "9"},
	}, rows)
}

func TestSimulationRunFailure(t *testing.T) {
	script := fakeOPGEE(t, `echo "model error" >&2; exit 1`)

	_, err := newSimulation(script).Run(context.Background(), &tasks.Task{ID: "bad"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model error")
}

func TestSimulationRunNoOutput(t *testing.T) {
	script := fakeOPGEE(t, `exit 0`)

	_, err := newSimulation(script).Run(context.Background(), &tasks.Task{ID: "empty"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no results file")
}

func TestSimulationRunTimeout(t *testing.T) {
	script := fakeOPGEE(t, `exec sleep 5`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := newSimulation(script).Run(ctx, &tasks.Task{ID: "slow"}, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRegistry(t *testing.T) {
	r := Default(config.OPGEEConfig{Command: "opgee"})

	assert.True(t, r.Has(TypeSimulation))
	assert.Equal(t, []string{TypeSimulation}, r.Types())

	_, err := r.Get("nope")
	assert.True(t, errors.Is(err, ErrUnknownType))

	r.Register("noop", RunnerFunc(func(ctx context.Context, task *tasks.Task, workDir string) (Output, error) {
		return Output{}, nil
	}))
	runner, err := r.Get("noop")
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), &tasks.Task{}, "")
	assert.NoError(t, err)
}
