// Package runner maps task types to the code that executes them on the worker.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/guido-cesarano/opgeeweb/pkg/config"
	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
)

// TypeSimulation runs the OPGEE model.
const TypeSimulation = "simulation"

// ErrUnknownType is returned for task types with no registered runner.
var ErrUnknownType = errors.New("unknown task type")

// Output is a file produced by a run, located inside the run's work directory.
type Output struct {
	Path        string
	ContentType string
}

// Runner executes one task. workDir is an empty scratch directory owned by the
// caller and removed after the output has been stored.
type Runner interface {
	Run(ctx context.Context, task *tasks.Task, workDir string) (Output, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task *tasks.Task, workDir string) (Output, error)

func (f RunnerFunc) Run(ctx context.Context, task *tasks.Task, workDir string) (Output, error) {
	return f(ctx, task, workDir)
}

// Registry holds the runners known to a process. It is built at startup and
// read-only afterwards.
type Registry struct {
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register adds or replaces the runner for a task type.
func (r *Registry) Register(taskType string, runner Runner) {
	r.runners[taskType] = runner
}

// Get returns the runner for a task type.
func (r *Registry) Get(taskType string) (Runner, error) {
	runner, ok := r.runners[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, taskType)
	}
	return runner, nil
}

// Has reports whether a runner is registered for taskType.
func (r *Registry) Has(taskType string) bool {
	_, ok := r.runners[taskType]
	return ok
}

// Types lists the registered task types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Default returns the registry used by the server and worker.
func Default(cfg config.OPGEEConfig) *Registry {
	r := NewRegistry()
	r.Register(TypeSimulation, NewSimulation(cfg))
	return r
}
