package runner

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/guido-cesarano/opgeeweb/pkg/config"
	"github.com/guido-cesarano/opgeeweb/pkg/logger"
	"github.com/guido-cesarano/opgeeweb/pkg/results"
	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
	"github.com/xuri/excelize/v2"
)

const (
	csvName   = "opgee_results.csv"
	xlsxName  = "opgee_output.xlsx"
	sheetName = "Results"
)

// Simulation runs the external OPGEE command line tool, which writes its
// results as CSV, and converts that CSV into an XLSX workbook.
type Simulation struct {
	command  string
	args     []string
	analysis string
}

// NewSimulation builds the runner from the OPGEE settings.
func NewSimulation(cfg config.OPGEEConfig) *Simulation {
	return &Simulation{
		command:  cfg.Command,
		args:     strings.Fields(cfg.Args),
		analysis: cfg.Analysis,
	}
}

// Run executes the model in workDir. Cancellation of ctx kills the process.
func (s *Simulation) Run(ctx context.Context, task *tasks.Task, workDir string) (Output, error) {
	csvPath := filepath.Join(workDir, csvName)

	args := make([]string, len(s.args))
	for i, a := range s.args {
		a = strings.ReplaceAll(a, "{analysis}", s.analysis)
		args[i] = strings.ReplaceAll(a, "{output}", csvPath)
	}

	log := logger.Log.With().Str("task_id", task.ID).Str("type", task.Type).Logger()
	log.Info().Str("command", s.command).Strs("args", args).Msg("Running OPGEE")

	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Output{}, fmt.Errorf("opgee run aborted: %w", ctx.Err())
		}
		return Output{}, fmt.Errorf("opgee run failed: %w. Stderr: %s", err, tail(stderr.String(), 2048))
	}
	// The model emits warnings on stderr for successful runs.
	if stderr.Len() > 0 {
		log.Debug().Str("stderr", tail(stderr.String(), 2048)).Msg("OPGEE wrote to stderr")
	}

	xlsxPath := filepath.Join(workDir, xlsxName)
	if err := CSVToXLSX(csvPath, xlsxPath); err != nil {
		return Output{}, err
	}
	return Output{Path: xlsxPath, ContentType: results.XLSXContentType}, nil
}

// CSVToXLSX copies a CSV table into the first sheet of a new workbook. Cells
// that parse as numbers are written as numbers.
func CSVToXLSX(csvPath, xlsxPath string) error {
	in, err := os.Open(csvPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("opgee produced no results file %s", filepath.Base(csvPath))
	}
	if err != nil {
		return err
	}
	defer in.Close()

	r := csv.NewReader(in)
	r.FieldsPerRecord = -1

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}

	for row := 1; ; row++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read results csv: %w", err)
		}

		values := make([]interface{}, len(record))
		for i, field := range record {
			if n, err := strconv.ParseFloat(field, 64); err == nil {
				values[i] = n
			} else {
				values[i] = field
			}
		}

		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
	}

	if err := f.SaveAs(xlsxPath); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
