package main

import (
	"fmt"

	"github.com/guido-cesarano/opgeeweb/pkg/poller"
	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
	"github.com/spf13/cobra"
)

var (
	outDir   string
	noWait   bool
	taskType string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task and wait for its result",
	Long: `Submits a task of the given type, polls its status once per interval and
downloads the result into --out when it finishes. A failed task exits non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		client := newClient(poller.WithDownloadDir(outDir))

		taskID, err := client.Submit(ctx, taskType)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Task submitted: %s\n", taskID)
		if noWait {
			return nil
		}

		status, err := client.Poll(ctx, taskID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Task %s %s\n", taskID, status)
		if status == tasks.StatusFailed {
			return fmt.Errorf("task %s failed", taskID)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVarP(&taskType, "type", "t", "simulation", "task type")
	submitCmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for the downloaded result")
	submitCmd.Flags().BoolVar(&noWait, "no-wait", false, "print the task id and exit without polling")
}
