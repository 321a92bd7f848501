package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/poller"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	interval  time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "opgeectl",
	Short:         "Submit and follow OPGEE tasks",
	Long:          `opgeectl talks to the OPGEE web front-end: it submits model runs, polls their status and downloads the result workbook.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("OPGEE_SERVER", "http://localhost:8081"), "base URL of the OPGEE server")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("API_KEY"), "API key sent as X-API-Key")
	rootCmd.PersistentFlags().DurationVar(&interval, "interval", poller.DefaultInterval, "delay between status polls")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient(opts ...poller.Option) *poller.Client {
	opts = append([]poller.Option{
		poller.WithAPIKey(apiKey),
		poller.WithInterval(interval),
	}, opts...)
	return poller.New(serverURL, opts...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
