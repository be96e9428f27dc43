// Command sumworker serves the summarizer tools over stdio.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verbrio/sumbridge/logger"
	"github.com/verbrio/sumbridge/store"
	"github.com/verbrio/sumbridge/summarize"
	"github.com/verbrio/sumbridge/transport/stdio"
	"github.com/verbrio/sumbridge/worker"
)

var (
	summariesDir string
	summaryLimit int
	fetchTimeout time.Duration
	logFile      string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:           "sumworker",
	Short:         "Summarizer tool worker speaking JSON-RPC over stdio",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := "info"
		if verbose {
			level = "debug"
		}
		// Stdout carries the protocol, so logs must go elsewhere.
		log, closer, err := logger.New(level, logFile)
		if err != nil {
			return err
		}
		if closer != nil {
			defer closer.Close()
		}

		st, err := store.New(summariesDir)
		if err != nil {
			return err
		}

		tr := stdio.NewStdioTransport(os.Stdin, os.Stdout)
		srv := worker.NewServer(tr, log)
		tools := &worker.SummarizerTools{
			Fetcher:      summarize.NewFetcher(fetchTimeout),
			Store:        st,
			SummaryLimit: summaryLimit,
		}
		if err := tools.Register(srv); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("worker starting", "summariesDir", summariesDir)
		return srv.Serve(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&summariesDir, "summaries-dir", "summaries", "Directory for saved summaries")
	rootCmd.Flags().IntVar(&summaryLimit, "summary-limit", summarize.DefaultSummaryLimit, "Maximum summary length in characters")
	rootCmd.Flags().DurationVar(&fetchTimeout, "fetch-timeout", 30*time.Second, "HTTP fetch timeout")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
