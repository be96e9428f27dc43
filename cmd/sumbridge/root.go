package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verbrio/sumbridge"
	"github.com/verbrio/sumbridge/config"
	"github.com/verbrio/sumbridge/logger"
)

var (
	configPath  string
	workerCmd   string
	callTimeout time.Duration
	debug       bool

	showSchemas bool
	saveTags    []string
)

var rootCmd = &cobra.Command{
	Use:           "sumbridge",
	Short:         "Client for the summarizer tool worker",
	Long:          "sumbridge spawns a summarizer worker process and exposes its tools as subcommands.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&workerCmd, "worker", "", "Worker command line, overrides config")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 0, "Per-call timeout, overrides config")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(toolsCmd, summarizeCmd, searchCmd, taggedCmd, saveCmd)
}

// withManager starts the worker, runs fn against it, and always cleans up.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, mgr *sumbridge.Manager) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	log, closer, err := logger.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	mcfg := cfg.ManagerConfig()
	if workerCmd != "" {
		fields := strings.Fields(workerCmd)
		mcfg.Command = fields[0]
		mcfg.Args = fields[1:]
	}
	if callTimeout > 0 {
		mcfg.CallTimeout = callTimeout
	}
	mcfg.Logger = log

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := sumbridge.NewManager(mcfg)
	if err := mgr.Start(); err != nil {
		return err
	}
	defer mgr.Cleanup()

	go func() {
		<-ctx.Done()
		mgr.Cleanup()
	}()

	return fn(ctx, mgr)
}

func callTool(cmd *cobra.Command, name string, args map[string]interface{}) error {
	return withManager(cmd, func(ctx context.Context, mgr *sumbridge.Manager) error {
		out, err := mgr.CallTool(name, args, 0)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	})
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the worker exposes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, mgr *sumbridge.Manager) error {
			catalog := mgr.ListTools()
			names := make([]string, 0, len(catalog))
			for name := range catalog {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				tool := catalog[name]
				fmt.Printf("%s\t%s\n", tool.Name, tool.Description)
				if showSchemas {
					schema, _ := json.MarshalIndent(tool.InputSchema, "  ", "  ")
					fmt.Printf("  %s\n", schema)
				}
			}
			return nil
		})
	},
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <url>",
	Short: "Fetch a web page and print its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callTool(cmd, "summarize_website", map[string]interface{}{
			"url": args[0],
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "Search saved summaries for a keyword",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callTool(cmd, "search_summaries", map[string]interface{}{
			"keyword": args[0],
		})
	},
}

var taggedCmd = &cobra.Command{
	Use:   "tagged <tag>",
	Short: "List summaries saved under a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callTool(cmd, "get_summary_by_tag", map[string]interface{}{
			"tag": args[0],
		})
	},
}

var saveCmd = &cobra.Command{
	Use:   "save <title>",
	Short: "Save content from stdin as a summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readAllStdin()
		if err != nil {
			return err
		}
		return callTool(cmd, "save_summary", map[string]interface{}{
			"title":   args[0],
			"content": content,
			"tags":    saveTags,
		})
	},
}

func readAllStdin() (string, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func init() {
	toolsCmd.Flags().BoolVar(&showSchemas, "schemas", false, "Also print tool input schemas")
	saveCmd.Flags().StringSliceVar(&saveTags, "tag", nil, "Tag for the summary, repeatable")
}
