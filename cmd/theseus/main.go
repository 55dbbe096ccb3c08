// Package main provides the theseus CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/richinex/theseus/cli"
	"github.com/richinex/theseus/config"
	"github.com/richinex/theseus/internal/tracing"
	"github.com/richinex/theseus/risk"
	"github.com/richinex/theseus/server"
	"github.com/richinex/theseus/tools"
)

var (
	// Global flags
	configPath string
	provider   string
	verbose    bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "theseus",
		Short: "Coding agent sessions with risk-gated tools",
		Long: `Run coding agent sessions that reason, call tools, and answer.

Tool calls are classified by risk. Calls at or above the approval
threshold wait for a human decision, either on the terminal (run, chat)
or over the HTTP and WebSocket API (serve).`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("THESEUS_CONFIG"), "Config file (YAML or JSON5)")
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (openai, anthropic, deepseek, gemini)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(classifyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadSettings() (config.Settings, error) {
	if provider != "" {
		if err := os.Setenv("THESEUS_LLM_PROVIDER", provider); err != nil {
			return config.Settings{}, err
		}
	}
	return config.Load(configPath)
}

// setup loads settings and wires the application with its logger.
func setup(ctx context.Context) (*cli.App, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if verbose && s.Log.Level == "info" {
		s.Log.Level = "debug"
	}
	logger := cli.NewLogger(s.Log, os.Stderr)
	slog.SetDefault(logger)
	return cli.Build(ctx, s, logger)
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions over HTTP and WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			s := app.Settings

			shutdown, err := tracing.Setup(ctx, tracing.Config{
				ServiceName:  s.Telemetry.ServiceName,
				Endpoint:     s.Telemetry.OTLPEndpoint,
				SamplingRate: s.Telemetry.SamplingRate,
				Insecure:     s.Telemetry.OTLPInsecure,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					app.Logger.Warn("tracer shutdown failed", "error", err)
				}
			}()

			if configPath != "" {
				err := config.Watch(ctx, configPath, app.Logger, func(next config.Settings) {
					app.Gate.SetPolicy(next.ApprovalPolicy())
				})
				if err != nil {
					app.Logger.Warn("config hot reload disabled", "error", err)
				}
			}

			if addr == "" {
				addr = s.Server.Address
			}
			srv := server.New(app.Service,
				server.WithGatherer(app.Registry),
				server.WithMetricsPath(s.Telemetry.MetricsPath),
				server.WithLogger(app.Logger),
			)
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default from config)")

	return cmd
}

func runCmd() *cobra.Command {
	var sessionID string
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run a single turn in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			runner := cli.NewRunner(app.Service, os.Stdin, os.Stdout, cli.Options{Verbose: verbose, AutoApprove: autoApprove})
			_, err = runner.RunTask(ctx, sessionID, args[0])
			return err
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID (resumes a saved transcript)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Approve every gated tool call")

	return cmd
}

func chatCmd() *cobra.Command {
	var sessionID string
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session on the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if sessionID == "" {
				sessionID = "default"
			}
			runner := cli.NewRunner(app.Service, os.Stdin, os.Stdout, cli.Options{Verbose: verbose, AutoApprove: autoApprove})
			return runner.Chat(ctx, sessionID)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID (default \"default\")")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Approve every gated tool call")

	return cmd
}

func toolsCmd() *cobra.Command {
	var verboseTools bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List built-in tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			exec, err := tools.NewLocalExecutor(s.ToolConfig())
			if err != nil {
				return err
			}
			registry, err := tools.NewRegistry(exec.Definitions()...)
			if err != nil {
				return err
			}
			cli.ListTools(cmd.OutOrStdout(), registry, verboseTools)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verboseTools, "verbose", "V", false, "Show tool parameters")

	return cmd
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <tool> [json-args]",
		Short: "Show the risk tier of a tool call",
		Example: `  theseus classify run_command '{"command":"rm -rf build"}'
  theseus classify delete_file '{"path":"src","recursive":true}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			argsJSON := ""
			if len(args) == 2 {
				argsJSON = args[1]
			}
			_, err := cli.Classify(cmd.OutOrStdout(), risk.New(), args[0], argsJSON)
			return err
		},
	}
	return cmd
}
