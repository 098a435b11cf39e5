package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/patchwork/internal/agent"
	"github.com/haasonsaas/patchwork/internal/approvals"
	"github.com/haasonsaas/patchwork/internal/config"
	"github.com/haasonsaas/patchwork/internal/daemon"
	"github.com/haasonsaas/patchwork/internal/mcp"
	"github.com/haasonsaas/patchwork/internal/observability"
	anthropicprovider "github.com/haasonsaas/patchwork/internal/providers/anthropic"
	openaiprovider "github.com/haasonsaas/patchwork/internal/providers/openai"
	"github.com/haasonsaas/patchwork/internal/sessions"
	"github.com/haasonsaas/patchwork/internal/tools"
)

func loadConfig() (*config.Config, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("resolve working directory: %w", err)
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, "", err
	}
	return cfg, cwd, nil
}

// transportFactory resolves model ids to provider transports, checking
// credentials at call time so a key added mid-session is picked up.
func transportFactory(cfg *config.Config) daemon.TransportFactory {
	return func(model string) (agent.ModelTransport, string, error) {
		provider := config.ProviderForModel(cfg, model)
		key, err := config.ResolveAPIKey(provider)
		if err != nil {
			return nil, provider, err
		}
		switch provider {
		case "openai":
			p, err := openaiprovider.New(key)
			return p, provider, err
		default:
			p, err := anthropicprovider.New(key)
			return p, provider, err
		}
	}
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Patchwork daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cwd, err := loadConfig()
			if err != nil {
				return err
			}

			logFile, logPath, err := observability.OpenLogFile(config.LogDir())
			if err != nil {
				return err
			}
			defer logFile.Close()

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Output: serveLogWriter(logFile, cfg.Logging.Print),
			})

			var store sessions.Store
			dbPath := cfg.DBPath()
			switch cfg.Storage.Driver {
			case "postgres":
				store, err = sessions.OpenPostgres(cfg.Storage.DSN)
				dbPath = "postgres"
			default:
				store, err = sessions.OpenSQLite(dbPath)
			}
			if err != nil {
				return err
			}

			runtime := tools.NewRuntime(cwd, logger)
			runtime.AttachMCP(cmd.Context(), mcpServerConfigs(cfg))

			metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
			broker := approvals.NewBroker(time.Duration(cfg.PermissionTimeoutMs) * time.Millisecond)

			srv, err := daemon.New(daemon.Options{
				Config:    cfg,
				Logger:    logger,
				Metrics:   metrics,
				Store:     store,
				Runtime:   runtime,
				Broker:    broker,
				Transport: transportFactory(cfg),
				Cwd:       cwd,
				DBPath:    dbPath,
				LogPath:   logPath,
			})
			if err != nil {
				store.Close()
				runtime.Close()
				return err
			}

			// Hot-reload config edits into the live policy.
			watchCtx, stopWatch := context.WithCancel(context.Background())
			defer stopWatch()
			config.WatchConfig(watchCtx, cwd, func(next *config.Config) {
				if err := srv.ReloadPolicy(next.Permission); err != nil {
					logger.Warn("policy reload rejected", "error", err.Error())
					return
				}
				logger.Info("config reloaded")
			}, func(err error) {
				logger.Warn("config reload failed", "error", err.Error())
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
}

// serveLogWriter always keeps the log file as a destination; print adds
// a stderr mirror on top of it.
func serveLogWriter(logFile io.Writer, print bool) io.Writer {
	if print {
		return io.MultiWriter(logFile, os.Stderr)
	}
	return logFile
}

func mcpServerConfigs(cfg *config.Config) map[string]mcp.ServerConfig {
	out := make(map[string]mcp.ServerConfig, len(cfg.MCP))
	for name, server := range cfg.MCP {
		out[name] = mcp.ServerConfig{
			Enabled: server.IsEnabled(),
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
			Cwd:     server.Cwd,
		}
	}
	return out
}

func buildRunCmd() *cobra.Command {
	var sessionID string
	var model string

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run a prompt through the agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(cfg.BaseURL())
			ctx := cmd.Context()

			if sessionID == "" {
				sessionID, err = client.createSession(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "session:", sessionID)
			}

			output, err := client.prompt(ctx, sessionID, strings.Join(args, " "), model)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Existing session id (default: create a new session)")
	cmd.Flags().StringVar(&model, "model", "", "Model id override")
	return cmd
}

func buildEventsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "events <sessionId>",
		Short: "Print a session's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(cfg.BaseURL())
			if follow {
				return client.streamEvents(cmd.Context(), args[0], cmd.OutOrStdout())
			}
			return client.printEvents(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "Stream new events as they arrive")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(cfg.BaseURL())
			status, err := client.status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mode:       %s\n", status.Mode)
			fmt.Fprintf(out, "cwd:        %s\n", status.Cwd)
			fmt.Fprintf(out, "model:      %s\n", status.ModelID)
			fmt.Fprintf(out, "api key:    %v\n", status.APIKeyPresent)
			fmt.Fprintf(out, "db:         %s\n", status.DBPath)
			fmt.Fprintf(out, "log:        %s\n", status.LogPath)
			fmt.Fprintf(out, "active:     %v\n", status.ActiveSessions)
			return nil
		},
	}
}

func buildLogsCmd() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the daemon log tail",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(cfg.BaseURL())
			tail, err := client.logs(cmd.Context(), lines)
			if err != nil {
				return err
			}
			for _, line := range tail {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "Number of trailing lines")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			client := newAPIClient(cfg.BaseURL())
			list, err := client.listSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range list {
				name := s.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Fprintf(out, "%-12s  %-30s  %4d events  %s\n",
					s.ID, name, s.EventCount, s.CreatedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")
	return cmd
}

func buildLoginCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API key in ~/.patchwork/credentials.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Enter %s API key: ", provider)
			key, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			trimmed := strings.TrimSpace(string(key))
			if trimmed == "" {
				return fmt.Errorf("empty API key")
			}

			creds, err := config.LoadCredentials()
			if err != nil {
				return err
			}
			switch strings.ToLower(provider) {
			case "openai":
				creds.OpenAIAPIKey = trimmed
			case "anthropic":
				creds.AnthropicAPIKey = trimmed
			default:
				return fmt.Errorf("unknown provider %q (anthropic or openai)", provider)
			}
			if err := config.SaveCredentials(creds); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Credentials saved.")
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "anthropic", "Provider to store the key for")
	return cmd
}
