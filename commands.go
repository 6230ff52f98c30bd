package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stas-mcp-bridge/internal/config"
	"stas-mcp-bridge/internal/gateway"
	"stas-mcp-bridge/internal/linking"
	"stas-mcp-bridge/internal/mcp"
	"stas-mcp-bridge/internal/metrics"
	"stas-mcp-bridge/internal/tools"
)

type options struct {
	configPath string
	logLevel   string
	logOutput  io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &options{logOutput: os.Stderr}

	cmd := &cobra.Command{
		Use:           mcp.ServerName,
		Short:         "MCP bridge to the training plan gateway",
		Long:          "Exposes gateway reads and plan management as MCP tools over stdio, HTTP, WebSocket and SSE.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newStdioCmd(opts),
		newTokenCmd(),
		newProbeCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", mcp.ServerName, mcp.Version)
			},
		},
	)
	return cmd
}

// load resolves the configuration and installs the process logger. Logs go
// to stderr so stdout stays free for stdio JSON-RPC.
func (o *options) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(o.logOutput, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

type bridge struct {
	rpc   *mcp.Server
	links *linking.Store
}

func newBridge(cfg *config.Config, logger *slog.Logger) (*bridge, error) {
	m := metrics.New()
	client, err := gateway.New(cfg.Gateway, gateway.WithLogger(logger), gateway.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("create gateway client: %w", err)
	}

	links := linking.NewStore()
	svc, err := tools.NewService(client, links, tools.WithLogger(logger), tools.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("create tool service: %w", err)
	}
	return &bridge{
		rpc:   mcp.NewServer(svc, mcp.WithLogger(logger), mcp.WithMetrics(m)),
		links: links,
	}, nil
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over HTTP, WebSocket and SSE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			b, err := newBridge(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			handler := mcp.NewHandler(b.rpc, b.links, mcp.WithHeartbeat(cfg.Server.SSEHeartbeat))
			srv := &http.Server{
				Addr:              cfg.Server.Addr(),
				Handler:           handler.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return serveHTTP(ctx, srv, cfg.Server.ShutdownTimeout, logger)
		},
	}
}

// serveHTTP runs srv until ctx ends, then drains it within timeout.
func serveHTTP(ctx context.Context, srv *http.Server, timeout time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newStdioCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve MCP over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			b, err := newBridge(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("bridge ready on stdio", "gateway", cfg.Gateway.BaseURL)
			if err := b.rpc.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("bridge shutting down")
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user_id>",
		Short: "Print the gateway bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
			if err != nil {
				return fmt.Errorf("user_id must be an integer: %q", args[0])
			}
			token, err := gateway.BearerForUser(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func newProbeCmd(opts *options) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check gateway reachability for a user",
		Long:  "Calls the summary, trainings and plan endpoints once each and reports what the gateway answered.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			client, err := gateway.New(cfg.Gateway, gateway.WithLogger(logger))
			if err != nil {
				return err
			}
			return probe(cmd.Context(), client, userID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "User to probe as")
	return cmd
}

func probe(ctx context.Context, client *gateway.Client, userID int64, out io.Writer) error {
	fmt.Fprintf(out, "🔗 Probing %s as user %d\n", client.BaseURL(), userID)

	var failed int
	check := func(name string, fn func() (string, error)) {
		detail, err := fn()
		if err != nil {
			failed++
			fmt.Fprintf(out, "   ❌ %s: %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "   ✅ %s: %s\n", name, detail)
	}

	check("user summary", func() (string, error) {
		summary, err := client.UserSummary(ctx, userID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d fields", len(summary)), nil
	})
	check("trainings", func() (string, error) {
		items, err := client.Trainings(ctx, userID, gateway.Window{})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d in the last %d days", len(items), gateway.DefaultTrainingDays), nil
	})
	check("plans", func() (string, error) {
		page, err := client.PlanList(ctx, gateway.PlanListQuery{UserID: userID, Limit: tools.MaxLimit})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d published", len(page.Items)), nil
	})

	if failed > 0 {
		return fmt.Errorf("%d of 3 gateway checks failed", failed)
	}
	return nil
}
