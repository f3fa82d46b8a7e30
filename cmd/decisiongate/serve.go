package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marcus-qen/decisiongate/internal/dgconfig"
	"github.com/marcus-qen/decisiongate/internal/dgserver"
	"github.com/marcus-qen/decisiongate/internal/runstate"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var (
	serveTransport string
	serveAddr      string
	runpackRootDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Decision Gate MCP server",
	Long: `serve wires configuration, logging, the evidence federation,
the capability and schema registries, the security pipeline, and the
MCP tool server together, then blocks serving tool calls over stdio
or HTTP/SSE until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTransport, "transport", "stdio", "stdio or http")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8443", "listen address for --transport http")
	serveCmd.Flags().StringVar(&runpackRootDir, "runpack-dir", "./runpacks", "root directory exported runpacks are written under")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := dgconfig.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildComponents(ctx, cfg, runpackRootDir)
	if err != nil {
		return err
	}
	defer c.sync()
	defer c.traceShutdown(context.Background())
	defer c.fed.Close()
	defer c.runs.Close()

	startRetentionSweep(ctx, cfg.Retention, c.runs, c.log)

	switch serveTransport {
	case "stdio":
		c.log.Info("serving over stdio")
		return c.server.Serve(ctx, mcp.NewStdioTransport())
	case "http":
		return serveHTTP(ctx, c.server, c.log)
	default:
		return fmt.Errorf("decisiongate: unrecognized --transport %q", serveTransport)
	}
}

func serveHTTP(ctx context.Context, server *dgserver.Server, log logr.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", dgserver.HTTPHeaderMiddleware(server.Handler()))
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:         serveAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving over http/sse", "addr", serveAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func startRetentionSweep(ctx context.Context, cfg dgconfig.RetentionConfig, store runstate.Store, log logr.Logger) {
	if cfg.Schedule == "" {
		return
	}
	olderThan := time.Duration(cfg.OlderThanHours) * time.Hour
	policy, err := runstate.NewRetentionPolicy(cfg.Schedule, olderThan)
	if err != nil {
		log.Error(err, "invalid retention schedule, pruning disabled")
		return
	}
	go runstate.RunPruner(ctx, store, policy, func(err error) {
		log.Error(err, "retention sweep failed")
	})
}
