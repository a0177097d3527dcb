// Command semafield runs the scene daemon: it opens the engine, then
// serves the HTTP API and the TCP frame stream until SIGINT or SIGTERM.
// With -mcp it instead exposes the engine to language-model agents over
// the Model Context Protocol on stdio.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	scenemcp "github.com/semafield/semafield/internal/mcp"
	"github.com/semafield/semafield/internal/server"
	"github.com/semafield/semafield/internal/stream"
	"github.com/semafield/semafield/pkg/engine"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	httpAddr := flag.String("http-addr", "", "HTTP API listen address (overrides config, default :9091)")
	streamAddr := flag.String("stream-addr", "", "TCP frame stream listen address (overrides config, default :9090)")
	dataDir := flag.String("data-dir", "", "checkpoint and journal directory (overrides config)")
	authToken := flag.String("auth-token", "", "bearer token protecting the HTTP API (overrides config)")
	journalPath := flag.String("journal", "", "session journal path (overrides config)")
	mcpMode := flag.Bool("mcp", false, "serve the Model Context Protocol on stdio instead of HTTP and stream")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")
	flag.Parse()

	// Logs go to stderr; in -mcp mode stdout carries the protocol.
	logger := newLogger(*logLevel)

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load configuration", "error", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *streamAddr != "" {
		cfg.StreamAddr = *streamAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *authToken != "" {
		cfg.AuthToken = *authToken
	}
	if *journalPath != "" {
		cfg.Journal.Path = *journalPath
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":9091"
	}
	if cfg.StreamAddr == "" {
		cfg.StreamAddr = ":9090"
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	opts.Logger = logger

	eng, err := engine.Open(opts)
	if err != nil {
		logger.Error("open engine", "error", err)
		os.Exit(1)
	}

	if *mcpMode {
		if err := runMCP(eng, logger); err != nil {
			logger.Error("mcp server", "error", err)
		}
		closeEngine(eng, logger)
		return
	}

	srv := server.NewServer(eng, cfg.HTTPAddr, cfg.AuthToken, logger)

	recvOpts := stream.DefaultOptions()
	recvOpts.Addr = cfg.StreamAddr
	recvOpts.Logger = logger
	receiver, err := stream.NewReceiver(eng, recvOpts)
	if err != nil {
		logger.Error("stream receiver", "error", err)
		closeEngine(eng, logger)
		os.Exit(1)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Run() }()
	go func() { errCh <- receiver.ListenAndServe() }()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	if err := receiver.Close(); err != nil {
		logger.Error("stream receiver close", "error", err)
	}
	srv.Shutdown()
	closeEngine(eng, logger)
}

// runMCP serves tools on stdio until the agent disconnects or a signal
// arrives.
func runMCP(eng *engine.Engine, logger *slog.Logger) error {
	logger.Info("mcp server listening on stdio")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return scenemcp.NewMCPServer(eng).Run(ctx, &mcp.StdioTransport{})
}

func closeEngine(eng *engine.Engine, logger *slog.Logger) {
	if err := eng.Close(); err != nil {
		logger.Error("engine close", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
