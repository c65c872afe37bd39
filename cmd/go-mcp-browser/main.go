package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-mcp-browser"
	"github.com/MegaGrindStone/go-mcp-browser/browser"
	"github.com/MegaGrindStone/go-mcp-browser/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	transportMode := flag.String("transport", "", "Transport mode: stdio, sse or http_stream")
	host := flag.String("host", "", "Listen host for the sse and http_stream transports")
	port := flag.Int("port", 0, "Listen port for the sse and http_stream transports")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	// Flags override both the file and the environment.
	if *transportMode != "" {
		cfg.Server.Transport = *transportMode
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}
	if *host != "" {
		cfg.SSE.Host = *host
		cfg.HTTP.Host = *host
	}
	if *port != 0 {
		cfg.SSE.Port = *port
		cfg.HTTP.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	level, err := cfg.Level()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	// Logs go to stderr; on the stdio transport stdout belongs to the protocol.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	executor, err := browser.NewServer(browserConfig(cfg), browser.WithLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: failed to create browser server:", err)
		os.Exit(1)
	}

	registry, err := mcp.NewRegistry(executor.Tools()...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: failed to build tool registry:", err)
		os.Exit(1)
	}

	dispatcher := mcp.NewDispatcher(mcp.Info{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, registry, executor, mcp.WithDispatcherLogger(logger))

	var transport mcp.Transport
	switch cfg.Server.Transport {
	case config.TransportStdio:
		transport = mcp.NewStdIO(os.Stdin, os.Stdout, dispatcher, mcp.WithStdIOLogger(logger))
	case config.TransportSSE:
		transport = mcp.NewSSETransport(cfg.SSE.Addr(), dispatcher, mcp.WithSSELogger(logger))
	case config.TransportHTTPStream:
		transport = mcp.NewHTTPStreamTransport(cfg.HTTP.Addr(), dispatcher,
			mcp.WithHTTPStreamLogger(logger),
			mcp.WithMaxRequestSize(cfg.HTTP.MaxRequestSize),
			mcp.WithResponseTimeout(time.Duration(cfg.HTTP.ResponseTimeoutMS)*time.Millisecond),
		)
	default:
		fmt.Fprintln(os.Stderr, "Error: unsupported transport mode:", cfg.Server.Transport)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := transport.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown transport", slog.String("err", err.Error()))
		}
	}()

	logger.Info("starting server",
		slog.String("name", cfg.Server.Name),
		slog.String("version", cfg.Server.Version),
		slog.String("transport", cfg.Server.Transport),
	)

	if err := transport.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if err := executor.Close(); err != nil {
		logger.Warn("failed to close browser", slog.String("err", err.Error()))
	}
}

// browserConfig maps the loaded configuration onto the browser package's settings.
func browserConfig(cfg config.Config) browser.Config {
	return browser.Config{
		Headless:         cfg.Browser.Headless,
		UserAgent:        cfg.Browser.UserAgent,
		NavTimeout:       time.Duration(cfg.Browser.TimeoutMS) * time.Millisecond,
		WaitTimeout:      time.Duration(cfg.Browser.WaitTimeoutMS) * time.Millisecond,
		ClickTimeout:     time.Duration(cfg.Browser.ClickTimeoutMS) * time.Millisecond,
		LoadTimeout:      time.Duration(cfg.Browser.LoadTimeoutMS) * time.Millisecond,
		MaxContentLength: cfg.Tools.MaxContentLength,
		MaxLinks:         cfg.Tools.MaxLinks,
		MaxImages:        cfg.Tools.MaxImages,
		AllowedHosts:     cfg.Browser.AllowedHosts,
		MaxSessions:      cfg.Browser.MaxSessions,
		IdleTimeout:      time.Duration(cfg.Browser.IdleTimeoutMS) * time.Millisecond,
	}
}
