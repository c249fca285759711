package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillmail/gate/autodiscover"
	"github.com/quillmail/gate/config"
	"github.com/quillmail/gate/logger"
	"github.com/quillmail/gate/pool"
	"github.com/quillmail/gate/server/userapi"
	"github.com/quillmail/gate/session"
	"github.com/quillmail/gate/sniffer"
)

func main() {
	configPath := flag.String("config", "gate.toml", "path to TOML configuration file")
	addr := flag.String("addr", "", "HTTP API listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAPI.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(cfg); err != nil {
		logger.Fatal("Gateway exited with error", "error", err)
	}
}

func run(cfg config.Config) error {
	secrets, err := session.LoadSecrets(cfg.Session.SecretsDir)
	if err != nil {
		return err
	}

	accessTTL, _ := cfg.Session.GetAccessTokenTTL()
	refreshTTL, _ := cfg.Session.GetRefreshTokenTTL()
	httpTimeout, _ := cfg.Discovery.GetHTTPTimeout()
	sniffTimeout, _ := cfg.Discovery.GetSniffTimeout()
	sessionTTL, _ := cfg.Pool.GetSessionTTL()
	sweepInterval, _ := cfg.Pool.GetSweepInterval()
	connectTimeout, _ := cfg.Outgoing.GetConnectTimeout()
	if sessionTTL == 0 {
		sessionTTL = accessTTL
	}

	codec := session.NewCodec(secrets, cfg.Session.TokenIssuer, accessTTL, refreshTTL)

	var resolverOpts []autodiscover.Option
	if cfg.Discovery.AggregatorURL != "" {
		resolverOpts = append(resolverOpts, autodiscover.WithAggregatorURL(cfg.Discovery.AggregatorURL))
	}
	resolver := autodiscover.NewResolver(httpTimeout, resolverOpts...)

	connPool := pool.New(sessionTTL, sweepInterval)
	manager := session.NewManager(codec, connPool, resolver, sniffer.New(sniffTimeout), connectTimeout)

	srv := userapi.New(manager, cfg.HTTPAPI)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Connection pool shutdown incomplete", "error", err)
	}
	logger.Info("Gateway stopped")
	return nil
}
