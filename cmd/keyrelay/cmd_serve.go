package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/keyrelay/keyrelay/internal/api"
	"github.com/keyrelay/keyrelay/internal/config"
	"github.com/keyrelay/keyrelay/internal/crypto"
	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/registry"
	"github.com/keyrelay/keyrelay/internal/store"
	"github.com/keyrelay/keyrelay/internal/usage"
	"github.com/keyrelay/keyrelay/internal/vault"
)

func cmdServe() {
	cfg, err := config.Load()
	if err != nil {
		fatal("config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	if cfg.EphemeralKey {
		logger.Warn("KEYRELAY_MASTER_KEY is unset; using an ephemeral key, stored secrets will not survive a restart")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fatal("open database: %v", err)
	}
	defer db.Close()

	cipher, err := crypto.New([]byte(cfg.MasterKey))
	if err != nil {
		fatal("init cipher: %v", err)
	}

	reg, err := loadRegistry(cfg.EndpointsFile)
	if err != nil {
		fatal("endpoint registry: %v", err)
	}

	v := vault.New(db, cipher, logger)
	writer := usage.NewWriter(db, logger)
	gw := gateway.New(v, reg, writer, logger, gateway.Options{
		MaxBodyBytes: cfg.MaxProxyBody,
		Timeout:      cfg.UpstreamTimeout,
	})

	srv := api.New(v, gw, reg, db, logger, cfg.ListenAddr)
	ln, err := srv.Start()
	if err != nil {
		fatal("start server: %v", err)
	}
	logger.Info("listening", "addr", ln.Addr().String(), "env", cfg.Env, "endpoints", len(reg.List()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Fprintln(os.Stderr, "\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	// Drain buffered usage records before the database closes.
	writer.Close()
}

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "keyrelay",
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		logger.Warn("unknown log level, using info", "level", level)
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default(), nil
	}
	return registry.Load(path)
}
