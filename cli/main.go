package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docdb"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "config yaml (optional)")
	addr := flag.String("addr", "", "listen address, overrides config")
	dir := flag.String("dir", "", "data directory, overrides config")
	flag.Parse()

	if err := run(*configPath, *addr, *dir); err != nil {
		log.WithError(err).Fatal("document db stopped")
	}
}

func run(configPath, addr, dir string) error {
	cfg := DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = LoadConfig(configPath); err != nil {
			return err
		}
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if dir != "" {
		cfg.Dir = dir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.StandardLogger()
	if err := setupLogging(logger, cfg.Log); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	options, err := cfg.Options(logger, registry)
	if err != nil {
		return err
	}
	db, err := docdb.Open(cfg.Dir, 0o755, options)
	if err != nil {
		return errors.Wrapf(err, "open %s", cfg.Dir)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("close db")
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newServer(db, logger, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"addr": cfg.Addr, "dir": cfg.Dir}).Info("document db listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig).Info("shutdown signal received")
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("http shutdown")
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server")
	}
	return nil
}
