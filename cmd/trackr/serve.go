package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/trackr"
	"github.com/loykin/trackr/internal/collector/stub"
	"github.com/loykin/trackr/internal/logger"
)

const shutdownTimeout = 10 * time.Second

func loadServeConfig(f ServeFlags) (*trackr.Config, error) {
	if f.ConfigPath == "" {
		if f.UserID == "" {
			return nil, fmt.Errorf("--user is required without a config file")
		}
		return trackr.DefaultConfig(f.UserID)
	}
	cfg, err := trackr.LoadConfig(f.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if f.UserID != "" {
		cfg.UserID = f.UserID
	}
	return cfg, nil
}

func runServe(ctx context.Context, f ServeFlags, out io.Writer) error {
	cfg, err := loadServeConfig(f)
	if err != nil {
		return err
	}

	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Enabled {
		if err := trackr.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if err := trackr.NewSelfMetrics(ctx, prometheus.DefaultRegisterer, cfg.Metrics.SelfInterval, log); err != nil {
			log.Warn("failed to start daemon metrics", "error", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := trackr.ServeMetrics(cfg.Metrics.Listen); err != nil {
					log.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	co, err := trackr.New(cfg, trackr.WithLogger(log))
	if err != nil {
		return err
	}
	srv, err := trackr.NewHTTPServer(cfg.Server.Listen, co)
	if err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		_ = co.Close(closeCtx)
		return err
	}
	log.Info("trackr daemon listening", "addr", srv.Addr, "base_path", cfg.Server.BasePath, "user_id", cfg.UserID)
	_, _ = fmt.Fprintf(out, "trackr daemon listening on %s%s\n", srv.Addr, cfg.Server.BasePath)

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			log.Warn("failed to write pid file", "path", f.PidFile, "error", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	if !f.NonBlocking {
		<-ctx.Done()
	}
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("http shutdown", "error", err)
	}
	if err := co.Close(shutdownCtx); err != nil {
		log.Warn("coordinator shutdown", "error", err)
	}
	return nil
}

func runCollector(ctx context.Context, f CollectorFlags, out io.Writer) error {
	log, _, err := logger.New(logger.Config{Level: "info", TimeStamps: true})
	if err != nil {
		return err
	}
	s := stub.New(f.Token, log)

	ln, err := net.Listen("tcp", f.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", f.Listen, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	_, _ = fmt.Fprintf(out, "collector listening on %s\n", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
