package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/katulong/katulong/internal/authstore"
	"github.com/katulong/katulong/internal/config"
	"github.com/katulong/katulong/internal/daemon"
	"github.com/katulong/katulong/internal/logger"
	"github.com/katulong/katulong/internal/relay"
)

// printBanner prints a short human-readable startup line when stdout is a
// real terminal; piped/production output relies on the structured log line.
func printBanner(format string, args ...any) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf(format+"\n", args...)
	}
}

func main() {
	root := &cobra.Command{
		Use:   "katulong-relay",
		Short: "Katulong relay server",
		RunE:  run,
	}

	root.Flags().String("addr", "", "HTTP listen address (overrides PORT)")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().String("log-file", "", "additional log file path")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")
	if err := logger.Init(logLevel, logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.EnsureDataDirs(cfg.DataDir); err != nil {
		return fmt.Errorf("ensure data dirs: %w", err)
	}

	auth, err := authstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open auth store: %w", err)
	}

	daemonClient, err := dialDaemonWithRetry(cfg.SockPath, 10, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}

	port := cfg.Port
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		port = v
	}
	if port == "" {
		port = "8080"
	}

	pidFile := filepath.Join(cfg.DataDir, "relay.pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("could not write pid file", "error", err)
	}

	srv := relay.NewServer(auth, daemonClient, relay.ServerConfig{
		DataDir:     cfg.DataDir,
		UploadsDir:  filepath.Join(cfg.DataDir, "uploads"),
		HTTPPort:    atoiOr(port, 8080),
		HTTPSPort:   atoiOr(cfg.HTTPSPort, 8443),
		SSHPort:     cfg.SSHPort,
		SSHPassword: cfg.SSHPass,
		NoAuth:      cfg.NoAuth,
		PIDFile:     pidFile,
	})

	httpSrv := &http.Server{
		Addr:    ":" + port,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth.StartLockoutSweep(ctx.Done())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("katulong-relay listening", "port", port)
		printBanner("katulong-relay: listening on :%s", port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("katulong-relay shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.GracefulShutdown(shutdownCtx, httpSrv)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// dialDaemonWithRetry only covers the initial connect, for when the daemon
// hasn't finished starting yet; once connected, daemon.Client reconnects on
// its own with backoff if the socket later drops.
func dialDaemonWithRetry(sockPath string, attempts int, delay time.Duration) (*daemon.Client, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		c, err := daemon.Dial(sockPath)
		if err == nil {
			return c, nil
		}
		lastErr = err
		time.Sleep(delay)
	}
	return nil, lastErr
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
