package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/katulong/katulong/internal/config"
	"github.com/katulong/katulong/internal/daemon"
	"github.com/katulong/katulong/internal/logger"
	"github.com/katulong/katulong/internal/sshd"
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
		Use:   "katulong-ssh",
		Short: "Katulong SSH front-door",
		RunE:  run,
	}

	root.Flags().String("port", "", "SSH listen port (overrides SSH_PORT)")
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

	port := cfg.SSHPort
	if v, _ := cmd.Flags().GetString("port"); v != "" {
		port = v
	}
	if port == "" {
		port = "2222"
	}
	if port == "0" {
		logger.Info("katulong-ssh disabled (port 0)")
		return nil
	}

	daemonClient, err := dialDaemonWithRetry(cfg.SockPath, 10, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}

	srv, err := sshd.NewServer(sshd.Config{
		DataDir:    cfg.DataDir,
		Port:       port,
		Password:   cfg.SSHPass,
		SetupToken: cfg.SetupToken,
	}, daemonClient)
	if err != nil {
		return fmt.Errorf("create ssh server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("katulong-ssh listening", "port", port)
		printBanner("katulong-ssh: listening on :%s", port)
		errCh <- srv.ListenAndServe(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("katulong-ssh shutting down")
		return nil
	case err := <-errCh:
		return err
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
