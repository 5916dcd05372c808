package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/katulong/katulong/internal/config"
	"github.com/katulong/katulong/internal/daemon"
	"github.com/katulong/katulong/internal/logger"
)

// printBanner prints a short human-readable startup line when stdout is a
// real terminal; a production deployment piping logs to a collector gets
// nothing extra here, the structured log line already covers it.
func printBanner(format string, args ...any) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf(format+"\n", args...)
	}
}

func main() {
	root := &cobra.Command{
		Use:   "katulongd",
		Short: "Katulong PTY daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			sockPath, _ := cmd.Flags().GetString("sock")
			if sockPath == "" {
				sockPath = cfg.SockPath
			}

			d := daemon.New(cfg.DataDir, sockPath)
			printBanner("katulongd: listening on %s", sockPath)

			stop := make(chan struct{})
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("katulongd listening", "sock", sockPath)
				errCh <- d.Run(stop)
			}()

			select {
			case <-sig:
				logger.Info("katulongd shutting down")
				close(stop)
				return <-errCh
			case err := <-errCh:
				return err
			}
		},
	}

	root.Flags().String("sock", "", "unix socket path (overrides KATULONG_SOCK)")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().String("log-file", "", "additional log file path")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
