package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/kiro-box/internal/auth"
	"github.com/tingly-dev/kiro-box/internal/config"
	"github.com/tingly-dev/kiro-box/internal/obs"
	"github.com/tingly-dev/kiro-box/internal/server"
)

// Set by compiler via -ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

var (
	flagHost string
	flagPort int
)

var rootCmd = &cobra.Command{
	Use:   "kiro-box",
	Short: "Kiro Box - OpenAI-compatible gateway for the Kiro upstream",
	Long: `Kiro Box exposes an OpenAI-compatible chat completions endpoint backed by
the Kiro (CodeWhisperer) upstream. It translates requests and streaming
responses between the two protocols and manages the Kiro token lifecycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "", "listen host (default: all interfaces)")
	rootCmd.Flags().IntVar(&flagPort, "port", 8989, "listen port")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Kiro Box\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Git Commit: %s\n", gitCommit)
			fmt.Printf("Build Time: %s\n", buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)
}

func serve() error {
	cfg := config.Load()
	obs.SetupLogger(cfg.LogLevel, cfg.LogFile)

	creds, err := auth.NewManager(cfg)
	if err != nil {
		return err
	}
	creds.SetVersion(version)

	watcher, err := auth.NewCredsWatcher(creds)
	if err != nil {
		logrus.Warnf("credentials watcher unavailable: %v", err)
	} else if watcher != nil {
		watcher.Start()
		defer watcher.Stop()
	}

	srv := server.NewServer(cfg, creds,
		server.WithVersion(version),
		server.WithHost(flagHost),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(flagPort)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logrus.Infof("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
