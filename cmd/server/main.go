package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/callisto-rtc/callisto/internal/config"
	"github.com/callisto-rtc/callisto/internal/engine"
	"github.com/callisto-rtc/callisto/internal/logging"
	"github.com/callisto-rtc/callisto/internal/room"
	"github.com/callisto-rtc/callisto/internal/server"
	"github.com/callisto-rtc/callisto/internal/signaling"
)

var version = "dev"

var opts config.Options

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "callisto",
	Short:   "Room-scoped SFU signaling server",
	Long:    `Callisto is the signaling and session-orchestration server for a selective-forwarding media setup: it manages rooms, peers, transports, producers and consumers over WebSocket and delegates all media handling to an external engine.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (default :8080)")
	rootCmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&opts.ListenIP, "rtc-listen-ip", "", "IP the engine binds RTC traffic to")
	rootCmd.Flags().StringVar(&opts.AnnouncedIP, "rtc-announced-ip", "", "IP announced in ICE candidates (for NAT)")
	rootCmd.Flags().Uint16Var(&opts.RTCMinPort, "rtc-min-port", 0, "lower bound of the RTC port range")
	rootCmd.Flags().Uint16Var(&opts.RTCMaxPort, "rtc-max-port", 0, "upper bound of the RTC port range")
}

func run() error {
	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel)

	eng := engine.NewLoopback(logger, engine.LoopbackOptions{
		ListenIP:    cfg.ListenIP,
		AnnouncedIP: cfg.AnnouncedIP,
		MinPort:     cfg.RTCMinPort,
		MaxPort:     cfg.RTCMaxPort,
	})
	registry := room.NewRegistry(logger, eng)
	dispatcher := signaling.NewDispatcher(logger, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go registry.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.NewMux(logger, dispatcher),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting signaling server", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	eng.Stop()
	return nil
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
