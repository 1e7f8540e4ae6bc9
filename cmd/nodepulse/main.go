package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodepulse/nodepulse/pkg/config"
	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/metrics"
	"github.com/nodepulse/nodepulse/pkg/monitor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	nodeSpecs    []string
	manifestPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodepulse",
	Short: "NodePulse - Live monitor for storage node daemons",
	Long: `NodePulse tails one or more storage node daemon logs, derives
per-operation events and latency, keeps rolling statistics, and serves
live dashboards over websockets.

Nodes are passed as NAME:SOURCE, where SOURCE is a log file path or the
host:port of a log forwarder.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"NodePulse version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringArrayVar(&nodeSpecs, "node", nil,
		"node to monitor as NAME:SOURCE (repeatable)")
	rootCmd.Flags().StringVar(&manifestPath, "config", "",
		"YAML node manifest")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(nodeSpecs, manifestPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	metrics.SetVersion(Version)

	mon, err := monitor.New(cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", mon.Hub().ServeWS)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())

	addr := net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		httpLog := log.WithComponent("http")
		httpLog.Info().Str("addr", addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	monDone := make(chan error, 1)
	go func() {
		monDone <- mon.Run(ctx)
	}()

	select {
	case err := <-errCh:
		stop()
		<-monDone
		return err
	case err := <-monDone:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return err
	}
}
