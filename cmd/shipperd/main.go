// Command shipperd runs the deployment orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/shipper/artifact"
	"github.com/GoCodeAlone/shipper/config"
	"github.com/GoCodeAlone/shipper/deploy"
	"github.com/GoCodeAlone/shipper/fetch"
	"github.com/GoCodeAlone/shipper/history"
	"github.com/GoCodeAlone/shipper/remote"
	"github.com/GoCodeAlone/shipper/server"
	"github.com/GoCodeAlone/shipper/verify"
)

var (
	configFile = flag.String("config", "shipper.yaml", "Path to service configuration YAML file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromFile(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer, err := remote.NewSSHDialer(cfg.Remote.SSH)
	if err != nil {
		log.Fatalf("Failed to configure SSH: %v", err)
	}
	executor := remote.NewExecutor(dialer, cfg.Remote.CommandTimeout, logger)
	metrics := server.NewMetrics()
	fetcher := fetch.New(cfg.Fetch, logger)
	fetcher.SetRetryHook(metrics.FetchRetriesTotal.Inc)
	checker := verify.NewChecker(cfg.Verify, logger)
	orchestrator := deploy.New(fetcher, executor, checker, cfg.Deploy, logger)

	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		log.Fatalf("Failed to open history database: %v", err)
	}
	defer func() { _ = hist.Close() }()

	var minter server.Minter
	if cfg.S3.Bucket != "" {
		presigner, err := artifact.NewPresigner(ctx, artifact.PresignerConfig{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			URLTTL:    cfg.S3.URLTTL,
		})
		if err != nil {
			log.Fatalf("Failed to configure presigner: %v", err)
		}
		minter = presigner
	}

	srv := server.New(orchestrator, minter, hist, metrics, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
