package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mnemo-db/mnemo"
	"github.com/mnemo-db/mnemo/archive"
	"github.com/mnemo-db/mnemo/distance"
	"github.com/mnemo-db/mnemo/embed"
	"github.com/mnemo-db/mnemo/engine"
	"github.com/mnemo-db/mnemo/server"
	"github.com/mnemo-db/mnemo/snapshot"
	"github.com/mnemo-db/mnemo/telemetry"
	"github.com/mnemo-db/mnemo/wal"
)

// shutdownTimeout bounds the graceful drain after SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mnemod server",
		Long:  "Load configuration, open the store and serve the wire protocol\nand the HTTP admin endpoint until interrupted.",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "override wire listen address (host:port)")
	cmd.Flags().String("admin-listen", "", "override admin listen address (host:port)")
	cmd.Flags().String("path", "", "override store data directory")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("admin_listen", cmd.Flags().Lookup("admin-listen"))
	_ = viper.BindPFlag("store.path", cmd.Flags().Lookup("path"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	// Apply any flag overrides that Viper resolved.
	if listen := viper.GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if admin := viper.GetString("admin_listen"); admin != "" {
		cfg.AdminListen = admin
	}
	if path := viper.GetString("store.path"); path != "" {
		cfg.Store.Path = path
	}

	level, err := parseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	var logger *mnemo.Logger
	if cfg.Log.Format == "json" {
		logger = mnemo.NewJSONLogger(level)
	} else {
		logger = mnemo.NewTextLogger(level)
	}

	metrics, err := telemetry.NewPrometheusCollector()
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	metric, err := distance.ParseMetric(cfg.Store.Metric)
	if err != nil {
		return err
	}
	durability, err := wal.ParseDurability(cfg.Store.Durability)
	if err != nil {
		return err
	}
	codec, err := snapshot.ParseCodec(cfg.Store.SnapshotCodec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newArchiveStore(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("configuring archive: %w", err)
	}
	var archiver *archive.Uploader
	if store != nil {
		archiver = archive.NewUploader(store)
	}

	db, err := mnemo.Open(ctx, func(o *mnemo.Options) {
		o.Path = cfg.Store.Path
		o.Dimension = cfg.Store.Dimension
		o.Shards = cfg.Store.Shards
		o.Logger = logger
		o.Metrics = metrics
		o.Engine = []func(eo *engine.Options){func(eo *engine.Options) {
			eo.Metric = metric
			eo.Durability = durability
			eo.SnapshotCodec = codec
			eo.CompressLog = cfg.Store.CompressLog
			if cfg.Store.FlushThreshold > 0 {
				eo.FlushThreshold = cfg.Store.FlushThreshold
			}
			if cfg.Store.WakeInterval > 0 {
				eo.WakeInterval = cfg.Store.WakeInterval
			}
			eo.MaxBackgroundJobs = cfg.Store.MaxBackgroundJobs
			eo.IOBytesPerSec = cfg.Store.IOBytesPerSec
			if archiver != nil {
				eo.Archiver = archiver
			}
		}}
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	var source embed.Source
	if cfg.Server.Embed == "fixed" {
		source = embed.NewFixed(cfg.Store.Dimension)
	}

	srv := server.New(db, func(o *server.Options) {
		o.SlowThreshold = cfg.Server.SlowThreshold
		o.RequestTimeout = cfg.Server.RequestTimeout
		o.Source = source
		o.Logger = logger.Logger
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}

	admin := &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           srv.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("mnemod starting",
		slog.String("listen", cfg.Listen),
		slog.String("admin", cfg.AdminListen),
		slog.Int("shards", db.Shards()),
		slog.Int("dimension", db.Dimension()),
	)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return srv.Serve(ln)
	})
	group.Go(func() error {
		if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()

		logger.Info("mnemod shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin shutdown", slog.Any("error", err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if closeErr := db.Close(); err == nil {
		err = closeErr
	}
	return err
}
