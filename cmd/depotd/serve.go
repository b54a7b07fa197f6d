package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Rational-Boxes/depot/pkg/api"
	"github.com/Rational-Boxes/depot/pkg/blob"
	"github.com/Rational-Boxes/depot/pkg/cache"
	"github.com/Rational-Boxes/depot/pkg/config"
	"github.com/Rational-Boxes/depot/pkg/engine"
	"github.com/Rational-Boxes/depot/pkg/events"
	"github.com/Rational-Boxes/depot/pkg/log"
	"github.com/Rational-Boxes/depot/pkg/metastore"
	"github.com/Rational-Boxes/depot/pkg/tenant"
	"github.com/Rational-Boxes/depot/pkg/tracker"
	"github.com/Rational-Boxes/depot/pkg/types"
	"github.com/Rational-Boxes/depot/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the depot server",
	Long: `Run the depot server.

Configuration comes from defaults, an optional YAML file and
environment variables, highest last. A tenant manifest applied at
startup provisions tenants before the first request arrives.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "YAML configuration file")
	serveCmd.Flags().String("tenants", "", "Tenant bootstrap manifest to apply on startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	manifestPath, _ := cmd.Flags().GetString("tenants")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("driver", cfg.DB.Driver).Msg("Starting depot")

	meta, err := metastore.Open(metastore.Config{
		Driver:     cfg.DB.Driver,
		PrimaryDSN: cfg.PrimaryDSN(),
		ReplicaDSN: cfg.ReplicaDSN(),
		PoolSize:   cfg.DB.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer meta.Close()

	var key []byte
	if cfg.Storage.Encrypt {
		key = []byte(cfg.Storage.EncryptionKey)
	}
	codec, err := blob.NewCodec(cfg.Storage.Compress, key)
	if err != nil {
		return err
	}
	local, err := blob.NewLocal(cfg.Storage.Base, codec)
	if err != nil {
		return fmt.Errorf("opening local storage: %w", err)
	}

	var s3 *blob.S3
	var remote blob.Store
	if cfg.S3Enabled() {
		s3, err = blob.NewS3(blob.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return fmt.Errorf("configuring object store: %w", err)
		}
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s3.Initialize(initCtx); err != nil {
			// Replication catches up once the bucket comes back.
			logger.Warn().Err(err).Msg("Object store unavailable at startup")
		}
		cancel()
		remote = s3
	}

	blobCache, err := cache.New(cfg.CacheMaxBytes(), cfg.Cache.Threshold)
	if err != nil {
		return err
	}

	track, err := tracker.Open(cfg.Storage.Base)
	if err != nil {
		return fmt.Errorf("opening sync tracker: %w", err)
	}
	defer track.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	var router *tenant.Router
	if s3 != nil {
		router = tenant.NewRouter(cfg.MultiTenantEnabled, meta, local, s3, broker)
	} else {
		router = tenant.NewRouter(cfg.MultiTenantEnabled, meta, local, nil, broker)
	}

	eng, err := engine.New(engine.Config{
		Meta:           meta,
		Local:          local,
		Remote:         remote,
		Cache:          blobCache,
		Tracker:        track,
		Broker:         broker,
		Host:           cfg.Host,
		MaxObjectBytes: cfg.MaxObjectBytes(),
	})
	if err != nil {
		return err
	}

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	_, err = router.Resolve(bootCtx, "")
	if err == nil && manifestPath != "" {
		err = applyTenantManifest(bootCtx, manifestPath, router, meta, eng)
	}
	cancelBoot()
	if err != nil {
		return fmt.Errorf("bootstrapping tenants: %w", err)
	}

	monitor := worker.NewMonitor(worker.MonitorConfig{Meta: meta, Broker: broker})
	monitor.Start()
	defer monitor.Stop()

	if remote != nil && cfg.Sync.Enabled {
		syncer := worker.NewSyncer(worker.SyncerConfig{
			Local:        local,
			Remote:       remote,
			Tracker:      track,
			Broker:       broker,
			Prober:       s3,
			Interval:     cfg.SyncInterval(),
			ScanInterval: cfg.SyncScanInterval(),
			ScanOnStart:  cfg.Sync.ScanOnStartup,
		})
		syncer.Start()
		defer syncer.Stop()
	}

	if cfg.CullMaxLocalBytes() > 0 {
		culler := worker.NewCuller(worker.CullerConfig{
			Meta:          meta,
			Local:         local,
			Cache:         blobCache,
			Tracker:       track,
			Broker:        broker,
			Host:          cfg.Host,
			MaxLocalBytes: cfg.CullMaxLocalBytes(),
			Strategy:      types.CullStrategy(cfg.Cull.Strategy),
			IdleWindow:    time.Duration(cfg.Cull.IdleHours) * time.Hour,
			BatchSize:     cfg.Cull.BatchSize,
			Interval:      cfg.CullInterval(),
		})
		culler.Start()
		defer culler.Stop()
	}

	grpcAddr := fmt.Sprintf("%s:%d", cfg.Server.GRPCHost, cfg.Server.GRPCPort)
	srv := api.NewServer(grpcAddr, meta)
	if err := srv.Start(); err != nil {
		return err
	}

	var hs *api.HealthServer
	if s3 != nil {
		hs = api.NewHealthServer(meta, s3, track)
	} else {
		hs = api.NewHealthServer(meta, nil, track)
	}
	metricsAddr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		logger.Info().Str("addr", metricsAddr).Msg("Health and metrics endpoints listening")
		if err := hs.Start(metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case <-gctx.Done():
		}
		srv.Stop()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return hs.Stop(shutCtx)
	})
	return g.Wait()
}

func initLogging(cfg *config.Config) error {
	output := io.Writer(os.Stdout)
	if cfg.Log.FilePath != "" {
		f, err := os.OpenFile(cfg.Log.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		output = f
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: !cfg.Log.ToConsole,
		Output:     output,
	})
	return nil
}
