package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/net/netutil"

	"fmtmgo/internal/api"
	"fmtmgo/pkg/central"
	"fmtmgo/pkg/config"
	"fmtmgo/pkg/db"
	"fmtmgo/pkg/db/maintenance"
	"fmtmgo/pkg/fgb"
	"fmtmgo/pkg/logging"
	"fmtmgo/pkg/postgis"
	"fmtmgo/pkg/probe"
	"fmtmgo/pkg/request"
	"fmtmgo/pkg/split"
	"fmtmgo/pkg/store"
	"fmtmgo/pkg/version"
)

const defaultConfigPath = "configs/fmtm.yaml"

var (
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
	configPath = flag.String("config", defaultConfigPath, "Path to the config file")
)

func main() {
	flag.Parse()
	// Load stops at the first missing file.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Config file generated:", *configPath)
		return
	}

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

// services holds everything the HTTP layer needs.
type services struct {
	store   store.Store
	codec   fgb.Codec
	joiner  split.SpatialJoiner
	central central.Client
	probes  []probe.Probe
	closers []func() error
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("Shutdown cleanup failed", "error", err)
		}
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&appCfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("fmtmgo Started", "version", version.Version)

	dbConn, st, err := initDB(appCfg)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	if err := maintenance.Run(ctx, dbConn, time.Duration(appCfg.DB.ArtifactRetention)); err != nil {
		slog.Error("Maintenance tasks failed", "error", err)
	}

	svcs, err := initServices(ctx, appCfg, dbConn, st)
	if err != nil {
		return err
	}
	defer svcs.close()

	if err := probe.AnalyzeResults(slog.Default(), probe.Run(ctx, svcs.probes)); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}

	return runServer(ctx, appCfg, svcs)
}

func initDB(cfg *config.Config) (*db.DB, store.Store, error) {
	dbConn, err := db.Init(cfg.DB.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return dbConn, store.NewSQLiteStore(dbConn), nil
}

// initServices picks the spatial backend and the ODK client. PostGIS,
// when enabled, replaces both the FlatGeobuf codec and the in-process join.
func initServices(ctx context.Context, cfg *config.Config, dbConn *db.DB, st store.Store) (*services, error) {
	svcs := &services{
		store: st,
		probes: []probe.Probe{
			{Name: "Local store", Check: probe.Ping(dbConn), Critical: true},
		},
	}

	if cfg.PostGIS.Enabled {
		pg, err := postgis.Open(ctx, cfg.PostGIS.DSN, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgis: %w", err)
		}
		svcs.closers = append(svcs.closers, pg.Close)
		svcs.codec = postgis.NewFlatGeobufCodec(pg)
		svcs.joiner = postgis.NewJoiner(pg)
		svcs.probes = append(svcs.probes, probe.Probe{Name: "PostGIS", Check: probe.Ping(pg), Critical: true})
	} else {
		slog.Info("PostGIS disabled, using in-process spatial backend")
		svcs.codec = fgb.NewEncoder(slog.Default())
	}

	if cfg.ODK.URL != "" {
		transport := request.New(requestOptions(cfg))
		client := central.NewHTTPClient(cfg.ODK.URL, cfg.ODK.User, cfg.ODK.Password, transport, slog.Default())
		svcs.central = client
		svcs.probes = append(svcs.probes, probe.Probe{
			Name:    "ODK Central",
			Check:   client.Ping,
			Timeout: time.Duration(cfg.Request.Timeout),
		})
	} else {
		slog.Warn("ODK Central not configured, entity routes disabled")
	}

	return svcs, nil
}

func requestOptions(cfg *config.Config) request.Options {
	opts := request.DefaultOptions()
	opts.Timeout = time.Duration(cfg.Request.Timeout)
	opts.MaxAttempts = cfg.Request.Retries + 1
	opts.BaseDelay = time.Duration(cfg.Request.Backoff.BaseDelay)
	opts.MaxDelay = time.Duration(cfg.Request.Backoff.MaxDelay)
	opts.RatePerSecond = cfg.ODK.RatePerSecond
	opts.Burst = cfg.ODK.Burst
	opts.Logger = slog.Default()
	return opts
}

func runServer(ctx context.Context, cfg *config.Config, svcs *services) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	logger := slog.Default()
	helper := api.NewHelperHandler(svcs.codec, svcs.central, logger)
	projects := api.NewProjectHandler(
		split.New(svcs.joiner, logger),
		cfg.Split,
		&api.ProjectDeps{Store: svcs.store, Codec: svcs.codec, Central: svcs.central},
		logger,
	)

	srv := api.NewServer(cfg.Server, helper, projects)
	return runServerLifecycle(ctx, srv, cfg.Server.MaxConnections, quit)
}

func runServerLifecycle(ctx context.Context, srv *http.Server, maxConns int, quit chan os.Signal) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	slog.Info("Starting server", "addr", ln.Addr().String(), "max_connections", maxConns)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	select {
	case <-quit:
		slog.Info("Shutting down server...")
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
