// Command gophcal-server starts the calendar gRPC server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/gophcal/internal/api"
	"github.com/and161185/gophcal/internal/clock"
	"github.com/and161185/gophcal/internal/config"
	"github.com/and161185/gophcal/internal/limiter"
	"github.com/and161185/gophcal/internal/metrics"
	"github.com/and161185/gophcal/internal/migrate"
	"github.com/and161185/gophcal/internal/occurrence"
	"github.com/and161185/gophcal/internal/repository"
	"github.com/and161185/gophcal/internal/repository/memory"
	"github.com/and161185/gophcal/internal/repository/postgres"
	"github.com/and161185/gophcal/internal/repository/sqlite"
	grpcserver "github.com/and161185/gophcal/internal/server/grpc"
	"github.com/and161185/gophcal/internal/service"
	"github.com/and161185/gophcal/internal/syncer"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// storage is what a driver provides to the services.
type storage struct {
	events repository.Store
	owners repository.OwnerRepository
	lim    limiter.Limiter
	close  func()
}

// main loads configuration, opens storage, and starts the gRPC and metrics listeners.
func main() {
	def := config.Default()

	// Flags
	configFile := flag.String("config", "", "YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file with GOPHCAL_* variables")
	flag.String("addr", def.Addr, "listen address")
	flag.String("metrics-addr", def.MetricsAddr, "metrics listen address (empty disables)")
	flag.String("driver", def.Driver, "storage driver: postgres, sqlite or memory")
	flag.String("dsn", def.DSN, "database DSN")
	flag.String("jwt-key", "", "HS256 signing key (required)")
	flag.Duration("access-ttl", def.AccessTTL, "access token TTL")
	flag.String("default-zone", def.DefaultZone, "IANA zone for owners and events that name none")
	flag.Int("max-occurrences", def.MaxOccurrences, "occurrence cap per series and query")
	flag.String("tls-cert", def.TLSCert, "TLS certificate (PEM)")
	flag.String("tls-key", def.TLSKey, "TLS private key (PEM)")
	flag.Bool("insecure", false, "serve plaintext gRPC (local runs only)")
	flag.Bool("dev", false, "enable server reflection (dev only)")
	flag.Duration("sync-timeout", def.Sync.Timeout, "timeout of one external sync push")
	flag.Bool("sync-log", false, "log every committed change")
	flag.String("caldav-url", "", "CalDAV server URL")
	flag.String("caldav-username", "", "CalDAV username")
	flag.String("caldav-password", "", "CalDAV password")
	flag.String("caldav-calendar", "", "CalDAV calendar collection path")
	flag.String("google-credentials", "", "Google OAuth client credentials JSON")
	flag.String("google-token", "", "Google OAuth token JSON")
	flag.String("google-calendar", def.Sync.Google.CalendarID, "Google calendar id")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(*configFile, *envFile)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("driver", cfg.Driver),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	defer st.close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rec.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener", zap.Error(err))
			}
		}()
	}

	// External sync
	adapters, err := syncAdapters(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("sync adapters", zap.Error(err))
	}
	dispatcher := syncer.NewDispatcher(logger, rec, cfg.Sync.Timeout, adapters...)

	// Services
	clk := clock.System{}
	authSvc := service.NewAuthService(st.owners, []byte(cfg.JWTKey), cfg.AccessTTL, st.lim, clk, logger)
	eventSvc := service.NewEventService(service.EventDeps{
		Store:       st.events,
		Owners:      st.owners,
		Expander:    occurrence.NewExpander(logger, rec, cfg.MaxOccurrences),
		Clock:       clk,
		Sync:        dispatcher,
		Metrics:     rec,
		Log:         logger,
		DefaultZone: cfg.DefaultZone,
	})

	// gRPC server with interceptors
	app := grpcserver.New(authSvc, eventSvc, []byte(cfg.JWTKey), logger)
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.MetricsUnary(rec),
			app.AuthUnary(),
		),
	}
	if !cfg.Insecure {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	api.Register(s, app)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	// Listen
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", !cfg.Insecure))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		// graceful shutdown
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.Timeout+time.Second)
	defer cancel()
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("sync drain", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("shutdown complete")
}

// loadConfig layers the YAML file, the environment and the explicitly set flags over the defaults.
func loadConfig(file, envFile string) (*config.Config, error) {
	cfg := config.Default()
	if file != "" {
		var err error
		if cfg, err = config.Load(file); err != nil {
			return nil, err
		}
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	var setErr error
	flag.Visit(func(f *flag.Flag) {
		if setErr != nil || f.Name == "config" || f.Name == "env-file" {
			return
		}
		setErr = cfg.Set(f.Name, f.Value.String())
	})
	if setErr != nil {
		return nil, setErr
	}
	return cfg, cfg.Validate()
}

func openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (*storage, error) {
	clk := clock.System{}
	switch cfg.Driver {
	case config.DriverPostgres:
		if err := migrate.Up(ctx, cfg.DSN, log); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		return &storage{
			events: postgres.NewEventRepo(db),
			owners: postgres.NewOwnerRepo(db),
			lim:    limiter.NewPG(db.Pool, limiter.DefaultPolicy, clk),
			close:  db.Close,
		}, nil
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &storage{
			events: sqlite.NewEventRepo(db),
			owners: sqlite.NewOwnerRepo(db),
			lim:    limiter.NewMemory(limiter.DefaultPolicy, clk),
			close:  func() { _ = db.Close() },
		}, nil
	case config.DriverMemory:
		log.Warn("memory driver: data is lost on exit")
		return &storage{
			events: memory.NewStore(),
			owners: memory.NewOwners(),
			lim:    limiter.NewMemory(limiter.DefaultPolicy, clk),
			close:  func() {},
		}, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

func syncAdapters(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]syncer.Adapter, error) {
	var out []syncer.Adapter
	if cfg.Sync.Log {
		out = append(out, syncer.NewLog(log))
	}
	if c := cfg.Sync.CalDAV; c.URL != "" {
		a, err := syncer.NewCalDAV(syncer.CalDAVConfig{
			Endpoint:     c.URL,
			CalendarPath: c.CalendarPath,
			Username:     c.Username,
			Password:     c.Password,
		}, &http.Client{Timeout: cfg.Sync.Timeout})
		if err != nil {
			return nil, fmt.Errorf("caldav: %w", err)
		}
		out = append(out, a)
	}
	if g := cfg.Sync.Google; g.CredentialsFile != "" {
		a, err := syncer.NewGoogle(ctx, syncer.GoogleConfig{
			CredentialsFile: g.CredentialsFile,
			TokenFile:       g.TokenFile,
			CalendarID:      g.CalendarID,
		})
		if err != nil {
			return nil, fmt.Errorf("google: %w", err)
		}
		out = append(out, a)
	}
	for _, a := range out {
		log.Info("sync adapter enabled", zap.String("adapter", a.Name()))
	}
	return out, nil
}
