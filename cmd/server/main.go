package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	persistlog "rebuildcraft.ai/internal/persistence/log"
	"rebuildcraft.ai/internal/persistence/store"
	rcotel "rebuildcraft.ai/internal/platform/otel"
	"rebuildcraft.ai/internal/sim/maps"
	"rebuildcraft.ai/internal/sim/multimap"
	"rebuildcraft.ai/internal/sim/session"
	"rebuildcraft.ai/internal/sim/tuning"
	"rebuildcraft.ai/internal/transport/ws"
)

// envConfig holds deployment switches that do not belong in the yaml configs.
type envConfig struct {
	DeployEnv       string `env:"DEPLOY_ENV" envDefault:"dev"`
	EnableAdminHTTP *bool  `env:"RC_ENABLE_ADMIN_HTTP"`
	EnablePprofHTTP bool   `env:"RC_ENABLE_PPROF_HTTP" envDefault:"false"`
	OTelEndpoint    string `env:"RC_OTEL_ENDPOINT"`
	OTelEnabled     bool   `env:"RC_OTEL_ENABLED" envDefault:"true"`
}

// adminEnabled defaults to on outside staging and production.
func (c envConfig) adminEnabled() bool {
	if c.EnableAdminHTTP != nil {
		return *c.EnableAdminHTTP
	}
	switch strings.ToLower(strings.TrimSpace(c.DeployEnv)) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory (side logs)")
		dbPath     = flag.String("db", "", "sqlite path (default: <data>/rebuildcraft.sqlite)")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		mapsPath   = flag.String("maps", "", "path to maps.yaml (default: <configs>/maps.yaml)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	var ecfg envConfig
	if err := env.Parse(&ecfg); err != nil {
		logger.Fatalf("env: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	mp := strings.TrimSpace(*mapsPath)
	if mp == "" {
		mp = filepath.Join(*configDir, "maps.yaml")
	}
	mcfg, err := maps.Load(mp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load maps: %v", err)
		}
		logger.Printf("maps not found (%s); using built-in catalog", mp)
		mcfg = maps.Defaults()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := rcotel.Setup(ctx, "rebuildcraft-server", rcotel.Options{
		Endpoint:    ecfg.OTelEndpoint,
		Disabled:    !ecfg.OTelEnabled,
		Environment: ecfg.DeployEnv,
	})
	if err != nil {
		logger.Printf("otel setup: %v (tracing disabled)", err)
	}
	defer func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx2)
	}()

	dbp := strings.TrimSpace(*dbPath)
	if dbp == "" {
		dbp = filepath.Join(*dataDir, "rebuildcraft.sqlite")
	}
	db, err := store.OpenSQLite(dbp)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer db.Close()
	if err := db.SeedObjectives(ctx, mcfg.Seeds()); err != nil {
		logger.Fatalf("seed objectives: %v", err)
	}

	chatLog := persistlog.NewChatLogger(*dataDir)
	auditLog := persistlog.NewAuditLogger(*dataDir)
	defer chatLog.Close()
	defer auditLog.Close()

	manager, err := multimap.NewManager(mcfg, tune, session.Deps{
		Store:  db,
		Chat:   chatLog,
		Audit:  auditLog,
		Logger: logger,
	})
	if err != nil {
		logger.Fatalf("session registry: %v", err)
	}

	mux := http.NewServeMux()
	registerHandlers(mux, manager, ecfg.adminEnabled())
	if !ecfg.adminEnabled() {
		logger.Printf("admin endpoints disabled (RC_ENABLE_ADMIN_HTTP=false)")
	}
	if ecfg.EnablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(manager, tune.MaxQueue, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		// Returns after every session's final flush.
		if err := manager.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Printf("server stopped: %v", err)
	}
	logger.Printf("shutdown complete")
}
