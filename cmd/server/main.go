package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tilestream.ai/internal/persistence/indexdb"
	persistlog "tilestream.ai/internal/persistence/log"
	"tilestream.ai/internal/sim/stream"
	"tilestream.ai/internal/sim/tuning"
	"tilestream.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite tick/event index")
		noLogs     = flag.Bool("disable_logs", false, "disable compressed tick/event logs")

		routeKind   = flag.String("route", "circle", "scripted observer route: idle|line|circle|zigzag")
		routeSpeed  = flag.Float64("speed", 60, "observer speed in world units per second")
		routeRadius = flag.Float64("radius", 2048, "circle/zigzag radius in world units")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

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

	rt, err := parseRoute(*routeKind, *routeSpeed, *routeRadius)
	if err != nil {
		logger.Fatalf("route: %v", err)
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	engine, err := stream.New(stream.ConfigFromTuning(tune), stream.Deps{
		Logger: log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	// Optional read-model index (does not affect the engine).
	var idx *indexdb.SQLiteIndex
	var digest string
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "stream.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if digest, err = idx.UpsertTuning(tune); err != nil {
			logger.Printf("index: upsert tuning: %v", err)
		}
	}

	ticks := persistlog.MultiTickLogger{}
	events := persistlog.MultiEventLogger{}
	if !*noLogs {
		tickLog := persistlog.NewTickLogger(*dataDir)
		eventLog := persistlog.NewEventLogger(*dataDir)
		defer tickLog.Close()
		defer eventLog.Close()
		ticks = append(ticks, tickLog)
		events = append(events, eventLog)
	}
	if idx != nil {
		ticks = append(ticks, idx)
		events = append(events, idx)
	}
	if len(ticks) > 0 {
		engine.SetTickLogger(ticks)
		engine.SetEventLogger(events)
	}

	ctx, cancel := signalContext()
	defer cancel()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()
	go rt.drive(ctx, engine.Positions(), tune.Monitor.TargetRateHz)

	var idxStats indexStats
	if idx != nil {
		idxStats = idx
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newEngineCollector(engine, idxStats),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	enableAdminHTTP := envBool("TS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("TS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", stateHandler(engine, idxStats, digest))
		mux.HandleFunc("/admin/v1/rebuild", rebuildHandler(engine, 5*time.Second))
	} else {
		logger.Printf("admin endpoints disabled (TS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	obsSrv := observer.NewServer(engine, log.New(os.Stdout, "[observer] ", log.LstdFlags))
	mux.HandleFunc("/v1/observe/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/v1/observe", obsSrv.WSHandler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s route=%s speed=%.1f", *addr, rt.kind, rt.speed)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	<-engineDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
