package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"voxelcull.ai/internal/persistence/snapshot"
	"voxelcull.ai/internal/sim/tuning"
)

func main() {
	var (
		addr          = flag.String("addr", ":8080", "http listen address")
		configDir     = flag.String("configs", "./configs", "configs directory")
		tuningPath    = flag.String("tuning", "", "tuning.yaml path (default: <configs>/tuning.yaml)")
		dataDir       = flag.String("data", "./data", "runtime data directory")
		disableDB     = flag.Bool("disable_db", false, "disable the sqlite policy store")
		snapPath      = flag.String("snapshot", "", "load host state from this snapshot (.snap.zst)")
		loadLatest    = flag.Bool("load_latest_snapshot", false, "load the latest snapshot from <data>/snapshots")
		populate      = flag.Int("populate", 64, "demo objects to spawn in the default world on a cold start")
		seed          = flag.Int64("seed", 1, "demo scene seed")
		snapshotEvery = flag.Duration("snapshot_every", 5*time.Minute, "periodic snapshot interval (0 disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := *tuningPath
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tu, err := tuning.Load(tp)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}

	a, err := newApp(tu, appOptions{
		DataDir:   *dataDir,
		DisableDB: *disableDB,
	}, logger)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}
	defer a.Close()

	snap := *snapPath
	if snap == "" && *loadLatest {
		snap, err = snapshot.Latest(a.snapshotDir)
		if err != nil {
			logger.Fatalf("find latest snapshot: %v", err)
		}
	}
	if snap != "" {
		if err := a.restore(snap); err != nil {
			logger.Fatalf("restore %s: %v", snap, err)
		}
		logger.Printf("restored snapshot %s", snap)
	} else {
		if err := a.coldStart(*populate, *seed); err != nil {
			logger.Fatalf("cold start: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *snapshotEvery > 0 {
		go a.snapshotLoop(ctx, *snapshotEvery)
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := a.engine.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	mux := a.routes(envBool("VC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()))
	if envBool("VC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (VC_ENABLE_PPROF_HTTP=false)")
	}

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

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	<-engineDone
	if _, err := a.saveSnapshot(); err != nil {
		logger.Printf("final snapshot: %v", err)
	}
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

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Admin endpoints stay on by default only outside of production deploys.
func defaultEnableAdminHTTP() bool {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV")))
	return env != "production" && env != "prod"
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
