package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	persistlog "voxelcull.ai/internal/persistence/log"
	"voxelcull.ai/internal/persistence/policystore"
	"voxelcull.ai/internal/persistence/snapshot"
	"voxelcull.ai/internal/sim/culling"
	"voxelcull.ai/internal/sim/host"
	"voxelcull.ai/internal/sim/tuning"
	"voxelcull.ai/internal/sim/voxel"
	"voxelcull.ai/internal/timeutil"
	"voxelcull.ai/internal/transport/observer"
)

type appOptions struct {
	DataDir   string
	DisableDB bool
	Clock     timeutil.Clock
}

// app is one running demo host: worlds, engine, observer transport and the
// persistence around them.
type app struct {
	logger *log.Logger
	tuning tuning.Tuning
	clock  timeutil.Clock

	worlds *voxel.Worlds
	engine *culling.Engine
	host   *host.Host
	obs    *observer.Server

	store       *policystore.Store
	decisionLog *persistlog.DecisionLogger
	snapshotDir string
}

func newApp(tu tuning.Tuning, opts appOptions, logger *log.Logger) (*app, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.Real()
	}
	cat, err := tu.Catalog()
	if err != nil {
		return nil, err
	}

	a := &app{
		logger:      logger,
		tuning:      tu,
		clock:       clock,
		worlds:      voxel.NewWorlds(),
		snapshotDir: filepath.Join(opts.DataDir, "snapshots"),
	}
	a.obs = observer.NewServer(observer.Config{
		TickDurationMs: tu.TickDurationMs,
		KnownWorld: func(w string) bool {
			_, ok := a.worlds.Get(w)
			return ok
		},
	}, log.New(logger.Writer(), "[observer] ", logger.Flags()))

	a.engine, err = culling.New(tu.EngineConfig(), cat, a.worlds, a.obs, clock, log.New(logger.Writer(), "[culling] ", logger.Flags()))
	if err != nil {
		return nil, err
	}
	a.obs.Attach(a.engine)

	if !opts.DisableDB {
		path := filepath.Join(opts.DataDir, "index", "policies.sqlite")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		a.store, err = policystore.Open(path)
		if err != nil {
			return nil, fmt.Errorf("policy store: %w", err)
		}
		a.engine.SetPolicyStore(a.store)
	} else {
		logger.Printf("policy store disabled; observer settings will not survive a restart")
	}

	a.decisionLog = persistlog.NewDecisionLogger(opts.DataDir, clock)
	if a.store != nil {
		a.engine.SetDecisionLogger(multiDecisionLogger{a: a.decisionLog, b: a.store})
	} else {
		a.engine.SetDecisionLogger(a.decisionLog)
	}

	a.host = host.New(a.engine, a.worlds, clock)
	return a, nil
}

// coldStart builds every configured world and scatters the demo scene.
func (a *app) coldStart(populate int, seed int64) error {
	for _, spec := range a.tuning.Worlds {
		a.host.AddWorld(spec)
	}
	if populate <= 0 {
		return nil
	}
	n, err := a.host.Populate(a.tuning.DefaultWorld, populate, seed)
	if err != nil {
		return err
	}
	a.logger.Printf("populated world=%s objects=%d", a.tuning.DefaultWorld, n)
	return nil
}

// restore rebuilds the host from a snapshot. Configured worlds missing from
// the snapshot are created fresh.
func (a *app) restore(path string) error {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	if err := a.host.Import(snap); err != nil {
		return err
	}
	for _, spec := range a.tuning.Worlds {
		if _, ok := a.worlds.Get(spec.ID); !ok {
			a.host.AddWorld(spec)
		}
	}
	return nil
}

func (a *app) saveSnapshot() (string, error) {
	snap := a.host.Export()
	path := filepath.Join(a.snapshotDir, snapshot.FileName(snap.Header.SavedAt))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	return path, nil
}

func (a *app) snapshotLoop(ctx context.Context, every time.Duration) {
	t := a.clock.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			path, err := a.saveSnapshot()
			if err != nil {
				a.logger.Printf("snapshot write: %v", err)
				continue
			}
			a.logger.Printf("snapshot written: %s", path)
		}
	}
}

func (a *app) Close() {
	a.engine.Close()
	if err := a.decisionLog.Close(); err != nil {
		a.logger.Printf("decision log close: %v", err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Printf("policy store close: %v", err)
		}
	}
}

// multiDecisionLogger writes every entry to both loggers and reports the
// first error.
type multiDecisionLogger struct {
	a culling.DecisionLogger
	b culling.DecisionLogger
}

func (m multiDecisionLogger) WriteDecision(e culling.DecisionLogEntry) error {
	errA := m.a.WriteDecision(e)
	errB := m.b.WriteDecision(e)
	if errA != nil {
		return errA
	}
	return errB
}
