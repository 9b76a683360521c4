// Package policystore keeps per-observer culling settings and a summary of
// applied decisions in SQLite.
package policystore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelcull.ai/internal/sim/culling"
	"voxelcull.ai/internal/sim/policy"
)

var ErrClosed = errors.New("policystore: closed")

// Store implements culling.PolicyStore synchronously and
// culling.DecisionLogger through a buffered writer goroutine, so decision
// logging never blocks the owner loop on disk.
type Store struct {
	db *sql.DB

	ch   chan decisionRow
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Int64
}

type decisionRow struct {
	At       time.Time
	Observer string
	Async    bool
	Objects  int
	Groups   int
	Proxies  int
	Shown    int
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db: db,
		ch: make(chan decisionRow, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS observer_settings (
			observer TEXT PRIMARY KEY,
			policy_json TEXT,
			culling_enabled INTEGER,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			observer TEXT NOT NULL,
			async INTEGER NOT NULL,
			objects INTEGER NOT NULL,
			groups_n INTEGER NOT NULL,
			proxies INTEGER NOT NULL,
			shown INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS decisions_observer_at ON decisions(observer, at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) LoadObserver(obs culling.ObserverID) (*policy.Policy, *bool, error) {
	var raw sql.NullString
	var enabled sql.NullInt64
	err := s.db.QueryRow(
		`SELECT policy_json, culling_enabled FROM observer_settings WHERE observer = ?`, string(obs),
	).Scan(&raw, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load observer %s: %w", obs, err)
	}

	var p *policy.Policy
	if raw.Valid {
		var v policy.Policy
		if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
			return nil, nil, fmt.Errorf("load observer %s: policy_json: %w", obs, err)
		}
		p = &v
	}
	var on *bool
	if enabled.Valid {
		v := enabled.Int64 != 0
		on = &v
	}
	return p, on, nil
}

func (s *Store) SavePolicy(obs culling.ObserverID, p policy.Policy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO observer_settings(observer, policy_json, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(observer) DO UPDATE SET policy_json=excluded.policy_json, updated_at=excluded.updated_at`,
		string(obs), string(b), now(),
	)
	return err
}

func (s *Store) SaveCullingEnabled(obs culling.ObserverID, enabled bool) error {
	_, err := s.db.Exec(
		`INSERT INTO observer_settings(observer, culling_enabled, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(observer) DO UPDATE SET culling_enabled=excluded.culling_enabled, updated_at=excluded.updated_at`,
		string(obs), boolInt(enabled), now(),
	)
	return err
}

// WriteDecision queues a summary row. When the queue is full the row is
// dropped and counted.
func (s *Store) WriteDecision(e culling.DecisionLogEntry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	row := decisionRow{
		At:       e.Time,
		Observer: string(e.Observer),
		Async:    e.Async,
		Objects:  len(e.Batch.Objects),
		Groups:   len(e.Batch.Groups),
		Proxies:  len(e.Batch.Proxies),
	}
	for _, m := range []map[culling.ObjectID]bool{e.Batch.Objects, e.Batch.Proxies} {
		for _, v := range m {
			if v {
				row.Shown++
			}
		}
	}
	for _, v := range e.Batch.Groups {
		if v {
			row.Shown++
		}
	}
	select {
	case s.ch <- row:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("policystore: decision queue full")
	}
}

// Dropped returns how many decision rows were discarded on a full queue.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// DecisionSummary aggregates the decision table for one observer.
type DecisionSummary struct {
	Batches int
	Ops     int
	Shown   int
	Async   int
}

func (s *Store) DecisionSummary(obs culling.ObserverID) (DecisionSummary, error) {
	var out DecisionSummary
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(objects+groups_n+proxies),0), COALESCE(SUM(shown),0), COALESCE(SUM(async),0)
		 FROM decisions WHERE observer = ?`, string(obs),
	).Scan(&out.Batches, &out.Ops, &out.Shown, &out.Async)
	return out, err
}

func (s *Store) loop() {
	const maxBatch = 256
	flushTicker := time.NewTicker(200 * time.Millisecond)
	defer flushTicker.Stop()

	pending := make([]decisionRow, 0, maxBatch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := s.insert(pending); err != nil {
			s.dropped.Add(int64(len(pending)))
		}
		pending = pending[:0]
	}

	for {
		select {
		case row, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			pending = append(pending, row)
			if len(pending) >= maxBatch {
				flush()
			}
		case <-flushTicker.C:
			flush()
		}
	}
}

func (s *Store) insert(rows []decisionRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO decisions(at, observer, async, objects, groups_n, proxies, shown) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.At.UTC().Format(time.RFC3339Nano), r.Observer, boolInt(r.Async), r.Objects, r.Groups, r.Proxies, r.Shown); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
