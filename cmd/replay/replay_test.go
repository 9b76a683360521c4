package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	persistlog "voxelcull.ai/internal/persistence/log"
	"voxelcull.ai/internal/sim/culling"
	"voxelcull.ai/internal/timeutil"
)

func writeLogs(t *testing.T, dir string) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC))
	l := persistlog.NewDecisionLogger(dir, clock)
	entries := []culling.DecisionLogEntry{
		{Observer: "a", Batch: culling.Batch{Objects: map[culling.ObjectID]bool{1: false, 2: false}}},
		{Observer: "b", Async: true, Batch: culling.Batch{Groups: map[culling.GroupID]bool{7: false}}},
		{Observer: "a", Batch: culling.Batch{Objects: map[culling.ObjectID]bool{1: true}, Proxies: map[culling.ObjectID]bool{1: false}}},
		// Hides object 2 again without a show in between.
		{Observer: "a", Batch: culling.Batch{Objects: map[culling.ObjectID]bool{2: false}}},
	}
	for i, e := range entries {
		if i == 2 {
			// Crosses into the next hourly file.
			clock.Advance(2 * time.Minute)
		}
		e.Time = clock.Now()
		if err := l.WriteDecision(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestReplay_CountsTransitionsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeLogs(t, dir)
	files, err := persistlog.ListFiles(filepath.Join(dir, "decisions"), "decisions")
	if err != nil || len(files) != 2 {
		t.Fatalf("files=%v err=%v", files, err)
	}

	rep, err := replay(files, filter{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Entries != 4 || len(rep.Observers) != 2 {
		t.Fatalf("entries=%d observers=%d", rep.Entries, len(rep.Observers))
	}
	a := rep.Observers["a"]
	if a.Batches != 3 || a.Shows != 1 || a.Hides != 4 || a.Redundant != 1 || a.hidden() != 2 {
		t.Fatalf("a=%+v hidden=%d", a, a.hidden())
	}
	if a.Last.Sub(a.First) != 2*time.Minute {
		t.Fatalf("span=%s", a.Last.Sub(a.First))
	}
	b := rep.Observers["b"]
	if b.Async != 1 || b.Hides != 1 || b.Redundant != 0 {
		t.Fatalf("b=%+v", b)
	}

	var out bytes.Buffer
	rep.print(&out)
	if !strings.Contains(out.String(), "observer=a batches=3") || !strings.Contains(out.String(), "redundant=1\n") {
		t.Fatalf("output:\n%s", out.String())
	}
}

func TestReplay_Filters(t *testing.T) {
	dir := t.TempDir()
	writeLogs(t, dir)
	files, err := persistlog.ListFiles(filepath.Join(dir, "decisions"), "decisions")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	rep, err := replay(files, filter{observer: "b"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Entries != 1 || rep.Observers["a"] != nil {
		t.Fatalf("observer filter: entries=%d", rep.Entries)
	}

	rep, err = replay(files, filter{since: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Entries != 2 || rep.redundant() != 0 {
		t.Fatalf("since filter: entries=%d redundant=%d", rep.Entries, rep.redundant())
	}
}
