package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"voxelcull.ai/internal/persistence/snapshot"
	"voxelcull.ai/internal/sim/culling"
	"voxelcull.ai/internal/sim/opacity"
	"voxelcull.ai/internal/sim/tuning"
	"voxelcull.ai/internal/timeutil"
)

func newTestApp(t *testing.T, dataDir string) *app {
	t.Helper()
	a, err := newApp(tuning.Defaults(), appOptions{
		DataDir: dataDir,
		Clock:   timeutil.NewMockClock(time.Unix(1700000000, 0)),
	}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func adminRequest(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestMetrics_ReportsEngineAndTransport(t *testing.T) {
	a := newTestApp(t, t.TempDir())
	if err := a.coldStart(8, 7); err != nil {
		t.Fatalf("cold start: %v", err)
	}
	mux := a.routes(true)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"voxelcull_worlds 1\n",
		"voxelcull_objects 12\n",
		"voxelcull_groups 2\n",
		"voxelcull_index_entries{index=\"proxies\"} 2\n",
		"voxelcull_observer_sessions 0\n",
		"# TYPE voxelcull_decisions_total counter\n",
		"voxelcull_decision_index_dropped_total 0\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestAdmin_RejectsRemoteAndWrongMethod(t *testing.T) {
	a := newTestApp(t, t.TempDir())
	mux := a.routes(true)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("remote state status=%d", rr.Code)
	}
	if rr := adminRequest(t, mux, http.MethodGet, "/admin/v1/snapshot", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET snapshot status=%d", rr.Code)
	}

	off := a.routes(false)
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "127.0.0.1:1"
	off.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("disabled admin status=%d", rr.Code)
	}
}

func TestAdmin_WorldEdits(t *testing.T) {
	a := newTestApp(t, t.TempDir())
	if err := a.coldStart(0, 1); err != nil {
		t.Fatalf("cold start: %v", err)
	}
	mux := a.routes(true)

	rr := adminRequest(t, mux, http.MethodPost, "/admin/v1/set_block", `{"world":"overworld","pos":[3,200,3],"block":"STONE"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("set_block status=%d body=%s", rr.Code, rr.Body)
	}
	if !a.engine.IsOccluding("overworld", opacity.BlockPos{X: 3, Y: 200, Z: 3}) {
		t.Fatalf("placed stone should occlude")
	}

	cases := []struct {
		path string
		body string
		code int
	}{
		{"/admin/v1/set_block", `{"world":"overworld","pos":[3,200,3],"block":"LAVA"}`, http.StatusBadRequest},
		{"/admin/v1/set_block", `{"world":"nether","pos":[0,0,0],"block":"STONE"}`, http.StatusConflict},
		{"/admin/v1/set_block", `{"world":"overworld","pos":[3,200,3],"block":"STONE","x":1}`, http.StatusBadRequest},
		{"/admin/v1/explode", `{"world":"overworld","center":[3,200,3],"radius":0}`, http.StatusBadRequest},
		{"/admin/v1/explode", `{"world":"overworld","center":[3,200,3],"radius":2}`, http.StatusOK},
		{"/admin/v1/border", `{"world":"overworld","center_x":0,"center_z":0,"size":0}`, http.StatusBadRequest},
		{"/admin/v1/border", `{"world":"overworld","center_x":16,"center_z":-16,"size":512}`, http.StatusOK},
		{"/admin/v1/spawn", `{"world":"overworld","min":[1,70,1],"max":[2,71,2],"culled":true}`, http.StatusOK},
		{"/admin/v1/spawn", `{"world":"nether","min":[1,70,1],"max":[2,71,2],"culled":true}`, http.StatusConflict},
	}
	for _, tc := range cases {
		if rr := adminRequest(t, mux, http.MethodPost, tc.path, tc.body); rr.Code != tc.code {
			t.Fatalf("%s %s: status=%d want=%d body=%s", tc.path, tc.body, rr.Code, tc.code, rr.Body)
		}
	}
	if a.engine.IsOccluding("overworld", opacity.BlockPos{X: 3, Y: 200, Z: 3}) {
		t.Fatalf("explosion should have cleared the stone")
	}

	rr = adminRequest(t, mux, http.MethodGet, "/admin/v1/state", "")
	var st struct {
		DefaultWorld string `json:"default_world"`
		Worlds       []struct {
			ID     string `json:"id"`
			Border struct {
				CenterX float64 `json:"center_x"`
				Size    float64 `json:"size"`
			} `json:"border"`
			LoadedChunks int `json:"loaded_chunks"`
		} `json:"worlds"`
		Metrics culling.Metrics `json:"metrics"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.DefaultWorld != "overworld" || len(st.Worlds) != 1 || st.Worlds[0].Border.Size != 512 || st.Worlds[0].Border.CenterX != 16 {
		t.Fatalf("state=%+v", st)
	}
	if st.Worlds[0].LoadedChunks == 0 || st.Metrics.Objects != 1 {
		t.Fatalf("state=%+v", st)
	}
}

func TestAdmin_SnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	a := newTestApp(t, dir)
	if err := a.coldStart(8, 7); err != nil {
		t.Fatalf("cold start: %v", err)
	}
	mux := a.routes(true)

	rr := adminRequest(t, mux, http.MethodPost, "/admin/v1/snapshot", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("snapshot status=%d body=%s", rr.Code, rr.Body)
	}
	var resp struct {
		OK   bool   `json:"ok"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || !resp.OK {
		t.Fatalf("resp=%s err=%v", rr.Body, err)
	}
	if _, err := os.Stat(resp.Path); err != nil {
		t.Fatalf("snapshot file: %v", err)
	}
	latest, err := snapshot.Latest(a.snapshotDir)
	if err != nil || latest != resp.Path {
		t.Fatalf("latest=%q err=%v want=%q", latest, err, resp.Path)
	}

	b := newTestApp(t, t.TempDir())
	if err := b.restore(resp.Path); err != nil {
		t.Fatalf("restore: %v", err)
	}
	m := b.engine.Metrics()
	if m.Objects != 12 || m.Groups != 2 || m.Worlds != 1 {
		t.Fatalf("restored metrics=%+v", m)
	}
}

type fakeDecisionLogger struct {
	n   int
	err error
}

func (f *fakeDecisionLogger) WriteDecision(culling.DecisionLogEntry) error {
	f.n++
	return f.err
}

func TestMultiDecisionLogger_WritesBoth(t *testing.T) {
	boom := errors.New("boom")
	a := &fakeDecisionLogger{}
	b := &fakeDecisionLogger{err: boom}
	m := multiDecisionLogger{a: a, b: b}
	if err := m.WriteDecision(culling.DecisionLogEntry{Observer: "o"}); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if a.n != 1 || b.n != 1 {
		t.Fatalf("writes a=%d b=%d", a.n, b.n)
	}
}
