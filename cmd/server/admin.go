package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-gl/mathgl/mgl64"

	"voxelcull.ai/internal/sim/culling"
	"voxelcull.ai/internal/sim/host"
	"voxelcull.ai/internal/sim/octree"
	"voxelcull.ai/internal/sim/opacity"
	"voxelcull.ai/internal/sim/voxel"
	"voxelcull.ai/internal/transport/observer"
)

func (a *app) routes(enableAdmin bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/v1/observe", a.obs.Handler())

	if !enableAdmin {
		a.logger.Printf("admin endpoints disabled (VC_ENABLE_ADMIN_HTTP=false)")
		return mux
	}
	// Local-only admin endpoints.
	mux.HandleFunc("/admin/v1/state", a.adminOnly(http.MethodGet, a.handleState))
	mux.HandleFunc("/admin/v1/set_block", a.adminOnly(http.MethodPost, a.handleSetBlock))
	mux.HandleFunc("/admin/v1/explode", a.adminOnly(http.MethodPost, a.handleExplode))
	mux.HandleFunc("/admin/v1/border", a.adminOnly(http.MethodPost, a.handleBorder))
	mux.HandleFunc("/admin/v1/spawn", a.adminOnly(http.MethodPost, a.handleSpawn))
	mux.HandleFunc("/admin/v1/snapshot", a.adminOnly(http.MethodPost, a.handleSnapshot))
	return mux
}

func (a *app) adminOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (a *app) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m := a.engine.Metrics()
	st := a.obs.Stats()

	// Minimal Prometheus exposition format.
	gauge := func(name, help string, v int64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s %d\n", name, v)
	}
	counter := func(name, help string, v int64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
		fmt.Fprintf(rw, "%s %d\n", name, v)
	}

	gauge("voxelcull_observers", "Registered observers.", int64(m.Observers))
	gauge("voxelcull_worlds", "Worlds with a culling index.", int64(m.Worlds))
	gauge("voxelcull_objects", "Registered objects.", int64(m.Objects))
	gauge("voxelcull_groups", "Registered groups.", int64(m.Groups))

	fmt.Fprintf(rw, "# HELP voxelcull_index_entries Entries held by the spatial indexes.\n")
	fmt.Fprintf(rw, "# TYPE voxelcull_index_entries gauge\n")
	fmt.Fprintf(rw, "voxelcull_index_entries{index=%q} %d\n", "culled", m.CulledIndexed)
	fmt.Fprintf(rw, "voxelcull_index_entries{index=%q} %d\n", "proxies", m.ProxiesIndexed)

	gauge("voxelcull_opacity_cache_regions", "Regions held by the opacity cache.", int64(m.CacheRegions))
	gauge("voxelcull_opacity_cache_cells", "Cached opacity cells.", int64(m.CacheCells))
	gauge("voxelcull_pending_ops", "Visibility operations waiting for the owner loop.", int64(m.PendingOps))

	counter("voxelcull_job_iterations_total", "Culling job iterations.", m.JobIterations)
	counter("voxelcull_decisions_total", "Visibility transitions decided.", m.Decisions)
	counter("voxelcull_async_applied_total", "Batches applied directly from a job.", m.AsyncApplied)
	counter("voxelcull_drained_ops_total", "Operations applied by the owner loop.", m.DrainedOps)
	counter("voxelcull_dropped_ops_total", "Operations dropped for departed observers.", m.DroppedOps)
	counter("voxelcull_sweeps_total", "Opacity cache sweeps.", m.Sweeps)
	counter("voxelcull_invalidated_regions_total", "Regions invalidated by sweeps or unloads.", m.InvalidatedRegs)
	counter("voxelcull_log_errors_total", "Failed decision log writes.", m.LogErrors)

	gauge("voxelcull_observer_sessions", "Open observer websocket sessions.", int64(st.Sessions))
	counter("voxelcull_observer_accepted_total", "Accepted observer handshakes.", st.Accepted)
	counter("voxelcull_observer_rejected_total", "Rejected observer handshakes.", st.Rejected)
	counter("voxelcull_observer_sent_total", "Messages queued to observers.", st.Sent)
	counter("voxelcull_observer_overflow_total", "Sessions closed on send queue overflow.", st.Overflow)

	if a.store != nil {
		counter("voxelcull_decision_index_dropped_total", "Decisions dropped by the sqlite index queue.", a.store.Dropped())
	}
}

type worldState struct {
	ID           string      `json:"id"`
	Border       host.Border `json:"border"`
	LoadedChunks int         `json:"loaded_chunks"`
}

func (a *app) handleState(rw http.ResponseWriter, r *http.Request) {
	resp := struct {
		DefaultWorld string          `json:"default_world"`
		Worlds       []worldState    `json:"worlds"`
		Metrics      culling.Metrics `json:"metrics"`
		Observer     observer.Stats  `json:"observer"`
	}{
		DefaultWorld: a.tuning.DefaultWorld,
		Metrics:      a.engine.Metrics(),
		Observer:     a.obs.Stats(),
	}
	for _, name := range a.worlds.Names() {
		w, ok := a.worlds.Get(name)
		if !ok {
			continue
		}
		b, _ := a.host.Border(name)
		resp.Worlds = append(resp.Worlds, worldState{ID: name, Border: b, LoadedChunks: len(w.LoadedChunks())})
	}
	writeJSONResponse(rw, http.StatusOK, resp)
}

type setBlockReq struct {
	World string `json:"world"`
	Pos   [3]int `json:"pos"`
	Block string `json:"block"`
}

func (a *app) handleSetBlock(rw http.ResponseWriter, r *http.Request) {
	var req setBlockReq
	if !decodeBody(rw, r, &req) {
		return
	}
	b, err := voxel.ParseBlock(req.Block)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	p := opacity.BlockPos{X: req.Pos[0], Y: req.Pos[1], Z: req.Pos[2]}
	if err := a.host.SetBlock(req.World, p, b); err != nil {
		writeError(rw, http.StatusConflict, err)
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"ok": true})
}

type explodeReq struct {
	World  string `json:"world"`
	Center [3]int `json:"center"`
	Radius int    `json:"radius"`
}

func (a *app) handleExplode(rw http.ResponseWriter, r *http.Request) {
	var req explodeReq
	if !decodeBody(rw, r, &req) {
		return
	}
	if req.Radius <= 0 || req.Radius > 16 {
		writeError(rw, http.StatusBadRequest, fmt.Errorf("radius must be in 1..16"))
		return
	}
	c := opacity.BlockPos{X: req.Center[0], Y: req.Center[1], Z: req.Center[2]}
	n, err := a.host.Explode(req.World, c, req.Radius)
	if err != nil {
		writeError(rw, http.StatusConflict, err)
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"ok": true, "cleared": n})
}

type borderReq struct {
	World   string  `json:"world"`
	CenterX float64 `json:"center_x"`
	CenterZ float64 `json:"center_z"`
	Size    float64 `json:"size"`
}

func (a *app) handleBorder(rw http.ResponseWriter, r *http.Request) {
	var req borderReq
	if !decodeBody(rw, r, &req) {
		return
	}
	if err := a.host.SetBorder(req.World, host.Border{CenterX: req.CenterX, CenterZ: req.CenterZ, Size: req.Size}); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"ok": true})
}

type spawnReq struct {
	World       string     `json:"world"`
	Min         [3]float64 `json:"min"`
	Max         [3]float64 `json:"max"`
	Culled      bool       `json:"culled"`
	RenderProxy bool       `json:"render_proxy"`
	AsyncSafe   bool       `json:"async_safe"`
}

func (a *app) handleSpawn(rw http.ResponseWriter, r *http.Request) {
	var req spawnReq
	if !decodeBody(rw, r, &req) {
		return
	}
	id, err := a.host.Spawn(culling.Object{
		World:  req.World,
		Bounds: octree.NewBox(vec3(req.Min), vec3(req.Max)),
		Caps: culling.Capabilities{
			Culled:      req.Culled,
			RenderProxy: req.RenderProxy,
			AsyncSafe:   req.AsyncSafe,
		},
	})
	if err != nil {
		writeError(rw, http.StatusConflict, err)
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"ok": true, "id": uint64(id)})
}

func (a *app) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	path, err := a.saveSnapshot()
	if err != nil {
		writeJSONResponse(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"ok": true, "path": path})
}

func vec3(a [3]float64) mgl64.Vec3 { return mgl64.Vec3{a[0], a[1], a[2]} }

func decodeBody(rw http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(rw, http.StatusBadRequest, fmt.Errorf("bad request body: %w", err))
		return false
	}
	return true
}

func writeError(rw http.ResponseWriter, status int, err error) {
	writeJSONResponse(rw, status, map[string]any{"ok": false, "error": err.Error()})
}

func writeJSONResponse(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
