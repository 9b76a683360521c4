package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"voxelcull.ai/internal/sim/policy"
)

func TestLoad_TuningYAML(t *testing.T) {
	tu, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	if tu.TickDuration() != 50*time.Millisecond {
		t.Fatalf("tick=%v", tu.TickDuration())
	}
	cat, err := tu.Catalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	var ids []string
	for _, p := range cat.Presets() {
		ids = append(ids, p.ID)
	}
	if diff := cmp.Diff([]string{"balanced", "performance", "quality"}, ids); diff != "" {
		t.Fatalf("preset order (-want +got):\n%s", diff)
	}
	if cat.Default().ID != "balanced" {
		t.Fatalf("default preset=%s", cat.Default().ID)
	}
	// Omitted preset fields fall back to the policy defaults.
	want := policy.Policy{
		UpdateInterval:    10,
		HiddenInterval:    policy.DefaultHiddenInterval,
		VisibleInterval:   policy.DefaultVisibleInterval,
		AlwaysShowRadius:  policy.DefaultAlwaysShowRadius,
		CullRadius:        policy.DefaultCullRadius,
		MaxOccludingCount: policy.DefaultMaxOccludingCount,
	}
	if diff := cmp.Diff(want, cat.Default().Policy); diff != "" {
		t.Fatalf("balanced policy (-want +got):\n%s", diff)
	}

	ec := tu.EngineConfig()
	if ec.SweepInterval != 100 || ec.Cache.TTL != time.Minute || ec.Cache.InvalidateShare != 0.1 {
		t.Fatalf("engine config: %+v", ec)
	}
	if ec.OctreeMaxDepth != 16 || ec.OctreeMaxEntries != 128 || !ec.ApplyAsyncInPlace {
		t.Fatalf("engine config: %+v", ec)
	}

	if len(tu.Worlds) != 2 || tu.DefaultWorld != "overworld" {
		t.Fatalf("worlds=%+v default=%s", tu.Worlds, tu.DefaultWorld)
	}
	flat, ok := tu.World("flatlands")
	if !ok {
		t.Fatalf("flatlands missing")
	}
	b := flat.Bounds()
	if b.Min.Y() != 0 || b.Max.Y() != 128 || b.Max.X()-b.Min.X() != 512 {
		t.Fatalf("flatlands bounds=%+v", b)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	tu, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := tu.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if !tu.Culling.Enabled || tu.Culling.Forced != policy.ForcedNone {
		t.Fatalf("culling defaults: %+v", tu.Culling)
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	tu, err := Load(writeYAML(t, "culling:\n  forced: disabled\n  sync_apply_interval: 4\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.Culling.SyncApplyInterval != 4 || tu.Culling.DisabledUpdateInterval != 20 {
		t.Fatalf("culling=%+v", tu.Culling)
	}
	cat, err := tu.Catalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if !cat.ForceDisabled() {
		t.Fatalf("forced disabled not applied")
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad default":      "culling:\n  default: maybe\n",
		"unknown forced":   "culling:\n  forced: ultra\n",
		"zero sweep":       "culling:\n  occluding_cache_invalidate_interval: 0\n",
		"share above one":  "culling:\n  occluding_cache_invalidate_share: 1.5\n",
		"preset off range": "culling:\n  presets:\n    - id: x\n      update_interval: 1000\n",
		"bad limit":        "culling:\n  limits:\n    cull_radius: [9, 3]\n",
		"no worlds":        "worlds: []\n",
		"missing default":  "default_world: nether\n",
		"bad yaml":         "culling: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeYAML(t, body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.HasPrefix(err.Error(), "tuning.yaml: ") {
				t.Fatalf("error not wrapped: %v", err)
			}
		})
	}
}
