package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxelcull.ai/internal/sim/culling"
	"voxelcull.ai/internal/sim/octree"
	"voxelcull.ai/internal/sim/opacity"
	"voxelcull.ai/internal/sim/policy"
	"voxelcull.ai/internal/sim/voxel"
)

type Tuning struct {
	TickDurationMs int `yaml:"tick_duration_ms"`

	Culling Culling `yaml:"culling"`

	DefaultWorld string      `yaml:"default_world"`
	Worlds       []WorldSpec `yaml:"worlds"`
}

type Culling struct {
	Enabled bool `yaml:"enabled"`
	// Default is "enabled" or "disabled" for observers who never chose.
	Default       string `yaml:"default"`
	DefaultPreset string `yaml:"default_preset"`
	// Forced is "none", "disabled" or a preset id.
	Forced      string `yaml:"forced"`
	PresetsOnly bool   `yaml:"presets_only"`

	// Intervals in ticks.
	SyncApplyInterval                int     `yaml:"sync_apply_interval"`
	DisabledUpdateInterval           int     `yaml:"disabled_update_interval"`
	OccludingCacheInvalidateInterval int     `yaml:"occluding_cache_invalidate_interval"`
	OccludingCacheInvalidateShare    float64 `yaml:"occluding_cache_invalidate_share"`
	OccludingCacheTTLSeconds         int     `yaml:"occluding_cache_ttl_seconds"`
	ApplyAsyncInPlace                bool    `yaml:"apply_async_in_place"`

	Octree  OctreeSpec    `yaml:"octree"`
	Limits  policy.Limits `yaml:"limits"`
	Presets []PresetSpec  `yaml:"presets"`
}

type OctreeSpec struct {
	MaxDepth   int `yaml:"max_depth"`
	MaxEntries int `yaml:"max_entries"`
}

// PresetSpec is a preset as written in yaml. Omitted optional fields take the
// policy package defaults.
type PresetSpec struct {
	ID                string `yaml:"id"`
	Index             int    `yaml:"index"`
	Icon              string `yaml:"icon"`
	UpdateInterval    int    `yaml:"update_interval"`
	HiddenInterval    *int   `yaml:"hidden_interval"`
	VisibleInterval   *int   `yaml:"visible_interval"`
	AlwaysShowRadius  *int   `yaml:"always_show_radius"`
	CullRadius        *int   `yaml:"cull_radius"`
	MaxOccludingCount *int   `yaml:"max_occluding_count"`
}

func (p PresetSpec) Preset() policy.Preset {
	or := func(v *int, def int) int {
		if v == nil {
			return def
		}
		return *v
	}
	return policy.Preset{
		Index: p.Index,
		ID:    p.ID,
		Icon:  p.Icon,
		Policy: policy.Policy{
			UpdateInterval:    p.UpdateInterval,
			HiddenInterval:    or(p.HiddenInterval, policy.DefaultHiddenInterval),
			VisibleInterval:   or(p.VisibleInterval, policy.DefaultVisibleInterval),
			AlwaysShowRadius:  or(p.AlwaysShowRadius, policy.DefaultAlwaysShowRadius),
			CullRadius:        or(p.CullRadius, policy.DefaultCullRadius),
			MaxOccludingCount: or(p.MaxOccludingCount, policy.DefaultMaxOccludingCount),
		},
	}
}

// WorldSpec is one world the demo host loads at startup.
type WorldSpec struct {
	ID            string  `yaml:"id"`
	BorderCenterX float64 `yaml:"border_center_x"`
	BorderCenterZ float64 `yaml:"border_center_z"`
	BorderSize    float64 `yaml:"border_size"`
	// PreloadRadius is how many chunks around the border centre are loaded
	// at startup.
	PreloadRadius int       `yaml:"preload_radius"`
	Gen           voxel.Gen `yaml:"gen"`
}

func (w WorldSpec) Bounds() octree.Box {
	return culling.WorldBounds(w.BorderCenterX, w.BorderCenterZ, w.BorderSize, w.Gen.MinY, w.Gen.MaxY)
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func intp(v int) *int { return &v }

func Defaults() Tuning {
	return Tuning{
		TickDurationMs: 50,
		Culling: Culling{
			Enabled:                          true,
			Default:                          "enabled",
			Forced:                           policy.ForcedNone,
			SyncApplyInterval:                1,
			DisabledUpdateInterval:           20,
			OccludingCacheInvalidateInterval: 100,
			OccludingCacheInvalidateShare:    opacity.DefaultInvalidateShare,
			OccludingCacheTTLSeconds:         int(opacity.DefaultTTL / time.Second),
			ApplyAsyncInPlace:                true,
			Octree: OctreeSpec{
				MaxDepth:   octree.DefaultMaxDepth,
				MaxEntries: octree.DefaultMaxEntries,
			},
			Limits: policy.DefaultLimits(),
			Presets: []PresetSpec{
				{ID: "balanced", Index: 0, Icon: "STONE", UpdateInterval: 10},
				{ID: "performance", Index: 1, Icon: "REDSTONE", UpdateInterval: 5, VisibleInterval: intp(10), AlwaysShowRadius: intp(8), CullRadius: intp(48), MaxOccludingCount: intp(1)},
				{ID: "quality", Index: 2, Icon: "GLASS", UpdateInterval: 20, VisibleInterval: intp(40), AlwaysShowRadius: intp(32), CullRadius: intp(96), MaxOccludingCount: intp(6)},
			},
		},
		DefaultWorld: "overworld",
		Worlds: []WorldSpec{
			{
				ID:            "overworld",
				BorderSize:    2048,
				PreloadRadius: 4,
				Gen:           voxel.Gen{Seed: 1337, MinY: -64, MaxY: 320, GroundY: 64, PillarPermille: 30, PillarHeight: 5},
			},
		},
	}
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	if t.TickDurationMs <= 0 {
		t.TickDurationMs = 50
	}
	c := &t.Culling
	c.Default = strings.ToLower(strings.TrimSpace(c.Default))
	if c.Default == "" {
		c.Default = "enabled"
	}
	c.Forced = strings.TrimSpace(c.Forced)
	if c.Forced == "" {
		c.Forced = policy.ForcedNone
	}
	if c.OccludingCacheTTLSeconds <= 0 {
		c.OccludingCacheTTLSeconds = int(opacity.DefaultTTL / time.Second)
	}
	for i := range t.Worlds {
		if t.Worlds[i].PreloadRadius < 0 {
			t.Worlds[i].PreloadRadius = 0
		}
	}
	if strings.TrimSpace(t.DefaultWorld) == "" && len(t.Worlds) > 0 {
		t.DefaultWorld = t.Worlds[0].ID
	}
}

func (t Tuning) Validate() error {
	c := t.Culling
	if c.Default != "enabled" && c.Default != "disabled" {
		return fmt.Errorf("culling.default must be enabled or disabled, got %q", c.Default)
	}
	for name, v := range map[string]int{
		"culling.sync_apply_interval":                 c.SyncApplyInterval,
		"culling.disabled_update_interval":            c.DisabledUpdateInterval,
		"culling.occluding_cache_invalidate_interval": c.OccludingCacheInvalidateInterval,
		"culling.octree.max_depth":                    c.Octree.MaxDepth,
		"culling.octree.max_entries":                  c.Octree.MaxEntries,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.OccludingCacheInvalidateShare <= 0 || c.OccludingCacheInvalidateShare > 1 {
		return fmt.Errorf("culling.occluding_cache_invalidate_share must be in (0, 1]")
	}
	if _, err := t.Catalog(); err != nil {
		return fmt.Errorf("culling: %w", err)
	}

	if len(t.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	for _, w := range t.Worlds {
		if strings.TrimSpace(w.ID) == "" {
			return fmt.Errorf("world id must not be empty")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate world id: %s", w.ID)
		}
		seen[w.ID] = true
		if w.BorderSize <= 0 {
			return fmt.Errorf("world %s border_size must be > 0", w.ID)
		}
		if w.Gen.MaxY <= w.Gen.MinY {
			return fmt.Errorf("world %s gen.max_y must be > gen.min_y", w.ID)
		}
	}
	if !seen[t.DefaultWorld] {
		return fmt.Errorf("default_world %q not found in worlds", t.DefaultWorld)
	}
	return nil
}

func (t Tuning) TickDuration() time.Duration {
	return time.Duration(t.TickDurationMs) * time.Millisecond
}

// Catalog builds the preset catalog described by the culling section.
func (t Tuning) Catalog() (*policy.Catalog, error) {
	c := t.Culling
	presets := make([]policy.Preset, 0, len(c.Presets))
	for _, p := range c.Presets {
		presets = append(presets, p.Preset())
	}
	return policy.NewCatalog(policy.CatalogConfig{
		Limits:         c.Limits,
		Presets:        presets,
		Forced:         c.Forced,
		PresetsOnly:    c.PresetsOnly,
		DefaultEnabled: c.Default != "disabled",
		DefaultPreset:  c.DefaultPreset,
	})
}

func (t Tuning) EngineConfig() culling.Config {
	c := t.Culling
	return culling.Config{
		Enabled:                c.Enabled,
		TickDuration:           t.TickDuration(),
		SyncApplyInterval:      c.SyncApplyInterval,
		DisabledUpdateInterval: c.DisabledUpdateInterval,
		SweepInterval:          c.OccludingCacheInvalidateInterval,
		ApplyAsyncInPlace:      c.ApplyAsyncInPlace,
		OctreeMaxDepth:         c.Octree.MaxDepth,
		OctreeMaxEntries:       c.Octree.MaxEntries,
		Cache: opacity.Config{
			TTL:             time.Duration(c.OccludingCacheTTLSeconds) * time.Second,
			InvalidateShare: c.OccludingCacheInvalidateShare,
		},
	}
}

func (t Tuning) World(id string) (WorldSpec, bool) {
	for _, w := range t.Worlds {
		if w.ID == id {
			return w, true
		}
	}
	return WorldSpec{}, false
}
