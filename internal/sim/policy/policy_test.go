package policy

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testPresets() []Preset {
	return []Preset{
		{Index: 2, ID: "aggressive", Icon: "redstone", Policy: Policy{UpdateInterval: 5, HiddenInterval: 1, VisibleInterval: 10, AlwaysShowRadius: 8, CullRadius: 48, MaxOccludingCount: 1}},
		{Index: 0, ID: "off-ish", Icon: "glass", Policy: Policy{UpdateInterval: 20, HiddenInterval: 1, VisibleInterval: 40, AlwaysShowRadius: 64, CullRadius: 64, MaxOccludingCount: 32}},
		{Index: 1, ID: "balanced", Icon: "stone", Policy: Policy{UpdateInterval: 10, HiddenInterval: 1, VisibleInterval: 20, AlwaysShowRadius: 16, CullRadius: 64, MaxOccludingCount: 3}},
	}
}

func mustCatalog(t *testing.T, cfg CatalogConfig) *Catalog {
	t.Helper()
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Presets == nil {
		cfg.Presets = testPresets()
	}
	c, err := NewCatalog(cfg)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func TestLimits_ClampIntoRangeAndFixedPoint(t *testing.T) {
	l := DefaultLimits()
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		p := Policy{
			UpdateInterval:    rng.Intn(1000) - 500,
			HiddenInterval:    rng.Intn(1000) - 500,
			VisibleInterval:   rng.Intn(1000) - 500,
			AlwaysShowRadius:  rng.Intn(1000) - 500,
			CullRadius:        rng.Intn(1000) - 500,
			MaxOccludingCount: rng.Intn(1000) - 500,
		}
		got := l.Clamp(p)
		if err := l.Check(got); err != nil {
			t.Fatalf("clamp(%+v) = %+v out of range: %v", p, got, err)
		}
		if again := l.Clamp(got); again != got {
			t.Fatalf("clamp is not a fixed point: %+v -> %+v", got, again)
		}
		if l.Check(p) == nil && got != p {
			t.Fatalf("in-range policy changed: %+v -> %+v", p, got)
		}
	}
}

func TestLimits_ClampMovesToNearestBound(t *testing.T) {
	l := DefaultLimits()
	got := l.Clamp(Policy{UpdateInterval: 0, HiddenInterval: 500, VisibleInterval: 20, AlwaysShowRadius: -3, CullRadius: 1000, MaxOccludingCount: 3})
	want := Policy{UpdateInterval: 1, HiddenInterval: 100, VisibleInterval: 20, AlwaysShowRadius: 0, CullRadius: 256, MaxOccludingCount: 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestLimits_Validate(t *testing.T) {
	l := DefaultLimits()
	l.CullRadius = Range{Min: 10, Max: 5}
	if err := l.Validate(); err == nil {
		t.Fatalf("expected inverted range to fail")
	}
	l = DefaultLimits()
	l.HiddenInterval.Min = 0
	if err := l.Validate(); err == nil {
		t.Fatalf("expected zero interval to fail")
	}
}

func TestPreset_Matches(t *testing.T) {
	p := testPresets()[2]
	if !p.Matches(p.Policy) {
		t.Fatalf("preset should match its own policy")
	}
	q := p.Policy
	q.MaxOccludingCount++
	if p.Matches(q) {
		t.Fatalf("preset should not match a policy differing in one field")
	}
}

func TestCatalog_OrdersPresetsAndDefaults(t *testing.T) {
	c := mustCatalog(t, CatalogConfig{DefaultEnabled: true})
	var ids []string
	for _, p := range c.Presets() {
		ids = append(ids, p.ID)
	}
	if diff := cmp.Diff([]string{"off-ish", "balanced", "aggressive"}, ids); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
	if c.Default().ID != "off-ish" {
		t.Fatalf("default=%q want lowest index", c.Default().ID)
	}
	if got := c.Resolve(nil); got != c.Default().Policy {
		t.Fatalf("nil stored policy should resolve to the default")
	}
	if pr, ok := c.PresetFor(testPresets()[0].Policy); !ok || pr.ID != "aggressive" {
		t.Fatalf("PresetFor = %v %v", pr, ok)
	}
}

func TestCatalog_Resolve(t *testing.T) {
	custom := Policy{UpdateInterval: 7, HiddenInterval: 2, VisibleInterval: 9, AlwaysShowRadius: 4, CullRadius: 500, MaxOccludingCount: 2}
	clamped := custom
	clamped.CullRadius = 256

	cases := []struct {
		name string
		cfg  CatalogConfig
		want Policy
	}{
		{name: "free", cfg: CatalogConfig{}, want: clamped},
		{name: "presets only", cfg: CatalogConfig{PresetsOnly: true, DefaultPreset: "balanced"}, want: testPresets()[2].Policy},
		{name: "forced", cfg: CatalogConfig{Forced: "aggressive"}, want: testPresets()[0].Policy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := mustCatalog(t, tc.cfg)
			stored := custom
			if diff := cmp.Diff(tc.want, c.Resolve(&stored)); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
		})
	}

	c := mustCatalog(t, CatalogConfig{PresetsOnly: true})
	p := testPresets()[0].Policy
	if got := c.Resolve(&p); got != p {
		t.Fatalf("presets-only should keep a matching policy")
	}
}

func TestCatalog_CullingEnabled(t *testing.T) {
	on, off := true, false
	cases := []struct {
		name   string
		cfg    CatalogConfig
		stored *bool
		want   bool
	}{
		{"default on", CatalogConfig{DefaultEnabled: true}, nil, true},
		{"default off", CatalogConfig{}, nil, false},
		{"stored off", CatalogConfig{DefaultEnabled: true}, &off, false},
		{"stored on", CatalogConfig{}, &on, true},
		{"forced preset", CatalogConfig{Forced: "balanced"}, &off, true},
		{"forced disabled", CatalogConfig{Forced: ForcedDisabled, DefaultEnabled: true}, &on, false},
	}
	for _, tc := range cases {
		c := mustCatalog(t, tc.cfg)
		if got := c.CullingEnabled(tc.stored); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestCatalog_Errors(t *testing.T) {
	if _, err := NewCatalog(CatalogConfig{Limits: DefaultLimits()}); err == nil {
		t.Fatalf("expected an error without presets")
	}
	_, err := NewCatalog(CatalogConfig{Limits: DefaultLimits(), Presets: testPresets(), Forced: "nope"})
	if !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("forced unknown preset: err=%v", err)
	}
	bad := testPresets()
	bad[0].Policy.CullRadius = 9999
	if _, err := NewCatalog(CatalogConfig{Limits: DefaultLimits(), Presets: bad}); err == nil {
		t.Fatalf("expected out-of-range preset to fail")
	}
	c := mustCatalog(t, CatalogConfig{})
	if _, err := c.Preset("missing"); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("lookup err=%v", err)
	}
}
