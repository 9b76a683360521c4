package policy

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownPreset = errors.New("unknown culling preset")

// Field defaults applied to presets that leave them out.
const (
	DefaultHiddenInterval    = 1
	DefaultVisibleInterval   = 20
	DefaultAlwaysShowRadius  = 16
	DefaultCullRadius        = 64
	DefaultMaxOccludingCount = 3
)

// Preset is a named, canonical Policy. Icon is an opaque hint for clients.
type Preset struct {
	Index  int    `json:"index"`
	ID     string `json:"id"`
	Icon   string `json:"icon,omitempty"`
	Policy Policy `json:"policy"`
}

// Matches reports whether every field of p equals the preset's.
func (p Preset) Matches(q Policy) bool { return p.Policy == q }

func (p Preset) Validate(l Limits) error {
	if p.ID == "" {
		return errors.New("preset id is required")
	}
	if err := l.Check(p.Policy); err != nil {
		return fmt.Errorf("preset %q: %w", p.ID, err)
	}
	return nil
}

// Forced values of CatalogConfig.Forced besides a preset id.
const (
	ForcedNone     = "none"
	ForcedDisabled = "disabled"
)

type CatalogConfig struct {
	Limits  Limits
	Presets []Preset
	// Forced is ForcedNone, ForcedDisabled or the id of a preset every
	// observer is pinned to.
	Forced string
	// PresetsOnly replaces any stored policy that matches no preset with the
	// default preset.
	PresetsOnly    bool
	DefaultEnabled bool
	// DefaultPreset is the id handed to observers with no stored policy. Empty
	// selects the preset with the lowest index.
	DefaultPreset string
}

// Catalog resolves what policy and toggle an observer actually runs with.
// It is immutable after NewCatalog.
type Catalog struct {
	limits         Limits
	presets        []Preset
	byID           map[string]Preset
	forced         *Preset
	forceDisabled  bool
	presetsOnly    bool
	defaultEnabled bool
	def            Preset
}

func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Presets) == 0 {
		return nil, errors.New("at least one culling preset must be defined")
	}
	c := &Catalog{
		limits:         cfg.Limits,
		presets:        append([]Preset(nil), cfg.Presets...),
		byID:           make(map[string]Preset, len(cfg.Presets)),
		presetsOnly:    cfg.PresetsOnly,
		defaultEnabled: cfg.DefaultEnabled,
	}
	sort.SliceStable(c.presets, func(i, j int) bool { return c.presets[i].Index < c.presets[j].Index })
	for _, p := range c.presets {
		if err := p.Validate(cfg.Limits); err != nil {
			return nil, err
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate preset id %q", p.ID)
		}
		c.byID[p.ID] = p
	}

	switch cfg.Forced {
	case "", ForcedNone:
	case ForcedDisabled:
		c.forceDisabled = true
	default:
		p, ok := c.byID[cfg.Forced]
		if !ok {
			return nil, fmt.Errorf("forced: %w: %q", ErrUnknownPreset, cfg.Forced)
		}
		c.forced = &p
	}

	if cfg.DefaultPreset == "" {
		c.def = c.presets[0]
	} else {
		p, ok := c.byID[cfg.DefaultPreset]
		if !ok {
			return nil, fmt.Errorf("default_preset: %w: %q", ErrUnknownPreset, cfg.DefaultPreset)
		}
		c.def = p
	}
	return c, nil
}

func (c *Catalog) Limits() Limits { return c.limits }

// Presets returns the presets ordered by index.
func (c *Catalog) Presets() []Preset { return append([]Preset(nil), c.presets...) }

func (c *Catalog) Default() Preset { return c.def }

func (c *Catalog) PresetsOnly() bool { return c.presetsOnly }

func (c *Catalog) ForceDisabled() bool { return c.forceDisabled }

func (c *Catalog) Forced() (Preset, bool) {
	if c.forced == nil {
		return Preset{}, false
	}
	return *c.forced, true
}

func (c *Catalog) Preset(id string) (Preset, error) {
	p, ok := c.byID[id]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, id)
	}
	return p, nil
}

// PresetFor returns the first preset (by index) matching p.
func (c *Catalog) PresetFor(p Policy) (Preset, bool) {
	for _, pr := range c.presets {
		if pr.Matches(p) {
			return pr, true
		}
	}
	return Preset{}, false
}

// Resolve turns a stored policy (nil when the observer never saved one) into
// the policy the observer runs with.
func (c *Catalog) Resolve(stored *Policy) Policy {
	if c.forced != nil {
		return c.forced.Policy
	}
	if stored == nil {
		return c.def.Policy
	}
	p := c.limits.Clamp(*stored)
	if c.presetsOnly {
		if _, ok := c.PresetFor(p); !ok {
			return c.def.Policy
		}
	}
	return p
}

// CullingEnabled resolves the per-observer toggle. A forced preset turns
// culling on; a forced disable wins over everything.
func (c *Catalog) CullingEnabled(stored *bool) bool {
	if c.forceDisabled {
		return false
	}
	if c.forced != nil {
		return true
	}
	if stored == nil {
		return c.defaultEnabled
	}
	return *stored
}
