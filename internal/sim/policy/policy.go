// Package policy holds the per-observer culling parameters, the legal ranges
// they are clamped to, and the named presets an operator offers.
package policy

import "fmt"

// Policy is one observer's culling parameters. Intervals are in ticks and
// radii in blocks.
type Policy struct {
	UpdateInterval    int `json:"update_interval" yaml:"update_interval"`
	HiddenInterval    int `json:"hidden_interval" yaml:"hidden_interval"`
	VisibleInterval   int `json:"visible_interval" yaml:"visible_interval"`
	AlwaysShowRadius  int `json:"always_show_radius" yaml:"always_show_radius"`
	CullRadius        int `json:"cull_radius" yaml:"cull_radius"`
	MaxOccludingCount int `json:"max_occluding_count" yaml:"max_occluding_count"`
}

// Range is an inclusive integer interval.
type Range struct {
	Min int
	Max int
}

func (r Range) Contains(v int) bool { return v >= r.Min && v <= r.Max }

func (r Range) Clamp(v int) int {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// UnmarshalYAML accepts the [min, max] form used in tuning files.
func (r *Range) UnmarshalYAML(unmarshal func(any) error) error {
	var pair []int
	if err := unmarshal(&pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("range must be [min, max], got %d values", len(pair))
	}
	r.Min, r.Max = pair[0], pair[1]
	return nil
}

func (r Range) MarshalYAML() (any, error) {
	return []int{r.Min, r.Max}, nil
}

// Limits are the legal ranges of every Policy field.
type Limits struct {
	UpdateInterval    Range `yaml:"update_interval"`
	HiddenInterval    Range `yaml:"hidden_interval"`
	VisibleInterval   Range `yaml:"visible_interval"`
	AlwaysShowRadius  Range `yaml:"always_show_radius"`
	CullRadius        Range `yaml:"cull_radius"`
	MaxOccludingCount Range `yaml:"max_occluding_count"`
}

func DefaultLimits() Limits {
	return Limits{
		UpdateInterval:    Range{Min: 1, Max: 100},
		HiddenInterval:    Range{Min: 1, Max: 100},
		VisibleInterval:   Range{Min: 1, Max: 200},
		AlwaysShowRadius:  Range{Min: 0, Max: 64},
		CullRadius:        Range{Min: 8, Max: 256},
		MaxOccludingCount: Range{Min: 0, Max: 32},
	}
}

type field struct {
	name  string
	r     Range
	value *int
}

func (l Limits) fields(p *Policy) []field {
	return []field{
		{"update_interval", l.UpdateInterval, &p.UpdateInterval},
		{"hidden_interval", l.HiddenInterval, &p.HiddenInterval},
		{"visible_interval", l.VisibleInterval, &p.VisibleInterval},
		{"always_show_radius", l.AlwaysShowRadius, &p.AlwaysShowRadius},
		{"cull_radius", l.CullRadius, &p.CullRadius},
		{"max_occluding_count", l.MaxOccludingCount, &p.MaxOccludingCount},
	}
}

// Validate checks the ranges themselves. Intervals must be at least one tick.
func (l Limits) Validate() error {
	var zero Policy
	for i, f := range l.fields(&zero) {
		if f.r.Min > f.r.Max {
			return fmt.Errorf("limits.%s: min %d > max %d", f.name, f.r.Min, f.r.Max)
		}
		if i < 3 && f.r.Min < 1 {
			return fmt.Errorf("limits.%s: min must be >= 1", f.name)
		}
		if f.r.Min < 0 {
			return fmt.Errorf("limits.%s: min must be >= 0", f.name)
		}
	}
	return nil
}

// Clamp moves every out-of-range field of p to the nearest bound. A policy
// already inside the limits is returned unchanged.
func (l Limits) Clamp(p Policy) Policy {
	for _, f := range l.fields(&p) {
		*f.value = f.r.Clamp(*f.value)
	}
	return p
}

// Check reports the first field of p outside the limits.
func (l Limits) Check(p Policy) error {
	for _, f := range l.fields(&p) {
		if !f.r.Contains(*f.value) {
			return fmt.Errorf("%s must be between %d and %d, but was %d", f.name, f.r.Min, f.r.Max, *f.value)
		}
	}
	return nil
}
