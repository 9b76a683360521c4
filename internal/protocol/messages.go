package protocol

import (
	"sort"

	"voxelcull.ai/internal/sim/policy"
)

// HELLO (observer -> server). First message on the connection.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// ObserverID resumes stored settings. Empty gets a fresh id.
	ObserverID    string     `json:"observer_id,omitempty"`
	World         string     `json:"world"`
	Feet          [3]float64 `json:"feet"`
	Eye           [3]float64 `json:"eye"`
	ViewDistance  int        `json:"view_distance,omitempty"`
	RenderProxies bool       `json:"render_proxies,omitempty"`
}

// POSE (observer -> server). World empty keeps the current world.
type PoseMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	World           string     `json:"world,omitempty"`
	Feet            [3]float64 `json:"feet"`
	Eye             [3]float64 `json:"eye"`
	ViewDistance    int        `json:"view_distance,omitempty"`
	RenderProxies   *bool      `json:"render_proxies,omitempty"`
}

type SetPolicyMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Policy          policy.Policy `json:"policy"`
}

type SetPresetMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Preset          string `json:"preset"`
}

type SetCullingMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Enabled         bool   `json:"enabled"`
}

// Settings is what the observer actually runs with after forced and
// presets-only rules were applied.
type Settings struct {
	Policy policy.Policy `json:"policy"`
	// Preset is the id of the matching preset, empty for a custom policy.
	Preset         string `json:"preset,omitempty"`
	CullingEnabled bool   `json:"culling_enabled"`
	// Forced is set when the server pins policy or toggle.
	Forced bool `json:"forced,omitempty"`
}

type PresetRef struct {
	ID     string        `json:"id"`
	Index  int           `json:"index"`
	Icon   string        `json:"icon,omitempty"`
	Policy policy.Policy `json:"policy"`
}

// WELCOME (server -> observer)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ObserverID      string      `json:"observer_id"`
	World           string      `json:"world"`
	TickDurationMs  int         `json:"tick_duration_ms"`
	Settings        Settings    `json:"settings"`
	Presets         []PresetRef `json:"presets"`
}

// SETTINGS (server -> observer), the reply to every SET_* message.
type SettingsMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Settings        Settings `json:"settings"`
}

// IDSet lists handles to show and to hide, each sorted ascending.
type IDSet struct {
	Show []uint64 `json:"show,omitempty"`
	Hide []uint64 `json:"hide,omitempty"`
}

// IDSetOf splits a decision map into an IDSet. It returns nil for an empty map.
func IDSetOf[K ~uint64](m map[K]bool) *IDSet {
	if len(m) == 0 {
		return nil
	}
	s := &IDSet{}
	for id, visible := range m {
		if visible {
			s.Show = append(s.Show, uint64(id))
		} else {
			s.Hide = append(s.Hide, uint64(id))
		}
	}
	sort.Slice(s.Show, func(i, j int) bool { return s.Show[i] < s.Show[j] })
	sort.Slice(s.Hide, func(i, j int) bool { return s.Hide[i] < s.Hide[j] })
	return s
}

// VISIBILITY (server -> observer): one applied batch of transitions.
type VisibilityMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Objects         *IDSet `json:"objects,omitempty"`
	Groups          *IDSet `json:"groups,omitempty"`
	Proxies         *IDSet `json:"proxies,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	// For is the type of the message that caused the error.
	For string `json:"for,omitempty"`
}

func NewError(code, message, forType string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message, For: forType}
}
