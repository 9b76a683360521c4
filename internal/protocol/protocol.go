package protocol

import "encoding/json"

const Version = "1.0"

// Message types. HELLO, POSE and the SET_* messages flow observer -> server;
// the rest flow server -> observer.
const (
	TypeHello      = "HELLO"
	TypePose       = "POSE"
	TypeSetPolicy  = "SET_POLICY"
	TypeSetPreset  = "SET_PRESET"
	TypeSetCulling = "SET_CULLING"

	TypeWelcome    = "WELCOME"
	TypeSettings   = "SETTINGS"
	TypeVisibility = "VISIBILITY"
	TypeError      = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
