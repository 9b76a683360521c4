package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// World routing/state.
	ErrWorldNotFound = "E_WORLD_NOT_FOUND"

	// Settings layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrUnknownPreset = "E_UNKNOWN_PRESET"
	ErrForced        = "E_FORCED"
	ErrRateLimit     = "E_RATE_LIMIT"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrWorldNotFound:   {},
	ErrBadRequest:      {},
	ErrUnknownPreset:   {},
	ErrForced:          {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
