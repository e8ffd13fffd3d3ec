package protocol

// Handshake close codes.
const (
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrMapNotFound     = "E_MAP_NOT_FOUND"
	ErrSessionBusy     = "E_SESSION_BUSY"
)

// Denial reasons sent with *ClickDenied and actionDenied events.
const (
	ReasonBadRequest   = "bad_request"
	ReasonOutOfRange   = "out_of_range"
	ReasonRateLimited  = "rate_limited"
	ReasonInsufficient = "insufficient_resources"
	ReasonTradeBusy    = "trade_busy"
	ReasonNotFound     = "not_found"
	ReasonInternal     = "internal"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrMapNotFound:     {},
	ErrSessionBusy:     {},
	ReasonBadRequest:   {},
	ReasonOutOfRange:   {},
	ReasonRateLimited:  {},
	ReasonInsufficient: {},
	ReasonTradeBusy:    {},
	ReasonNotFound:     {},
	ReasonInternal:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
