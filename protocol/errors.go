package protocol

import "errors"

// Bridge failure kinds. Every failure a caller can observe wraps exactly one
// of these, so errors.Is selects on the kind and KindOf names it.
var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrPeerUnavailable    = errors.New("capture agent not connected")
	ErrRequestTimeout     = errors.New("request timeout")
	ErrIncompleteTransfer = errors.New("incomplete chunked transfer")
	ErrConnectionLost     = errors.New("connection lost")
	ErrHeartbeatTimeout   = errors.New("heartbeat timeout")
)

// kindNames maps each sentinel to a stable identifier for logs and for the
// structured error strings handed to callers. Order matters: a lost
// connection caused by a heartbeat timeout reports CONNECTION_LOST.
var kindNames = []struct {
	err  error
	name string
}{
	{ErrConnectionLost, "CONNECTION_LOST"},
	{ErrHeartbeatTimeout, "HEARTBEAT_TIMEOUT"},
	{ErrMalformedFrame, "MALFORMED_FRAME"},
	{ErrPeerUnavailable, "PEER_UNAVAILABLE"},
	{ErrRequestTimeout, "REQUEST_TIMEOUT"},
	{ErrIncompleteTransfer, "INCOMPLETE_TRANSFER"},
}

// KindOf returns the bridge failure kind of err, or "" if err is nil or not a
// bridge failure.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}
