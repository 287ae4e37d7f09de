package model

// ChannelState is the lifecycle of a realtime subscription as tracked by
// the reconnection manager.  It is process-local and never sent on the wire.
type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelConnected
	ChannelReconnecting
)

func (s ChannelState) String() string {
	switch s {
	case ChannelDisconnected:
		return "DISCONNECTED"
	case ChannelConnecting:
		return "CONNECTING"
	case ChannelConnected:
		return "CONNECTED"
	case ChannelReconnecting:
		return "RECONNECTING"
	}
	return "UNKNOWN"
}

// CanTransition reports whether the manager may move from s to next.
// Any state may fall back to RECONNECTING on error or to DISCONNECTED on
// teardown.
func (s ChannelState) CanTransition(next ChannelState) bool {
	switch next {
	case ChannelDisconnected, ChannelReconnecting:
		return true
	case ChannelConnecting:
		return s == ChannelDisconnected || s == ChannelReconnecting
	case ChannelConnected:
		return s == ChannelConnecting
	}
	return false
}
