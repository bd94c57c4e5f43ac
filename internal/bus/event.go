package bus

import "time"

// Event kinds published by the chat adapter and the bridge components.
// KindMessage carries a *chat.Message and KindHistory a []chat.Message.
const (
	KindPairing       = "chat.pairing"
	KindAuthenticated = "chat.authenticated"
	KindReady         = "chat.ready"
	KindDisconnected  = "chat.disconnected"
	KindMessage       = "chat.message"
	KindHistory       = "chat.history"

	KindStatusChanged = "status.changed"
	KindAccountReset  = "status.account_reset"

	KindForwarded     = "bridge.forwarded"
	KindForwardFailed = "bridge.forward_failed"
	KindSynced        = "bridge.synced"
	KindIgnored       = "bridge.ignored"
	KindGroupsRefresh = "bridge.groups_refreshed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
