package protocol

import "encoding/json"

// ClientFrame is the envelope every inbound WebSocket text frame is parsed
// into (spec.md §4.3). Data is left raw because its shape depends on the
// event: an object for pusher:subscribe, opaque for client-* events.
type ClientFrame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// subscribeData is the expected shape of the `data` field on a
// pusher:subscribe frame.
type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// unsubscribeData is the expected shape of the `data` field on a
// pusher:unsubscribe frame.
type unsubscribeData struct {
	Channel string `json:"channel"`
}

// Well-known client-to-server and server-to-client event names
// (spec.md §6).
const (
	EventPing                    = "pusher:ping"
	EventPong                    = "pusher:pong"
	EventSubscribe               = "pusher:subscribe"
	EventUnsubscribe             = "pusher:unsubscribe"
	EventConnectionEstablished   = "pusher:connection_established"
	EventError                   = "pusher:error"
	EventCacheMiss               = "pusher:cache_miss"
	EventSubscriptionSucceeded   = "pusher_internal:subscription_succeeded"
	EventSubscriptionError       = "pusher_internal:subscription_error"
	EventMemberAdded             = "pusher_internal:member_added"
	EventMemberRemoved           = "pusher_internal:member_removed"
	clientEventPrefix            = "client-"
)

// IsClientEvent reports whether name is a subscriber-originated client
// event ("client-*" per spec.md §4.3/GLOSSARY).
func IsClientEvent(name string) bool {
	return len(name) > len(clientEventPrefix) && name[:len(clientEventPrefix)] == clientEventPrefix
}
