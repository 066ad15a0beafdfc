// Package broadcast is the fan-out layer between connection sessions. Every
// room maps to one named channel; sessions subscribe their connection handle
// to the channel of their current room and receive every event published on
// it. The Fabric interface is pluggable between an in-process registry
// (single instance) and NATS (horizontal scaling).
package broadcast

// ChannelPrefix namespaces room channels. The suffix is the room's stable
// external identifier, so the name is derivable from the room alone.
const ChannelPrefix = "chatroom."

// ChannelName returns the broadcast channel for a room's external identifier.
func ChannelName(roomUID string) string {
	return ChannelPrefix + roomUID
}

// Handler receives the raw event bytes published on a channel. It runs on the
// fabric's delivery goroutine and must not block.
type Handler func(event []byte)

// Fabric is a named-channel publish/subscribe facility. A connection handle
// holds at most one subscription at a time: Subscribe atomically replaces any
// previous subscription the handle had, and Unsubscribe drops it. Publish
// delivers only to handles subscribed at publish time; there is no backlog.
type Fabric interface {
	Subscribe(channel, handle string, fn Handler) error
	Unsubscribe(handle string) error
	Publish(channel string, event []byte) error
	Close()
}
