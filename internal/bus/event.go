package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix, so related kinds
// share a dotted prefix ("conn.", "frame.", "message.", "room.").
const (
	// Connection lifecycle (published by conn.Manager / status.Machine).
	KindConnStateChanged = "conn.state_changed"
	KindConnConnected    = "conn.connected"
	KindConnDisconnected = "conn.disconnected"
	KindConnFailed       = "conn.failed"

	// Inbound traffic (published by conn.Manager's read loop).
	KindFrameInbound = "frame.inbound"

	// Message lifecycle (published by dispatcher and store).
	KindMessageQueued     = "message.queued"
	KindMessageMerged     = "message.merged"
	KindMessageConfirmed  = "message.confirmed"
	KindMessageSendFailed = "message.send_failed"

	// Room state (published by the store).
	KindRoomUpserted      = "room.upserted"
	KindRoomActivated     = "room.activated"
	KindRoomUnreadChanged = "room.unread_changed"
)
