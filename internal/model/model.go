package model

import (
	"hash/fnv"
	"time"
)

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// DeliveryState is the lifecycle tag of an outbound message until resolution.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "PENDING"
	DeliverySent    DeliveryState = "SENT"
	DeliveryFailed  DeliveryState = "FAILED"
)

// Identity describes the local user the daemon acts as.
type Identity struct {
	UserID int64
	Role   Role
	ShopID int64 // only meaningful for RoleSeller
}

// Room is a persistent conversation context between a buyer and a shop,
// optionally tied to an order. The server owns room creation; this is the
// client's read-through view plus the denormalized listing fields.
type Room struct {
	ID          int64     `json:"id"`
	BuyerUserID int64     `json:"buyerUserId"`
	ShopID      int64     `json:"shopId"`
	OrderID     *int64    `json:"orderId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`

	LastMessage *Message `json:"-"`
	UnreadCount int      `json:"-"`
}

// Message is a single conversation entry. ID is server-assigned and zero
// until the server confirms the message; LocalSeq orders messages created
// locally before confirmation.
type Message struct {
	ID          int64
	RoomID      int64
	SenderID    int64
	Role        Role
	Content     string
	Attachments []string
	LocalSeq    uint64
	Dedup       DedupKey
	State       DeliveryState
	Read        bool
	CreatedAt   time.Time
}

// Confirmed reports whether the server has assigned an id to this message.
func (m *Message) Confirmed() bool {
	return m.ID != 0
}

// DedupKey recognizes a previously-issued send. It is computed once at
// message creation and carried as a value so later matching never depends
// on re-hashing mutated state.
type DedupKey struct {
	RoomID      int64
	SenderID    int64
	ContentHash uint64
	LocalSeq    uint64
}

// NewDedupKey derives the key for a send of content+attachments in a room.
func NewDedupKey(roomID, senderID int64, content string, attachments []string, localSeq uint64) DedupKey {
	return DedupKey{
		RoomID:      roomID,
		SenderID:    senderID,
		ContentHash: ContentHash(content, attachments),
		LocalSeq:    localSeq,
	}
}

// ContentHash hashes message content plus attachment references.
func ContentHash(content string, attachments []string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	for _, a := range attachments {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(a))
	}
	return h.Sum64()
}

// WindowKey strips the local sequence so rapid resubmissions of the same
// content in the same room map to one key inside the dedup window.
func (k DedupKey) WindowKey() DedupKey {
	k.LocalSeq = 0
	return k
}

// Echoes reports whether a confirmed server message could be the echo of a
// send issued under this key. The server does not round-trip LocalSeq, so
// matching uses room, sender and content hash only.
func (k DedupKey) Echoes(roomID, senderID int64, content string, attachments []string) bool {
	return k.RoomID == roomID &&
		k.SenderID == senderID &&
		k.ContentHash == ContentHash(content, attachments)
}
