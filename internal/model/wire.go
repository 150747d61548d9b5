package model

import "time"

// SendFrame is the outbound send payload published to /app/chat.send.
type SendFrame struct {
	RoomID      int64    `json:"roomId"`
	SenderID    int64    `json:"senderId"`
	Role        Role     `json:"role"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
}

// ReadFrame is the outbound read-receipt payload published to /app/chat.read.
type ReadFrame struct {
	RoomID int64 `json:"roomId"`
	UserID int64 `json:"userId"`
}

// WireMessage is a server-confirmed message as delivered on a room topic or
// returned by the history endpoint.
type WireMessage struct {
	ID          int64     `json:"id"`
	RoomID      int64     `json:"roomId"`
	SenderID    int64     `json:"senderId"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	IsRead      bool      `json:"isRead"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ToMessage converts a confirmed wire message into the store representation.
func (w *WireMessage) ToMessage() *Message {
	return &Message{
		ID:          w.ID,
		RoomID:      w.RoomID,
		SenderID:    w.SenderID,
		Role:        w.Role,
		Content:     w.Content,
		Attachments: w.Attachments,
		State:       DeliverySent,
		Read:        w.IsRead,
		CreatedAt:   w.CreatedAt,
	}
}
