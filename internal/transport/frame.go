package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Frame is the JSON envelope exchanged with the message broker. Control
// frames (subscribe/unsubscribe) carry a client-generated handle id;
// application frames carry a body addressed to a destination.
type Frame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSend        = "send"
	TypeRead        = "read"
	TypeMessage     = "message" // inbound delivery on a room topic
)

// Application destinations for outbound frames.
const (
	DestSend = "/app/chat.send"
	DestRead = "/app/chat.read"
)

const topicPrefix = "/topic/chat/"

// RoomTopic returns the inbound topic name for a room.
func RoomTopic(roomID int64) string {
	return topicPrefix + strconv.FormatInt(roomID, 10)
}

// RoomFromTopic extracts the room id from a topic destination.
func RoomFromTopic(dest string) (int64, error) {
	raw, ok := strings.CutPrefix(dest, topicPrefix)
	if !ok {
		return 0, fmt.Errorf("not a room topic: %q", dest)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad room id in topic %q: %w", dest, err)
	}
	return id, nil
}

// NewFrame builds an application frame with a JSON-encoded body.
func NewFrame(typ, dest string, body any) (*Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode frame body: %w", err)
	}
	return &Frame{Type: typ, Destination: dest, Body: raw}, nil
}
