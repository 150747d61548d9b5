package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestGetOrCreateRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/rooms" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("buyerId") != "100" || q.Get("shopId") != "5" || q.Get("orderId") != "42" {
			t.Errorf("unexpected query: %v", q)
		}
		fmt.Fprint(w, `{"id":7,"buyerUserId":100,"shopId":5,"orderId":42,"createdAt":"2026-03-01T12:00:00Z"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	orderID := int64(42)
	room, err := c.GetOrCreateRoom(context.Background(), 100, 5, &orderID)
	if err != nil {
		t.Fatalf("GetOrCreateRoom() error = %v", err)
	}
	if room.ID != 7 || room.BuyerUserID != 100 || room.ShopID != 5 {
		t.Errorf("room = %+v", room)
	}
	if room.OrderID == nil || *room.OrderID != 42 {
		t.Errorf("orderId = %v, want 42", room.OrderID)
	}
}

func TestRoomsForBuyerFollowsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/rooms/buyer" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		switch r.URL.Query().Get("page") {
		case "0":
			fmt.Fprint(w, `{"content":[{"id":1,"buyerUserId":100,"shopId":5,"createdAt":"2026-03-01T12:00:00Z"}],"totalPages":2,"totalElements":2,"size":1,"number":0}`)
		case "1":
			fmt.Fprint(w, `{"content":[{"id":2,"buyerUserId":100,"shopId":6,"createdAt":"2026-03-01T13:00:00Z"}],"totalPages":2,"totalElements":2,"size":1,"number":1}`)
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	rooms, err := c.RoomsForBuyer(context.Background(), 100)
	if err != nil {
		t.Fatalf("RoomsForBuyer() error = %v", err)
	}
	if len(rooms) != 2 || rooms[0].ID != 1 || rooms[1].ID != 2 {
		t.Errorf("rooms = %+v, want ids [1, 2]", rooms)
	}
}

func TestMessagesConvertsWireFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/rooms/7/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"content":[{"id":11,"roomId":7,"senderId":100,"role":"BUYER","content":"hello","isRead":true,"createdAt":"2026-03-01T12:00:00Z"}],"totalPages":3,"totalElements":120,"size":50,"number":0}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	msgs, totalPages, err := c.Messages(context.Background(), 7, 0, 50)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if totalPages != 3 {
		t.Errorf("totalPages = %d, want 3", totalPages)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != 11 || m.RoomID != 7 || m.Content != "hello" || !m.Read {
		t.Errorf("message = %+v", m)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !m.CreatedAt.Equal(want) {
		t.Errorf("createdAt = %v, want %v", m.CreatedAt, want)
	}
}

// TestBaseURLPrefixComposes: the configured base URL carries the backend's
// context path ("/api"); client paths must not repeat it.
func TestBaseURLPrefixComposes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/rooms" {
			t.Errorf("path = %q, want /api/chat/rooms", r.URL.Path)
		}
		fmt.Fprint(w, `{"id":7,"buyerUserId":100,"shopId":5,"createdAt":"2026-03-01T12:00:00Z"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api", zap.NewNop())
	if _, err := c.GetOrCreateRoom(context.Background(), 100, 5, nil); err != nil {
		t.Fatalf("GetOrCreateRoom() error = %v", err)
	}
}

func TestErrorStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	if _, err := c.RoomsForBuyer(context.Background(), 100); err == nil {
		t.Fatal("RoomsForBuyer() error = nil, want status error")
	}
}
