package readtrack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ttbazaar/chatd/internal/bus"
	"github.com/ttbazaar/chatd/internal/convo"
	"github.com/ttbazaar/chatd/internal/model"
	"go.uber.org/zap"
)

type fakeStore struct {
	active int64
	marked []int64
}

func (s *fakeStore) ActiveRoom() int64 { return s.active }

func (s *fakeStore) MarkRoomRead(roomID int64) { s.marked = append(s.marked, roomID) }

type fakeDispatcher struct {
	mu    sync.Mutex
	reads []int64
	err   error
}

func (d *fakeDispatcher) EnqueueRead(roomID, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.reads = append(d.reads, roomID)
	return nil
}

func (d *fakeDispatcher) receipts() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.reads...)
}

func testTracker(s *fakeStore, d *fakeDispatcher) *Tracker {
	ident := model.Identity{UserID: 100, Role: model.RoleBuyer}
	return NewTracker(ident, s, d, bus.New(), zap.NewNop())
}

func TestActivationWithUnreadAcknowledges(t *testing.T) {
	s := &fakeStore{active: 7}
	d := &fakeDispatcher{}
	tr := testTracker(s, d)

	tr.handleEvent(bus.Event{Kind: bus.KindRoomActivated, Payload: convo.Activated{RoomID: 7, Unread: 3}})

	if len(s.marked) != 1 || s.marked[0] != 7 {
		t.Errorf("marked = %v, want [7]", s.marked)
	}
	if len(d.reads) != 1 || d.reads[0] != 7 {
		t.Errorf("receipts = %v, want [7]", d.reads)
	}
}

func TestActivationWithoutUnreadIsQuiet(t *testing.T) {
	s := &fakeStore{active: 7}
	d := &fakeDispatcher{}
	tr := testTracker(s, d)

	tr.handleEvent(bus.Event{Kind: bus.KindRoomActivated, Payload: convo.Activated{RoomID: 7, Unread: 0}})

	if len(s.marked) != 0 || len(d.reads) != 0 {
		t.Errorf("marked = %v, receipts = %v, want no acknowledgement", s.marked, d.reads)
	}
}

func TestForeignMessageInActiveRoomAcknowledged(t *testing.T) {
	s := &fakeStore{active: 7}
	d := &fakeDispatcher{}
	tr := testTracker(s, d)

	tr.handleEvent(bus.Event{Kind: bus.KindMessageMerged, Payload: convo.Merged{RoomID: 7, MessageID: 11, Foreign: true}})

	if len(d.reads) != 1 || d.reads[0] != 7 {
		t.Errorf("receipts = %v, want [7]", d.reads)
	}
}

func TestForeignMessageInBackgroundRoomIgnored(t *testing.T) {
	s := &fakeStore{active: 7}
	d := &fakeDispatcher{}
	tr := testTracker(s, d)

	tr.handleEvent(bus.Event{Kind: bus.KindMessageMerged, Payload: convo.Merged{RoomID: 9, MessageID: 11, Foreign: true}})

	if len(s.marked) != 0 || len(d.reads) != 0 {
		t.Errorf("background room acknowledged: marked = %v, receipts = %v", s.marked, d.reads)
	}
}

func TestOwnEchoIgnored(t *testing.T) {
	s := &fakeStore{active: 7}
	d := &fakeDispatcher{}
	tr := testTracker(s, d)

	tr.handleEvent(bus.Event{Kind: bus.KindMessageMerged, Payload: convo.Merged{RoomID: 7, MessageID: 11, Foreign: false}})

	if len(d.reads) != 0 {
		t.Errorf("receipts = %v, want none for own echo", d.reads)
	}
}

// TestReceiptFailureStillZeroesLocally: the optimistic zeroing is not
// rolled back when the receipt cannot be queued.
func TestReceiptFailureStillZeroesLocally(t *testing.T) {
	s := &fakeStore{active: 7}
	d := &fakeDispatcher{err: errors.New("queue closed")}
	tr := testTracker(s, d)

	tr.handleEvent(bus.Event{Kind: bus.KindRoomActivated, Payload: convo.Activated{RoomID: 7, Unread: 1}})

	if len(s.marked) != 1 || s.marked[0] != 7 {
		t.Errorf("marked = %v, want [7] despite queue failure", s.marked)
	}
}

func TestEventLoopDelivers(t *testing.T) {
	s := &fakeStore{active: 7}
	d := &fakeDispatcher{}
	ident := model.Identity{UserID: 100, Role: model.RoleBuyer}
	b := bus.New()
	tr := NewTracker(ident, s, d, b, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	b.Publish(bus.Event{Kind: bus.KindRoomActivated, Timestamp: time.Now(), Payload: convo.Activated{RoomID: 7, Unread: 2}})

	deadline := time.Now().Add(2 * time.Second)
	for len(d.receipts()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("receipt never queued")
		}
		time.Sleep(time.Millisecond)
	}
}
