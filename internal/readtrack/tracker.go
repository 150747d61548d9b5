package readtrack

import (
	"context"
	"time"

	"github.com/ttbazaar/chatd/internal/bus"
	"github.com/ttbazaar/chatd/internal/convo"
	"github.com/ttbazaar/chatd/internal/model"
	"go.uber.org/zap"
)

// Store is the slice of the conversation store the tracker needs.
type Store interface {
	ActiveRoom() int64
	MarkRoomRead(roomID int64)
}

// Dispatcher is the slice of the outbound dispatcher the tracker needs.
type Dispatcher interface {
	EnqueueRead(roomID, userID int64) error
}

// Tracker turns room activity into read receipts. Opening a room with
// unread messages acknowledges them; a foreign message arriving in the
// room being looked at is acknowledged immediately. Local unread state is
// zeroed optimistically and never rolled back: the worst case of a lost
// receipt is a counter that is briefly too high on other devices.
type Tracker struct {
	ident      model.Identity
	store      Store
	dispatcher Dispatcher
	bus        *bus.Bus
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewTracker creates a read tracker.
func NewTracker(ident model.Identity, store Store, d Dispatcher, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		ident:      ident,
		store:      store,
		dispatcher: d,
		bus:        b,
		logger:     logger,
	}
}

// Start runs the tracker's event loop.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	rooms, unsubRooms := t.bus.Subscribe("room.", 64)
	msgs, unsubMsgs := t.bus.Subscribe("message.", 64)

	go func() {
		defer unsubRooms()
		defer unsubMsgs()
		for {
			select {
			case evt := <-rooms:
				t.handleEvent(evt)
			case evt := <-msgs:
				t.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the tracker's event loop.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tracker) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindRoomActivated:
		act, ok := evt.Payload.(convo.Activated)
		if !ok || act.Unread == 0 {
			return
		}
		t.acknowledge(act.RoomID)
	case bus.KindMessageMerged:
		m, ok := evt.Payload.(convo.Merged)
		if !ok || !m.Foreign {
			return
		}
		if m.RoomID != t.store.ActiveRoom() {
			return
		}
		t.acknowledge(m.RoomID)
	}
}

// acknowledge zeroes the room locally and queues the server receipt. The
// local zeroing happens even if queuing fails.
func (t *Tracker) acknowledge(roomID int64) {
	t.store.MarkRoomRead(roomID)
	if err := t.dispatcher.EnqueueRead(roomID, t.ident.UserID); err != nil {
		t.logger.Warn("read receipt not queued", zap.Int64("room", roomID), zap.Error(err))
	}
	t.logger.Debug("room acknowledged", zap.Int64("room", roomID), zap.Time("at", time.Now()))
}
