package subs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/ttbazaar/chatd/internal/bus"
	"github.com/ttbazaar/chatd/internal/conn"
	"github.com/ttbazaar/chatd/internal/status"
	"github.com/ttbazaar/chatd/internal/transport"
	"go.uber.org/zap"
)

// Conn is the slice of the connection manager the registry needs.
type Conn interface {
	Send(f *transport.Frame) error
	State() status.State
	Epoch() uint64
}

// handle is a live binding between a room topic and one connection epoch.
type handle struct {
	id    string
	epoch uint64
}

// Registry tracks which rooms are of interest and keeps exactly one live
// subscription per desired room. The desired set is authoritative: handles
// are rebuilt from it on every reconnect and a subscribe that completes
// after the room was released is immediately undone.
type Registry struct {
	conn   Conn
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	desired map[int64]struct{}
	active  map[int64]handle
}

// NewRegistry creates a subscription registry.
func NewRegistry(c Conn, b *bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		conn:    c,
		bus:     b,
		logger:  logger,
		desired: make(map[int64]struct{}),
		active:  make(map[int64]handle),
	}
}

// Start subscribes to connection lifecycle events on the bus.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("conn.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the registry's event loop.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Registry) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnConnected:
		c, ok := evt.Payload.(conn.Connected)
		if !ok {
			return
		}
		r.rebuild(c.Epoch)
	case bus.KindConnDisconnected, bus.KindConnFailed:
		// Handles from the dead connection must never deliver anything.
		r.mu.Lock()
		n := len(r.active)
		r.active = make(map[int64]handle)
		r.mu.Unlock()
		if n > 0 {
			r.logger.Info("discarded stale subscription handles", zap.Int("count", n))
		}
	}
}

// Ensure marks a room as desired and subscribes if the connection is up.
func (r *Registry) Ensure(roomID int64) {
	r.mu.Lock()
	r.desired[roomID] = struct{}{}
	_, live := r.active[roomID]
	r.mu.Unlock()

	if live || r.conn.State() != status.Connected {
		return
	}
	epoch := r.conn.Epoch()
	go r.subscribe(roomID, epoch)
}

// Release marks a room as no longer desired and tears down its handle.
func (r *Registry) Release(roomID int64) {
	r.mu.Lock()
	delete(r.desired, roomID)
	h, had := r.active[roomID]
	delete(r.active, roomID)
	r.mu.Unlock()

	if had {
		r.unsubscribe(roomID, h)
	}
}

// Live reports whether a frame delivered for roomID under the given epoch
// comes from the current subscription. Frames failing this check are stale
// and must be dropped.
func (r *Registry) Live(roomID int64, epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[roomID]
	return ok && h.epoch == epoch
}

// ActiveCount returns the number of live handles.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// rebuild resubscribes every desired room under a fresh connection epoch.
func (r *Registry) rebuild(epoch uint64) {
	r.mu.Lock()
	r.active = make(map[int64]handle)
	rooms := make([]int64, 0, len(r.desired))
	for id := range r.desired {
		rooms = append(rooms, id)
	}
	r.mu.Unlock()

	r.logger.Info("rebuilding subscriptions", zap.Uint64("epoch", epoch), zap.Int("rooms", len(rooms)))
	for _, id := range rooms {
		r.subscribe(id, epoch)
	}
}

// subscribe transmits a subscribe frame and then applies the resulting
// handle. Application re-checks intent: if the room was released while the
// request was in flight, the handle is undone instead of installed.
func (r *Registry) subscribe(roomID int64, epoch uint64) {
	h := handle{id: uuid.New().String(), epoch: epoch}
	f := &transport.Frame{
		Type:        transport.TypeSubscribe,
		ID:          h.id,
		Destination: transport.RoomTopic(roomID),
	}
	if err := r.conn.Send(f); err != nil {
		// Connection went away; the next connected event resubscribes.
		r.logger.Warn("subscribe failed", zap.Int64("room", roomID), zap.Error(err))
		return
	}
	r.apply(roomID, h)
}

// apply installs a completed subscription, enforcing at most one live
// handle per room and honoring intent changes that happened in flight.
// A handle from a superseded connection epoch is never installed: the
// reconnect's rebuild already owns the room.
func (r *Registry) apply(roomID int64, h handle) {
	r.mu.Lock()
	if _, want := r.desired[roomID]; !want {
		r.mu.Unlock()
		r.unsubscribe(roomID, h)
		return
	}
	if h.epoch != r.conn.Epoch() {
		r.mu.Unlock()
		r.logger.Debug("discarding subscribe from superseded epoch",
			zap.Int64("room", roomID), zap.Uint64("epoch", h.epoch))
		r.unsubscribe(roomID, h)
		return
	}
	if cur, ok := r.active[roomID]; ok && cur.epoch >= h.epoch {
		// Already subscribed under this epoch; undo the duplicate.
		r.mu.Unlock()
		r.unsubscribe(roomID, h)
		return
	}
	r.active[roomID] = h
	r.mu.Unlock()
}

func (r *Registry) unsubscribe(roomID int64, h handle) {
	f := &transport.Frame{
		Type:        transport.TypeUnsubscribe,
		ID:          h.id,
		Destination: transport.RoomTopic(roomID),
	}
	if err := r.conn.Send(f); err != nil {
		// A dead connection has no server-side state worth cleaning up.
		return
	}
}
