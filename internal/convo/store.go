package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ttbazaar/chatd/internal/bus"
	"github.com/ttbazaar/chatd/internal/conn"
	"github.com/ttbazaar/chatd/internal/dispatch"
	"github.com/ttbazaar/chatd/internal/model"
	"github.com/ttbazaar/chatd/internal/transport"
	"go.uber.org/zap"
)

// LoadState tracks a room's history fetch lifecycle.
type LoadState string

const (
	NotLoaded  LoadState = "NOT_LOADED"
	Loading    LoadState = "LOADING"
	Loaded     LoadState = "LOADED"
	LoadFailed LoadState = "LOAD_FAILED"
)

const historyPageSize = 50

// Backend is the slice of the REST client the store needs.
type Backend interface {
	GetOrCreateRoom(ctx context.Context, buyerID, shopID int64, orderID *int64) (*model.Room, error)
	RoomsForBuyer(ctx context.Context, buyerID int64) ([]*model.Room, error)
	RoomsForSeller(ctx context.Context, shopID int64) ([]*model.Room, error)
	Messages(ctx context.Context, roomID int64, page, size int) ([]*model.Message, int, error)
}

// Dispatcher is the slice of the outbound dispatcher the store needs.
type Dispatcher interface {
	EnqueueSend(msg *model.Message) error
	Retry(msg *model.Message) error
	Confirm(key model.DedupKey)
}

// Subscriptions is the slice of the subscription registry the store needs.
type Subscriptions interface {
	Ensure(roomID int64)
	Release(roomID int64)
	Live(roomID int64, epoch uint64) bool
}

// Bus payloads published by the store.
type (
	// Activated announces the active-room change, with the unread count
	// at the moment of activation.
	Activated struct {
		RoomID int64
		Unread int
	}

	// Merged announces a server message inserted into a room. Foreign is
	// false for echoes of our own sends confirmed in place.
	Merged struct {
		RoomID    int64
		MessageID int64
		Foreign   bool
	}

	// Confirmed announces a pending send resolved by its server echo.
	Confirmed struct {
		RoomID    int64
		MessageID int64
		Key       model.DedupKey
	}

	// UnreadChanged announces a room's new unread count.
	UnreadChanged struct {
		RoomID int64
		Unread int
	}
)

// roomState is a room plus its message timeline. Messages hold confirmed
// entries in server-timestamp order followed by unconfirmed (pending or
// failed) entries in local-sequence order.
type roomState struct {
	room *model.Room
	msgs []*model.Message
	load LoadState
}

// Store is the in-memory conversation state: rooms, their message
// timelines, unread counts and the active room. All merging of inbound
// traffic happens on the store's single event-loop goroutine; API calls
// mutate under the same lock, so every timeline change is serialized.
type Store struct {
	ident      model.Identity
	backend    Backend
	dispatcher Dispatcher
	subs       Subscriptions
	bus        *bus.Bus
	logger     *zap.Logger
	cancel     context.CancelFunc

	mu        sync.RWMutex
	rooms     map[int64]*roomState
	active    int64
	roomsLoad LoadState
	nextSeq   uint64
}

// NewStore creates a conversation store.
func NewStore(ident model.Identity, backend Backend, d Dispatcher, subs Subscriptions, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		ident:      ident,
		backend:    backend,
		dispatcher: d,
		subs:       subs,
		bus:        b,
		logger:     logger,
		rooms:      make(map[int64]*roomState),
		roomsLoad:  NotLoaded,
		nextSeq:    1,
	}
}

// Start runs the store's event loop: inbound broker frames and dispatcher
// outcomes are folded into the timelines here.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	frames, unsubFrames := s.bus.Subscribe("frame.", 256)
	msgs, unsubMsgs := s.bus.Subscribe("message.", 64)

	go func() {
		defer unsubFrames()
		defer unsubMsgs()
		for {
			select {
			case evt := <-frames:
				s.handleEvent(evt)
			case evt := <-msgs:
				s.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the store's event loop.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Store) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindFrameInbound:
		in, ok := evt.Payload.(conn.Inbound)
		if !ok {
			return
		}
		s.handleInbound(in)
	case bus.KindMessageSendFailed:
		sf, ok := evt.Payload.(dispatch.SendFailed)
		if !ok {
			return
		}
		s.markSendFailed(sf)
	}
}

// SendMessage creates a pending message, hands it to the dispatcher and
// appends it to the room timeline. The message stays PENDING until its
// server echo merges. A rapid duplicate submission returns
// dispatch.ErrDuplicateSend and leaves the timeline untouched.
func (s *Store) SendMessage(roomID int64, content string, attachments []string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.roomStateLocked(roomID)
	seq := s.nextSeq
	s.nextSeq++

	msg := &model.Message{
		RoomID:      roomID,
		SenderID:    s.ident.UserID,
		Role:        s.ident.Role,
		Content:     content,
		Attachments: attachments,
		LocalSeq:    seq,
		Dedup:       model.NewDedupKey(roomID, s.ident.UserID, content, attachments, seq),
		State:       model.DeliveryPending,
		Read:        true,
		CreatedAt:   time.Now(),
	}

	if err := s.dispatcher.EnqueueSend(msg); err != nil {
		return nil, err
	}

	rs.msgs = append(rs.msgs, msg)
	rs.room.LastMessage = msg
	s.bus.Publish(bus.Event{Kind: bus.KindRoomUpserted, Timestamp: time.Now(), Payload: roomID})
	return msg, nil
}

// RetryMessage re-dispatches a message that previously exhausted its send
// retries. It returns to PENDING and keeps its timeline position.
func (s *Store) RetryMessage(roomID int64, localSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("unknown room %d", roomID)
	}
	for _, m := range rs.msgs {
		if m.LocalSeq != localSeq {
			continue
		}
		if m.State != model.DeliveryFailed {
			return fmt.Errorf("message %d in room %d is %s, not FAILED", localSeq, roomID, m.State)
		}
		m.State = model.DeliveryPending
		return s.dispatcher.Retry(m)
	}
	return fmt.Errorf("no message %d in room %d", localSeq, roomID)
}

// EnsureRoom returns the room between a buyer and a shop, asking the
// backend to create it if needed.
func (s *Store) EnsureRoom(ctx context.Context, buyerID, shopID int64, orderID *int64) (*model.Room, error) {
	room, err := s.backend.GetOrCreateRoom(ctx, buyerID, shopID, orderID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	rs := s.upsertRoomLocked(room)
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: bus.KindRoomUpserted, Timestamp: time.Now(), Payload: rs.room.ID})
	return rs.room, nil
}

// LoadRooms fetches the room listing for the configured identity. Calls
// while a load is in flight coalesce into it.
func (s *Store) LoadRooms(ctx context.Context) error {
	s.mu.Lock()
	if s.roomsLoad == Loading {
		s.mu.Unlock()
		return nil
	}
	s.roomsLoad = Loading
	s.mu.Unlock()

	var (
		rooms []*model.Room
		err   error
	)
	if s.ident.Role == model.RoleSeller {
		rooms, err = s.backend.RoomsForSeller(ctx, s.ident.ShopID)
	} else {
		rooms, err = s.backend.RoomsForBuyer(ctx, s.ident.UserID)
	}

	s.mu.Lock()
	if err != nil {
		s.roomsLoad = LoadFailed
		s.mu.Unlock()
		s.logger.Error("room listing failed", zap.Error(err))
		return err
	}
	for _, room := range rooms {
		s.upsertRoomLocked(room)
	}
	s.roomsLoad = Loaded
	s.mu.Unlock()

	s.logger.Info("rooms loaded", zap.Int("count", len(rooms)))
	s.bus.Publish(bus.Event{Kind: bus.KindRoomUpserted, Timestamp: time.Now()})
	return nil
}

// LoadMessages fetches a room's history. Repeat calls coalesce: a room
// already LOADING or LOADED is left alone, LOAD_FAILED may retry.
func (s *Store) LoadMessages(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	rs := s.roomStateLocked(roomID)
	if rs.load == Loading || rs.load == Loaded {
		s.mu.Unlock()
		return nil
	}
	rs.load = Loading
	s.mu.Unlock()

	msgs, _, err := s.backend.Messages(ctx, roomID, 0, historyPageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		rs.load = LoadFailed
		s.logger.Error("history load failed", zap.Int64("room", roomID), zap.Error(err))
		return err
	}
	for _, m := range msgs {
		s.insertConfirmedLocked(rs, m)
	}
	rs.load = Loaded
	s.recountUnreadLocked(rs)
	return nil
}

// SetActiveRoom switches the room the user is looking at. The previous
// room's subscription is released, the new one ensured.
func (s *Store) SetActiveRoom(roomID int64) {
	s.mu.Lock()
	prev := s.active
	s.active = roomID
	unread := 0
	if roomID != 0 {
		unread = s.roomStateLocked(roomID).room.UnreadCount
	}
	s.mu.Unlock()

	if prev != 0 && prev != roomID {
		s.subs.Release(prev)
	}
	if roomID != 0 && roomID != prev {
		s.subs.Ensure(roomID)
	}
	if roomID != 0 {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindRoomActivated,
			Timestamp: time.Now(),
			Payload:   Activated{RoomID: roomID, Unread: unread},
		})
	}
}

// MarkRoomRead zeroes a room's unread count and marks its foreign messages
// read. The zeroing is optimistic: it is not rolled back if the server-side
// receipt later fails.
func (s *Store) MarkRoomRead(roomID int64) {
	s.mu.Lock()
	rs, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for _, m := range rs.msgs {
		if m.SenderID != s.ident.UserID {
			m.Read = true
		}
	}
	rs.room.UnreadCount = 0
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Kind:      bus.KindRoomUnreadChanged,
		Timestamp: time.Now(),
		Payload:   UnreadChanged{RoomID: roomID, Unread: 0},
	})
}

// Rooms returns a snapshot of all rooms, most recent activity first.
func (s *Store) Rooms() []*model.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Room, 0, len(s.rooms))
	for _, rs := range s.rooms {
		room := *rs.room
		if room.LastMessage != nil {
			// The internal message keeps mutating under the store lock;
			// the snapshot must not share it.
			msg := *room.LastMessage
			room.LastMessage = &msg
		}
		out = append(out, &room)
	}
	sort.Slice(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	return out
}

// Messages returns a snapshot of a room's timeline.
func (s *Store) Messages(roomID int64) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*model.Message, len(rs.msgs))
	for i, m := range rs.msgs {
		msg := *m
		out[i] = &msg
	}
	return out
}

// ActiveRoom returns the currently active room id, zero for none.
func (s *Store) ActiveRoom() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// RoomLoadState returns a room's history load state.
func (s *Store) RoomLoadState(roomID int64) LoadState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return NotLoaded
	}
	return rs.load
}

// UnreadCount returns a room's unread count.
func (s *Store) UnreadCount(roomID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return rs.room.UnreadCount
}

func lastActivity(r *model.Room) time.Time {
	if r.LastMessage != nil {
		return r.LastMessage.CreatedAt
	}
	return r.CreatedAt
}

// roomStateLocked returns the state for a room, creating a placeholder if
// the room has not been seen yet.
func (s *Store) roomStateLocked(roomID int64) *roomState {
	rs, ok := s.rooms[roomID]
	if !ok {
		rs = &roomState{room: &model.Room{ID: roomID}, load: NotLoaded}
		s.rooms[roomID] = rs
	}
	return rs
}

// upsertRoomLocked refreshes room metadata without touching the timeline.
func (s *Store) upsertRoomLocked(room *model.Room) *roomState {
	rs, ok := s.rooms[room.ID]
	if !ok {
		r := *room
		rs = &roomState{room: &r, load: NotLoaded}
		s.rooms[room.ID] = rs
		return rs
	}
	rs.room.BuyerUserID = room.BuyerUserID
	rs.room.ShopID = room.ShopID
	rs.room.OrderID = room.OrderID
	rs.room.CreatedAt = room.CreatedAt
	return rs
}

// handleInbound folds a broker frame into the store. Frames from a stale
// subscription epoch are dropped.
func (s *Store) handleInbound(in conn.Inbound) {
	if in.Frame.Type != transport.TypeMessage {
		return
	}
	roomID, err := transport.RoomFromTopic(in.Frame.Destination)
	if err != nil {
		s.logger.Warn("unroutable inbound frame", zap.String("destination", in.Frame.Destination))
		return
	}
	if !s.subs.Live(roomID, in.Epoch) {
		s.logger.Debug("dropped stale frame",
			zap.Int64("room", roomID), zap.Uint64("epoch", in.Epoch))
		return
	}

	var wire model.WireMessage
	if err := json.Unmarshal(in.Frame.Body, &wire); err != nil {
		s.logger.Warn("malformed message body", zap.Int64("room", roomID), zap.Error(err))
		return
	}
	if wire.RoomID == 0 {
		wire.RoomID = roomID
	}
	s.merge(wire.ToMessage())
}

// markSendFailed flags a message whose send retries are exhausted.
func (s *Store) markSendFailed(sf dispatch.SendFailed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[sf.RoomID]
	if !ok {
		return
	}
	for _, m := range rs.msgs {
		if m.Dedup == sf.Key && m.State == model.DeliveryPending {
			m.State = model.DeliveryFailed
			s.logger.Warn("message delivery failed",
				zap.Int64("room", sf.RoomID), zap.Uint64("local_seq", m.LocalSeq))
			return
		}
	}
}
