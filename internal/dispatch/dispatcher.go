package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ttbazaar/chatd/internal/bus"
	"github.com/ttbazaar/chatd/internal/model"
	"github.com/ttbazaar/chatd/internal/status"
	"github.com/ttbazaar/chatd/internal/transport"
	"go.uber.org/zap"
)

// ErrDuplicateSend is returned when an identical dedup key was issued
// within the dedup window.
var ErrDuplicateSend = errors.New("duplicate send suppressed")

// Conn is the slice of the connection manager the dispatcher needs.
type Conn interface {
	Send(f *transport.Frame) error
	State() status.State
}

// Config tunes the dispatcher.
type Config struct {
	DedupWindow time.Duration
	MaxAttempts int
}

// SendFailed is the bus payload published when an intent exhausts its
// retries. The store marks the message FAILED but keeps it for manual
// retry.
type SendFailed struct {
	RoomID int64
	Key    model.DedupKey
}

type intentKind int

const (
	intentSend intentKind = iota
	intentRead
)

// intent is a send or read-receipt request awaiting transmission.
type intent struct {
	kind     intentKind
	roomID   int64
	key      model.DedupKey // send intents only
	localSeq uint64
	frame    *transport.Frame
	attempts int
}

// Dispatcher accepts send and mark-read intents, deduplicates rapid
// resubmissions, transmits over the connection when it is up, and buffers
// per room in FIFO order while it is down. Transmitted send intents remain
// "awaiting echo" until the store confirms them; a disconnect requeues
// them at the front of their room's queue so reconnection retransmits in
// the original order.
type Dispatcher struct {
	conn   Conn
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	cancel context.CancelFunc

	mu       sync.Mutex
	queues   map[int64][]*intent
	awaiting map[model.DedupKey]*intent
	window   *dedupWindow
}

// NewDispatcher creates an outbound dispatcher.
func NewDispatcher(c Conn, b *bus.Bus, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		conn:     c,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		queues:   make(map[int64][]*intent),
		awaiting: make(map[model.DedupKey]*intent),
		window:   newDedupWindow(cfg.DedupWindow),
	}
}

// Start subscribes to connection lifecycle events: a connect flushes the
// queues, a disconnect requeues unconfirmed sends.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	ch, unsub := d.bus.Subscribe("conn.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindConnConnected:
					d.flushAll()
				case bus.KindConnDisconnected, bus.KindConnFailed:
					d.requeueAwaiting()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the dispatcher's event loop.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// EnqueueSend queues a pending message for transmission. Returns
// ErrDuplicateSend if its dedup key was already issued within the window.
func (d *Dispatcher) EnqueueSend(msg *model.Message) error {
	d.mu.Lock()
	if d.window.checkAndMark(msg.Dedup.WindowKey()) {
		d.mu.Unlock()
		d.logger.Warn("duplicate send suppressed",
			zap.Int64("room", msg.RoomID), zap.Uint64("local_seq", msg.LocalSeq))
		return ErrDuplicateSend
	}

	frame, err := transport.NewFrame(transport.TypeSend, transport.DestSend, model.SendFrame{
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		Role:        msg.Role,
		Content:     msg.Content,
		Attachments: msg.Attachments,
	})
	if err != nil {
		d.mu.Unlock()
		return err
	}

	it := &intent{
		kind:     intentSend,
		roomID:   msg.RoomID,
		key:      msg.Dedup,
		localSeq: msg.LocalSeq,
		frame:    frame,
	}
	d.queues[msg.RoomID] = append(d.queues[msg.RoomID], it)
	d.flushRoomLocked(msg.RoomID)
	d.mu.Unlock()

	d.bus.Publish(bus.Event{Kind: bus.KindMessageQueued, Timestamp: time.Now(), Payload: msg.Dedup})
	return nil
}

// EnqueueRead queues a read receipt for a room. Read receipts are
// fire-and-forget once written but queue and flush like sends while the
// connection is down.
func (d *Dispatcher) EnqueueRead(roomID, userID int64) error {
	frame, err := transport.NewFrame(transport.TypeRead, transport.DestRead, model.ReadFrame{
		RoomID: roomID,
		UserID: userID,
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.queues[roomID] = append(d.queues[roomID], &intent{
		kind:   intentRead,
		roomID: roomID,
		frame:  frame,
	})
	d.flushRoomLocked(roomID)
	d.mu.Unlock()
	return nil
}

// Retry re-enqueues a previously failed send. The dedup window is not
// consulted: an explicit retry is never a rapid double submission.
func (d *Dispatcher) Retry(msg *model.Message) error {
	frame, err := transport.NewFrame(transport.TypeSend, transport.DestSend, model.SendFrame{
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		Role:        msg.Role,
		Content:     msg.Content,
		Attachments: msg.Attachments,
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.queues[msg.RoomID] = append(d.queues[msg.RoomID], &intent{
		kind:     intentSend,
		roomID:   msg.RoomID,
		key:      msg.Dedup,
		localSeq: msg.LocalSeq,
		frame:    frame,
	})
	d.flushRoomLocked(msg.RoomID)
	d.mu.Unlock()
	return nil
}

// Confirm resolves an awaiting send intent once the server echo merged.
func (d *Dispatcher) Confirm(key model.DedupKey) {
	d.mu.Lock()
	delete(d.awaiting, key)
	d.mu.Unlock()
}

// PendingCount returns the number of queued (untransmitted) intents.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

func (d *Dispatcher) flushAll() {
	d.mu.Lock()
	for roomID := range d.queues {
		d.flushRoomLocked(roomID)
	}
	d.mu.Unlock()
}

// flushRoomLocked transmits a room's queue head-first until the queue is
// empty or a write fails. Intents for the same room always leave in
// enqueue order; rooms have no relative ordering.
func (d *Dispatcher) flushRoomLocked(roomID int64) {
	if d.conn.State() != status.Connected {
		return
	}
	q := d.queues[roomID]
	for len(q) > 0 {
		it := q[0]
		if it.kind == intentSend && it.attempts >= d.cfg.MaxAttempts {
			q = q[1:]
			d.logger.Warn("send retries exhausted",
				zap.Int64("room", it.roomID), zap.Uint64("local_seq", it.localSeq),
				zap.Int("attempts", it.attempts))
			d.bus.Publish(bus.Event{
				Kind:      bus.KindMessageSendFailed,
				Timestamp: time.Now(),
				Payload:   SendFailed{RoomID: it.roomID, Key: it.key},
			})
			continue
		}
		it.attempts++
		if err := d.conn.Send(it.frame); err != nil {
			// Connection dropped mid-flush; the rest stays queued.
			break
		}
		q = q[1:]
		if it.kind == intentSend {
			d.awaiting[it.key] = it
		}
	}
	if len(q) == 0 {
		delete(d.queues, roomID)
	} else {
		d.queues[roomID] = q
	}
}

// requeueAwaiting puts transmitted-but-unconfirmed sends back at the front
// of their room queues, in local-sequence order, so a reconnect
// retransmits them before anything queued later.
func (d *Dispatcher) requeueAwaiting() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.awaiting) == 0 {
		return
	}

	perRoom := make(map[int64][]*intent)
	for _, it := range d.awaiting {
		perRoom[it.roomID] = append(perRoom[it.roomID], it)
	}
	d.awaiting = make(map[model.DedupKey]*intent)

	for roomID, its := range perRoom {
		sort.Slice(its, func(i, j int) bool { return its[i].localSeq < its[j].localSeq })
		d.queues[roomID] = append(its, d.queues[roomID]...)
	}
	d.logger.Info("requeued unconfirmed sends", zap.Int("count", len(perRoom)))
}
