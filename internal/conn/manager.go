package conn

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ttbazaar/chatd/internal/bus"
	"github.com/ttbazaar/chatd/internal/status"
	"github.com/ttbazaar/chatd/internal/transport"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send while the broker connection is down.
var ErrNotConnected = errors.New("not connected to broker")

// Config is the reconnect policy.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Inbound is the bus payload for frames read from the broker. Epoch tags
// which connection the frame arrived on so stale deliveries can be dropped
// after a reconnect.
type Inbound struct {
	Epoch uint64
	Frame *transport.Frame
}

// Connected is the bus payload for a (re)established connection.
type Connected struct {
	Epoch uint64
}

// Manager owns the single broker connection: it establishes the transport,
// detects loss, retries with bounded exponential backoff, and publishes
// every inbound frame and lifecycle change on the bus. No other component
// touches the transport directly.
type Manager struct {
	dialer  transport.Dialer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	mu      sync.Mutex
	cur     transport.Conn
	epoch   uint64
	cancel  context.CancelFunc
	running bool
}

// NewManager creates a connection manager. It does not dial until Open.
func NewManager(dialer transport.Dialer, machine *status.Machine, b *bus.Bus, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		dialer:  dialer,
		machine: machine,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
	}
}

// Open begins connection attempts. A no-op if the manager is already
// running; after Close or Failed it starts a fresh attempt cycle.
func (m *Manager) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	go m.run(ctx)
	return nil
}

// Close tears down the connection, cancels any pending retry, and stops
// reconnecting until Open is called again.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		// A manager that already gave up has no goroutine to stop, but
		// Close still resets FAILED to the closed state.
		if m.machine.Current() == status.Failed {
			_ = m.machine.Transition(status.Disconnected)
		}
		return
	}
	m.running = false
	m.cancel()
	if m.cur != nil {
		_ = m.cur.Close()
		m.cur = nil
	}
	m.mu.Unlock()

	_ = m.machine.Transition(status.Disconnected)
	m.logger.Info("connection closed")
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Epoch returns the epoch of the current (or most recent) connection.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Send transmits a frame on the current connection.
func (m *Manager) Send(f *transport.Frame) error {
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()
	if cur == nil || m.machine.Current() != status.Connected {
		return ErrNotConnected
	}
	return cur.WriteFrame(f)
}

func (m *Manager) run(ctx context.Context) {
	attempt := 0
	for {
		c, err := m.dialer.Dial(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			attempt++
			m.logger.Warn("broker dial failed", zap.Error(err), zap.Int("attempt", attempt))
			if attempt > m.cfg.MaxAttempts {
				m.giveUp()
				return
			}
			_ = m.machine.Transition(status.Reconnecting)
			select {
			case <-time.After(m.backoffDelay(attempt)):
			case <-ctx.Done():
				return
			}
			_ = m.machine.Transition(status.Connecting)
			continue
		}

		// Successful connect: fresh epoch, attempt counter resets.
		attempt = 0
		m.mu.Lock()
		if ctx.Err() != nil {
			// Close raced the dial; drop the fresh connection.
			m.mu.Unlock()
			_ = c.Close()
			return
		}
		m.cur = c
		m.epoch++
		ep := m.epoch
		m.mu.Unlock()

		_ = m.machine.Transition(status.Connected)
		m.logger.Info("broker connected", zap.Uint64("epoch", ep))
		m.bus.Publish(bus.Event{Kind: bus.KindConnConnected, Timestamp: time.Now(), Payload: Connected{Epoch: ep}})

		m.readLoop(ctx, c, ep)

		m.mu.Lock()
		m.cur = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		_ = m.machine.Transition(status.Reconnecting)
		m.logger.Warn("broker connection lost", zap.Uint64("epoch", ep))
		m.bus.Publish(bus.Event{Kind: bus.KindConnDisconnected, Timestamp: time.Now(), Payload: Connected{Epoch: ep}})

		select {
		case <-time.After(m.backoffDelay(1)):
		case <-ctx.Done():
			return
		}
		_ = m.machine.Transition(status.Connecting)
	}
}

func (m *Manager) readLoop(ctx context.Context, c transport.Conn, epoch uint64) {
	for {
		f, err := c.ReadFrame()
		if err != nil {
			_ = c.Close()
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.bus.Publish(bus.Event{
			Kind:      bus.KindFrameInbound,
			Timestamp: time.Now(),
			Payload:   Inbound{Epoch: epoch, Frame: f},
		})
	}
}

func (m *Manager) giveUp() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	_ = m.machine.Transition(status.Failed)
	m.logger.Error("retries exhausted, giving up until reopened", zap.Int("max_attempts", m.cfg.MaxAttempts))
	m.bus.Publish(bus.Event{Kind: bus.KindConnFailed, Timestamp: time.Now()})
}

// backoffDelay computes min(base << (attempt-1), cap) with ±20% jitter.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := m.cfg.BaseDelay
	for i := 1; i < attempt && d < m.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
