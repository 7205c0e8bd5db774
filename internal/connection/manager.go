package connection

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/wagiedev/lspproxy/internal/config"
	"github.com/wagiedev/lspproxy/internal/errors"
	"github.com/wagiedev/lspproxy/internal/events"
	"github.com/wagiedev/lspproxy/internal/metrics"
	"github.com/wagiedev/lspproxy/internal/protocol"
	"github.com/wagiedev/lspproxy/internal/task"
	"github.com/wagiedev/lspproxy/internal/transport"
)

// Manager owns the lazily established backend connection.
type Manager struct {
	log      *slog.Logger
	host     string
	strategy Strategy
	metrics  *metrics.Collector
	handler  protocol.NotificationHandler

	// Guards state, port, channel, pending, gen and fatalErr.
	mu       sync.Mutex
	state    State
	port     int
	channel  *protocol.Channel
	pending  *task.Task[*protocol.Channel]
	gen      uint64
	fatalErr error

	connected    events.Listeners[*protocol.Channel]
	disconnected events.Listeners[error]
	dialErrors   events.Listeners[error]
	listening    events.Listeners[net.Addr]

	workers *workers
}

// New creates a manager for the backend described by opts. Every inbound
// notification on any channel the manager opens is passed to handler.
// collector may be nil.
func New(opts *config.Options, collector *metrics.Collector, handler protocol.NotificationHandler) *Manager {
	opts = opts.WithDefaults()

	m := &Manager{
		log:     opts.Logger.With("component", "connection"),
		host:    opts.Host,
		port:    opts.Port,
		metrics: collector,
		handler: handler,
		workers: newWorkers(),
	}

	switch opts.Mode {
	case config.ModeAccept:
		m.strategy = &Acceptor{
			Log:      m.log,
			OnListen: m.listeningAt,
		}
	default:
		m.strategy = &Dialer{
			Log:           m.log,
			RetryInterval: opts.DialRetryInterval,
			MaxInterval:   opts.DialRetryMax,
			Timeout:       opts.DialTimeout,
			OnError:       m.dialError,
		}
	}

	m.metrics.SetState(m.state.String(), stateNames())

	return m
}

// Connect returns the live channel, establishing one if needed.
//
// Callers arriving while an attempt is in flight share its outcome. A done
// ctx stops this caller from waiting but leaves the attempt running for the
// others. After Close, Connect fails with ErrProxyClosed.
func (m *Manager) Connect(ctx context.Context) (*protocol.Channel, error) {
	m.mu.Lock()

	switch m.state {
	case StateClosed:
		m.mu.Unlock()

		return nil, errors.ErrProxyClosed

	case StateConnected:
		ch := m.channel
		m.mu.Unlock()

		return ch, nil

	case StateDisconnected:
		m.startLocked()
	}

	attempt := m.pending
	m.mu.Unlock()

	return attempt.Wait(ctx)
}

// startLocked begins a new attempt. Caller must hold m.mu.
func (m *Manager) startLocked() {
	m.transitionLocked(eventAttempt)

	m.gen++
	gen := m.gen
	addr := m.addressLocked()
	strategy := m.strategy

	m.metrics.ConnectAttempt(strategy.Name())
	m.log.Debug("Connecting to backend", "strategy", strategy.Name(), "addr", addr)

	m.pending = task.New(func(resolve func(*protocol.Channel) bool, reject func(error) bool, onCancel func(func())) {
		ctx, cancel := context.WithCancel(context.Background())
		onCancel(cancel)

		m.workers.Go(func() {
			defer cancel()

			conn, err := strategy.Establish(ctx, addr)
			m.settle(gen, conn, err, resolve, reject)
		})
	})
}

// settle records the outcome of attempt gen.
//
// The attempt is current only while it is still the pending one; ChangePort,
// SetError and Close clear pending under m.mu before cancelling. Whichever
// side takes m.mu first therefore decides the outcome, and a connection
// produced by a superseded attempt is closed here.
func (m *Manager) settle(gen uint64, conn net.Conn, err error, resolve func(*protocol.Channel) bool, reject func(error) bool) {
	m.mu.Lock()

	current := m.gen == gen && m.pending != nil && m.state == StateConnecting

	if err != nil {
		if !current {
			m.mu.Unlock()

			// The canceller settles the task with its own reason.
			m.metrics.ConnectFailure("cancelled")

			return
		}

		m.pending = nil
		m.transitionLocked(eventAborted)
		reject(err)
		m.mu.Unlock()

		m.log.Warn("Connection attempt failed", "error", err)
		m.metrics.ConnectFailure("error")

		return
	}

	if !current {
		m.mu.Unlock()

		m.log.Debug("Discarding connection from cancelled attempt", "remote", conn.RemoteAddr().String())
		m.metrics.ConnectFailure("cancelled")

		_ = conn.Close()

		return
	}

	ch := protocol.NewChannel(m.log, transport.New(m.log, conn))
	ch.OnNotification(m.handler)
	ch.Listen()

	resolve(ch)

	m.pending = nil
	m.channel = ch
	m.transitionLocked(eventEstablished)
	m.mu.Unlock()

	m.log.Info("Connected to backend", "conn_id", ch.ID(), "remote", conn.RemoteAddr().String())
	// The watcher starts first so a connected listener that closes the
	// channel is seen; it still reports after the listeners.
	announced := make(chan struct{})

	m.workers.Go(func() {
		<-ch.Done()
		m.dropped(ch, announced)
	})

	m.emit(func() {
		defer close(announced)

		m.connected.Emit(ch)
	})
}

// dropped clears ch once its socket has closed. The disconnected event waits
// until announced is closed.
func (m *Manager) dropped(ch *protocol.Channel, announced <-chan struct{}) {
	m.mu.Lock()

	if m.channel != ch {
		m.mu.Unlock()

		return
	}

	m.channel = nil
	if m.state == StateConnected {
		m.transitionLocked(eventDropped)
	}
	m.mu.Unlock()

	reason := ch.Err()

	m.log.Info("Backend connection closed", "conn_id", ch.ID(), "reason", reason)
	m.metrics.Disconnect()
	m.emit(func() {
		<-announced
		m.disconnected.Emit(reason)
	})
}

// cancelLocked removes the pending attempt so it can be cancelled once m.mu
// is released. Caller must hold m.mu.
func (m *Manager) cancelLocked() *task.Task[*protocol.Channel] {
	attempt := m.pending
	if attempt == nil {
		return nil
	}

	m.pending = nil
	if m.state == StateConnecting {
		m.transitionLocked(eventAborted)
	}

	return attempt
}

// ChangePort retargets future attempts. An attempt in flight for the old
// port is cancelled with ErrPortChanged. An established connection is kept.
func (m *Manager) ChangePort(port int) {
	m.mu.Lock()

	if port == m.port {
		m.mu.Unlock()

		return
	}

	old := m.port
	m.port = port
	attempt := m.cancelLocked()
	m.mu.Unlock()

	m.log.Debug("Backend port changed", "old", old, "new", port)

	if attempt != nil {
		attempt.Cancel(errors.ErrPortChanged)
	}
}

// SetError records err as the sticky fatal error and cancels any attempt in
// flight with it. A nil err is ignored; use ClearError.
func (m *Manager) SetError(err error) {
	if err == nil {
		return
	}

	m.mu.Lock()
	m.fatalErr = err
	attempt := m.cancelLocked()
	m.mu.Unlock()

	m.log.Warn("Fatal error recorded", "error", err)

	if attempt != nil {
		attempt.Cancel(err)
	}
}

// FatalError returns the sticky fatal error, if any.
func (m *Manager) FatalError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fatalErr
}

// ClearError forgets the sticky fatal error.
func (m *Manager) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fatalErr = nil
}

// Close moves the manager to StateClosed and cancels any attempt in flight
// with ErrProxyClosed. An established channel is left open so the caller can
// still run the exit handshake on it.
func (m *Manager) Close() {
	m.mu.Lock()

	if m.state == StateClosed {
		m.mu.Unlock()

		return
	}

	attempt := m.pending
	m.pending = nil
	m.transitionLocked(eventClose)
	m.mu.Unlock()

	if attempt != nil {
		attempt.Cancel(errors.ErrProxyClosed)
	}
}

// Wait blocks until every goroutine started by the manager has returned or
// is running event listeners. It is only meaningful after Close and after
// the channel was closed. Listeners may call Wait.
func (m *Manager) Wait() {
	m.workers.Wait()
}

// emit runs listeners outside the worker count. Listeners always run on
// manager goroutines.
func (m *Manager) emit(fn func()) {
	m.workers.Outside(fn)
}

// Channel returns the live channel without connecting, or nil.
func (m *Manager) Channel() *protocol.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.channel
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Address returns the address the next attempt will target.
func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addressLocked()
}

func (m *Manager) addressLocked() string {
	return net.JoinHostPort(m.host, strconv.Itoa(m.port))
}

// OnConnected registers fn to run after each connection is established.
func (m *Manager) OnConnected(fn func(ch *protocol.Channel)) (remove func()) {
	return m.connected.Add(fn)
}

// OnDisconnected registers fn to run after an established connection closes.
// fn receives the reason the channel closed.
func (m *Manager) OnDisconnected(fn func(reason error)) (remove func()) {
	return m.disconnected.Add(fn)
}

// OnDialError registers fn to run after each failed dial. The attempt keeps
// retrying.
func (m *Manager) OnDialError(fn func(err error)) (remove func()) {
	return m.dialErrors.Add(fn)
}

// OnListening registers fn to run when an accept-mode listener is bound.
func (m *Manager) OnListening(fn func(addr net.Addr)) (remove func()) {
	return m.listening.Add(fn)
}

func (m *Manager) dialError(err error) {
	m.metrics.DialError()
	m.emit(func() { m.dialErrors.Emit(err) })
}

func (m *Manager) listeningAt(addr net.Addr) {
	m.emit(func() { m.listening.Emit(addr) })
}

// transitionLocked applies ev. Caller must hold m.mu.
func (m *Manager) transitionLocked(ev event) {
	to, err := next(m.state, ev)
	if err != nil {
		m.log.Error("Connection state machine rejected event", "error", err)

		return
	}

	m.log.Debug("Connection state changed", "from", m.state.String(), "to", to.String())

	m.state = to
	m.metrics.SetState(to.String(), stateNames())
}
