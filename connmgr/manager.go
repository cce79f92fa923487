// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connmgr owns the single shared broker connection for a given
// endpoint configuration. It reference-counts dependents, redials with
// exponential backoff and broadcasts status transitions to listeners.
package connmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/natspipe/natspipe/transport"
)

// Config defaults.
const (
	DefaultDialTimeout = 10 * time.Second
	DefaultGracePeriod = 30 * time.Second
)

// Config holds connection manager settings.
type Config struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	JitterRatio float64       `yaml:"jitter_ratio"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DefaultConfig returns a config with production defaults.
func DefaultConfig() Config {
	return Config{
		Endpoints:   []string{"nats://127.0.0.1:4222"},
		DialTimeout: DefaultDialTimeout,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		JitterRatio: DefaultJitterRatio,
		GracePeriod: DefaultGracePeriod,
	}
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterRatio <= 0 || c.JitterRatio >= 1 {
		c.JitterRatio = DefaultJitterRatio
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return nil
}

// Manager owns one shared connection. Only the manager mutates the
// connection status; dependents observe it via Acquire results and
// status listeners.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	logger  *slog.Logger
	sm      *stateMachine
	bo      *backoff
	events  *listenerSet
	stopCh  chan struct{}
	now     func() time.Time
	wg      sync.WaitGroup

	// baseCtx parents every dial so Close can abort one in flight.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu                 sync.Mutex
	conn               transport.Conn
	users              map[string]struct{}
	waiters            []chan transport.Conn
	attempts           int
	everConnected      bool
	reconnectInFlight  bool
	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
	graceTimer         *time.Timer
}

// New creates a connection manager. The connection itself is dialed
// lazily on the first Acquire.
func New(dialer transport.Dialer, cfg Config, logger *slog.Logger) (*Manager, error) {
	if dialer == nil {
		return nil, ErrNilDialer
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		logger:     logger,
		sm:         newStateMachine(),
		bo:         newBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.JitterRatio),
		events:     newListenerSet(),
		stopCh:     make(chan struct{}),
		now:        time.Now,
		users:      make(map[string]struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	return m.sm.get()
}

// Event returns a snapshot of the current status event.
func (m *Manager) Event() StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventLocked()
}

func (m *Manager) eventLocked() StatusEvent {
	ev := StatusEvent{
		Status:            m.sm.get(),
		ReconnectAttempts: m.attempts,
	}
	if ev.Status == StatusConnected && !m.lastConnectedAt.IsZero() {
		ev.Uptime = m.now().Sub(m.lastConnectedAt)
	}
	return ev
}

// Subscribe registers a status listener. The listener receives the
// current status synchronously before this call returns, then every
// subsequent transition. The returned cancel function unregisters it.
func (m *Manager) Subscribe(l Listener) func() {
	cancel := m.events.add(l)
	l(m.Event())
	return cancel
}

// Acquire registers userID as a dependent of the shared connection and
// returns the live handle. If no connection exists one is dialed
// lazily; the call blocks until connected, the context is done, or the
// manager is closed. Dial failures are never returned here; they are
// visible only as status transitions.
func (m *Manager) Acquire(ctx context.Context, userID string) (transport.Conn, error) {
	m.mu.Lock()
	if m.sm.isClosed() {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.users[userID] = struct{}{}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	if m.sm.isConnected() && m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	ch := make(chan transport.Conn, 1)
	m.waiters = append(m.waiters, ch)
	m.startReconnectLocked()
	m.mu.Unlock()

	// The registration stands even if the caller gives up waiting;
	// the waiter channel is buffered so a late connect cannot block.
	select {
	case conn := <-ch:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stopCh:
		return nil, ErrManagerClosed
	}
}

// Release removes userID from the dependent set. When the set becomes
// empty the connection is torn down after the grace period, unless a
// new Acquire arrives first.
func (m *Manager) Release(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.users, userID)
	if len(m.users) != 0 || m.sm.isClosed() {
		return
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
	}
	m.graceTimer = time.AfterFunc(m.cfg.GracePeriod, m.teardownIdle)
}

// teardownIdle closes the connection once the dependent set has stayed
// empty for the whole grace period.
func (m *Manager) teardownIdle() {
	m.mu.Lock()
	if len(m.users) != 0 || m.sm.isClosed() {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.graceTimer = nil
	m.everConnected = false
	m.attempts = 0
	m.sm.set(StatusDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		m.logger.Info("idle broker connection closed")
	}
	m.notify()
}

// Close permanently shuts the manager down and closes the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.sm.isClosed() {
		m.mu.Unlock()
		return nil
	}
	m.sm.set(StatusClosed)
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	conn := m.conn
	m.conn = nil
	close(m.stopCh)
	m.baseCancel()
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	return nil
}

// startReconnectLocked spawns the reconnection loop unless one is
// already in flight. Caller must hold m.mu.
func (m *Manager) startReconnectLocked() {
	if m.reconnectInFlight || m.sm.isClosed() {
		return
	}
	m.reconnectInFlight = true
	m.wg.Add(1)
	go m.reconnectLoop()
}

// reconnectLoop dials until connected, with exponential backoff between
// failed attempts. Retries are unbounded while at least one dependent
// remains registered or the connection was previously established.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		// Entering the loop the state is always disconnected unless the
		// manager was closed, or a connection already exists.
		if !m.sm.transition(StatusDisconnected, StatusConnecting) {
			return
		}
		m.notify()

		dialCtx, cancel := context.WithTimeout(m.baseCtx, m.cfg.DialTimeout)
		conn, err := m.dialer.Dial(dialCtx, m.cfg.Endpoints)
		cancel()

		if err == nil {
			m.mu.Lock()
			if m.sm.isClosed() {
				m.mu.Unlock()
				conn.Close()
				return
			}
			m.conn = conn
			m.attempts = 0
			m.everConnected = true
			m.reconnectInFlight = false
			m.lastConnectedAt = m.now()
			waiters := m.waiters
			m.waiters = nil
			m.sm.set(StatusConnected)
			m.mu.Unlock()

			for _, ch := range waiters {
				ch <- conn
			}
			m.logger.Info("broker connected", "endpoints", m.cfg.Endpoints)
			m.notify()

			m.wg.Add(1)
			go m.watch(conn)
			return
		}

		m.mu.Lock()
		if m.sm.isClosed() {
			m.reconnectInFlight = false
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		keep := len(m.users) > 0 || m.everConnected
		if !keep {
			m.reconnectInFlight = false
			m.sm.set(StatusDisconnected)
			m.mu.Unlock()
			m.notify()
			return
		}
		m.mu.Unlock()

		m.sm.set(StatusDisconnected)
		m.notify()

		delay := m.bo.delay(attempt)
		m.logger.Warn("broker connect failed",
			"attempt", attempt,
			"retry_in", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-m.stopCh:
			return
		}
	}
}

// watch consumes the connection's status stream and restarts the
// reconnection loop when the link drops.
func (m *Manager) watch(conn transport.Conn) {
	defer m.wg.Done()

	for ev := range conn.Status() {
		switch ev.Kind {
		case transport.EventDisconnected:
			m.handleDisconnect(conn, ev.Err)
			return
		case transport.EventError:
			m.logger.Debug("transport error", "error", ev.Err)
		}
	}
	// Status stream closed without an explicit disconnect event.
	m.handleDisconnect(conn, transport.ErrClosed)
}

func (m *Manager) handleDisconnect(conn transport.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn || m.sm.isClosed() {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.lastDisconnectedAt = m.now()
	m.sm.set(StatusDisconnected)
	m.mu.Unlock()

	conn.Close()
	m.logger.Warn("broker connection lost", "error", err)
	m.notify()

	m.mu.Lock()
	if len(m.users) > 0 || m.everConnected {
		m.startReconnectLocked()
	}
	m.mu.Unlock()
}

func (m *Manager) notify() {
	m.mu.Lock()
	ev := m.eventLocked()
	m.mu.Unlock()
	m.events.notify(ev)
}
