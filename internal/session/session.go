// Package session manages the lifecycle of one venue WebSocket
// connection: dialing, heartbeats, reconnection with backoff,
// subscription replay and post-reconnect resynchronization.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"venuelink/internal/infra"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateStopped      State = "STOPPED"
)

// ErrReconnectExhausted is surfaced when the session gives up.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Handler supplies the venue-specific protocol for a session.
type Handler interface {
	ID() string
	URL() string
	// OnConnect performs the handshake (auth etc.) on a fresh socket.
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	// OnMessage consumes one raw frame. Called from the single reader
	// goroutine, so per-connection ordering is preserved.
	OnMessage(ctx context.Context, msg []byte)
	// Subscribe writes a channel subscription for symbol, resuming
	// from sinceSeq when the venue supports it.
	Subscribe(ctx context.Context, conn *websocket.Conn, symbol string, sinceSeq uint64) error
	// Ping sends a liveness probe.
	Ping(ctx context.Context, conn *websocket.Conn) error
}

// Config controls timing and retry behavior.
type Config struct {
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration // read deadline; no frame within it forces reconnect
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	HandshakeTimeout     time.Duration
}

// StateFunc observes session state transitions.
type StateFunc func(from, to State, attempt int)

// ResyncFunc runs after a successful reconnect (not the first connect)
// so the owner can backfill whatever the gap missed.
type ResyncFunc func(ctx context.Context)

// Session owns one WebSocket connection. A single goroutine reads the
// socket; writes are serialized with a write mutex.
type Session struct {
	handler Handler
	cfg     Config
	logger  *slog.Logger

	mu            sync.RWMutex
	conn          *websocket.Conn
	state         State
	subs          map[string]uint64 // symbol -> last seen sequence
	attempts      int
	lastHeartbeat time.Time

	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onState  StateFunc
	onResync ResyncFunc
	onFatal  func(error)
}

func New(handler Handler, cfg Config, logger *slog.Logger) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = infra.DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = infra.DefaultMaxDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		handler: handler,
		cfg:     cfg,
		logger:  logger.With(slog.String("session", handler.ID())),
		state:   StateDisconnected,
		subs:    make(map[string]uint64),
	}
}

// OnStateChange registers the transition observer. Set before Start.
func (s *Session) OnStateChange(fn StateFunc) { s.onState = fn }

// OnResync registers the post-reconnect backfill hook. Set before Start.
func (s *Session) OnResync(fn ResyncFunc) { s.onResync = fn }

// OnFatal registers the unrecoverable-failure observer. Set before Start.
func (s *Session) OnFatal(fn func(error)) { s.onFatal = fn }

// Start launches the connection loop.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runLoop(ctx)
}

// Stop terminates the session and waits for the loop to exit.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()
	s.wg.Wait()
	s.transition(StateStopped, 0)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastHeartbeat returns the time of the last received frame.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// Subscribe adds a symbol to the active subscription set and, when
// connected, sends the subscription immediately. The set is replayed
// on every reconnect.
func (s *Session) Subscribe(ctx context.Context, symbol string) error {
	s.mu.Lock()
	if _, ok := s.subs[symbol]; !ok {
		s.subs[symbol] = 0
	}
	since := s.subs[symbol]
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return nil // sent on next (re)connect
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.handler.Subscribe(ctx, conn, symbol, since)
}

// Unsubscribe removes a symbol from the subscription set.
func (s *Session) Unsubscribe(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, symbol)
}

// MarkSeq records the last processed sequence for a symbol so a
// reconnect can resume from it.
func (s *Session) MarkSeq(symbol string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.subs[symbol]; ok && seq > cur {
		s.subs[symbol] = seq
	}
}

// Write sends one frame, serialized against concurrent writers.
func (s *Session) Write(msgType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("session %s not connected", s.handler.ID())
	}
	return c.WriteMessage(msgType, data)
}

func (s *Session) runLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		attempt := s.attempts
		reconnecting := s.state == StateReconnecting
		s.mu.RUnlock()

		if !reconnecting {
			s.transition(StateConnecting, 0)
		}

		if err := s.connect(ctx); err != nil {
			s.logger.Warn("Connection failed",
				slog.Any("error", err),
				slog.Int("attempt", attempt))
			if !s.retreat(ctx) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.attempts = 0
		wasReconnect := reconnecting
		s.mu.Unlock()

		s.transition(StateConnected, 0)

		if err := s.resubscribe(ctx); err != nil {
			s.logger.Warn("Resubscribe failed", slog.Any("error", err))
			s.closeConn()
			if !s.retreat(ctx) {
				return
			}
			continue
		}

		if wasReconnect && s.onResync != nil {
			s.onResync(ctx)
		}

		s.process(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.retreat(ctx) {
			return
		}
	}
}

// retreat transitions to RECONNECTING and sleeps the backoff, or gives
// up after MaxReconnectAttempts. Returns false when the loop must exit.
func (s *Session) retreat(ctx context.Context) bool {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt > s.cfg.MaxReconnectAttempts {
		s.transition(StateStopped, attempt)
		err := fmt.Errorf("session %s: %w after %d attempts",
			s.handler.ID(), ErrReconnectExhausted, attempt-1)
		s.logger.Error("Giving up on connection", slog.Any("error", err))
		if s.onFatal != nil {
			s.onFatal(err)
		}
		return false
	}

	s.transition(StateReconnecting, attempt)
	delay := infra.JitteredBackoff(attempt-1, s.cfg.BaseDelay, s.cfg.MaxDelay)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (s *Session) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.handler.URL(), http.Header{})
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	s.mu.Lock()
	s.conn = conn
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	if err := s.handler.OnConnect(ctx, conn); err != nil {
		s.closeConn()
		return fmt.Errorf("handshake: %w", err)
	}

	go s.pingLoop(ctx, conn)
	return nil
}

// resubscribe replays the active subscription set on a fresh socket.
func (s *Session) resubscribe(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	subs := make(map[string]uint64, len(s.subs))
	for sym, seq := range s.subs {
		subs[sym] = seq
	}
	s.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("session %s not connected", s.handler.ID())
	}
	for sym, seq := range subs {
		s.writeMu.Lock()
		err := s.handler.Subscribe(ctx, conn, sym, seq)
		s.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}
	return nil
}

// process is the single reader for this connection. It returns when
// the socket errors or the heartbeat deadline passes silently.
func (s *Session) process(ctx context.Context) {
	for {
		s.mu.RLock()
		c := s.conn
		s.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				s.logger.Warn("Read error", slog.Any("error", err))
			}
			s.closeConn()
			return
		}

		s.mu.Lock()
		s.lastHeartbeat = time.Now()
		s.mu.Unlock()

		s.handler.OnMessage(ctx, msg)
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			current := s.conn
			s.mu.RUnlock()
			if current != conn {
				return // superseded by a reconnect
			}
			s.writeMu.Lock()
			err := s.handler.Ping(ctx, conn)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("Ping failed", slog.Any("error", err))
				s.closeConn()
				return
			}
		}
	}
}

func (s *Session) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// transition moves the state machine, ignoring no-ops and anything
// after STOPPED.
func (s *Session) transition(to State, attempt int) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Info("Session state",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("attempt", attempt))
	if s.onState != nil {
		s.onState(from, to, attempt)
	}
}
