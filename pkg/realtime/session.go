// Package realtime implements the Realtime Connection Manager: the single
// duplex session to the remote voice API, typed event dispatch, and the
// shared response-in-progress flag that governs the response lifecycle.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/robocortex/pkg/logging"
)

// State is the session's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
	defaultIdleTimeout = 2 * time.Minute
	defaultSendTimeout = 3 * time.Second
)

type registeredHandler struct {
	owner string
	fn    Handler
}

// Session is the RCM: it owns the single duplex connection to the remote
// voice API, lazily (re)connecting on demand — grounded on the teacher's
// LokutorTTS.getConn ("if conn != nil return it, else dial"), generalized
// from a one-shot TTS request/response into a long-lived, event-dispatching
// duplex session with its own reconnect and idle-teardown policy.
type Session struct {
	endpoint string
	apiKey   string
	dial     Dialer
	log      logging.Logger

	backoffBase time.Duration
	backoffCap  time.Duration
	idleTimeout time.Duration
	sendTimeout time.Duration

	mu    sync.Mutex
	conn  wireConn
	state State
	cfg   SessionConfig

	reconnectAttempt atomic.Int32
	responseInProg   atomic.Bool
	lastActivity     atomic.Int64 // unix nanos

	handlersMu sync.RWMutex
	handlers   map[EventType][]registeredHandler

	latency latencyStamps

	// intentionalClose suppresses the EventConnectionClosed notification
	// for a close the session itself initiated (idle teardown), as
	// opposed to one caused by an unexpected read/write failure.
	intentionalClose bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Option configures a Session at construction.
type Option func(*Session)

func WithDialer(d Dialer) Option            { return func(s *Session) { s.dial = d } }
func WithLogger(l logging.Logger) Option    { return func(s *Session) { s.log = l } }
func WithIdleTimeout(d time.Duration) Option { return func(s *Session) { s.idleTimeout = d } }
func WithSendTimeout(d time.Duration) Option { return func(s *Session) { s.sendTimeout = d } }
func WithBackoff(base, max time.Duration) Option {
	return func(s *Session) { s.backoffBase = base; s.backoffCap = max }
}

// NewSession constructs an RCM session. It does not connect — the first
// connection happens lazily, on the first Send-family call.
func NewSession(endpoint, apiKey string, cfg SessionConfig, opts ...Option) *Session {
	s := &Session{
		endpoint:    endpoint,
		apiKey:      apiKey,
		cfg:         cfg,
		dial:        DialWebsocket,
		log:         logging.NoOp{},
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		idleTimeout: defaultIdleTimeout,
		sendTimeout: defaultSendTimeout,
		handlers:    make(map[EventType][]registeredHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the session's lifecycle: idle-teardown monitoring runs in
// the background from here on, but the connection itself is still made
// lazily on first demand.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.idleTeardownLoop()
}

// Stop cancels the session's background work and closes any active
// connection, waiting up to deadline for the network loop to finish.
func (s *Session) Stop(deadline time.Duration) error {
	s.mu.Lock()
	s.state = StateClosing
	s.mu.Unlock()

	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(deadline):
			s.log.Warn("realtime: stop deadline exceeded, detaching network loop")
		}
		s.mu.Lock()
		if s.conn != nil {
			err = s.conn.Close("session stopped")
			s.conn = nil
		}
		s.state = StateDisconnected
		s.mu.Unlock()
	})
	return err
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ResponseInProgress reports whether a response request is outstanding.
// ACM reads this but must never write it directly.
func (s *Session) ResponseInProgress() bool {
	return s.responseInProg.Load()
}

// SetResponseInProgress is the defined setter named in §4.4 for
// Cognition's defensive sets/clears (§4.8). It is idempotent: setting an
// already-set flag, or clearing an already-clear one, has no extra
// effect.
func (s *Session) SetResponseInProgress(v bool) {
	s.responseInProg.Store(v)
}

// RegisterHandler appends fn to the ordered handler list for eventType,
// tagged with owner so a node can deregister all of its handlers on stop
// without touching another node's registrations.
func (s *Session) RegisterHandler(owner string, eventType EventType, fn Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], registeredHandler{owner: owner, fn: fn})
}

// DeregisterOwner removes every handler owner registered, across all event
// types. Called when a node stops.
func (s *Session) DeregisterOwner(owner string) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	for evt, hs := range s.handlers {
		kept := hs[:0]
		for _, h := range hs {
			if h.owner != owner {
				kept = append(kept, h)
			}
		}
		s.handlers[evt] = kept
	}
}

// RequestResponse atomically requests a response iff none is currently in
// flight, implementing I2/P2/B3 as a single compare-and-swap rather than a
// separate check-then-set. created is false (and no directive is sent) if
// a response was already in progress.
func (s *Session) RequestResponse(ctx context.Context) (created bool, err error) {
	if !s.responseInProg.CompareAndSwap(false, true) {
		return false, nil
	}
	if err := s.sendControlDirective(ctx, map[string]interface{}{
		"type":       "response.create",
		"response":   map[string]interface{}{"modalities": []string{"text", "audio"}},
	}); err != nil {
		s.responseInProg.Store(false)
		return false, err
	}
	return true, nil
}

// SendFunctionResult reports a tool call's outcome back to the session as
// a function_call_output item, per §7's "unknown tool name / malformed
// arguments: error result returned to the session; no side effect
// emitted." output is marshaled to a JSON string, matching the wire
// protocol's function_call_output.output shape.
func (s *Session) SendFunctionResult(ctx context.Context, callID string, output interface{}) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("realtime: marshal function result: %w", err)
	}
	return s.sendControlDirective(ctx, map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(data),
		},
	})
}

// CancelResponse cancels an in-progress response and clears the flag.
func (s *Session) CancelResponse(ctx context.Context) error {
	defer s.responseInProg.Store(false)
	return s.sendControlDirective(ctx, map[string]interface{}{"type": "response.cancel"})
}

// ClearInputBuffer issues input_audio_buffer.clear, per I3's
// one-clear-per-utterance-start contract.
func (s *Session) ClearInputBuffer(ctx context.Context) error {
	return s.sendControlDirective(ctx, map[string]interface{}{"type": "input_audio_buffer.clear"})
}

// CommitInputBuffer issues input_audio_buffer.commit. A successful commit
// marks the start of a new latency-tracking cycle (§5's "user stop" stamp).
func (s *Session) CommitInputBuffer(ctx context.Context) error {
	if err := s.sendControlDirective(ctx, map[string]interface{}{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	s.latency.reset()
	return nil
}

// AppendAudio streams one frame. Unlike control directives, a failed
// append is simply dropped (logged) rather than retried — per §5, "on
// timeout the frame is dropped (audio)".
func (s *Session) AppendAudio(ctx context.Context, pcm []byte) error {
	payload := map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	}
	conn, err := s.ensureConnected(ctx)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := conn.WriteJSON(sendCtx, payload); err != nil {
		s.onWriteError(err)
		return ErrSendTimeout
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// UpdateSession re-sends session.update with a new configuration, stored
// for replay on the next reconnect.
func (s *Session) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.sendControlDirective(ctx, cfg.toWire())
}

// sendControlDirective writes a control-plane payload, retrying once on
// failure per §5 ("the directive is retried once (control)").
func (s *Session) sendControlDirective(ctx context.Context, payload interface{}) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := s.ensureConnected(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
		err = conn.WriteJSON(sendCtx, payload)
		cancel()
		if err == nil {
			s.lastActivity.Store(time.Now().UnixNano())
			return nil
		}
		lastErr = err
		s.onWriteError(err)
	}
	return fmt.Errorf("realtime: send failed after retry: %w", lastErr)
}

func (s *Session) onWriteError(err error) {
	s.log.Warn("realtime: write failed, dropping connection", "error", err)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close("write error")
		s.conn = nil
	}
	s.state = StateDisconnected
	s.mu.Unlock()
	s.responseInProg.Store(false)
}

// ensureConnected returns the active connection, dialing (with exponential
// backoff, unlimited retries) if none exists. Reconnection restores the
// session config and clears per-item buffers (via EventConnectionClosed,
// dispatched by the previous drop) but preserves topic subscriptions —
// handler registrations are untouched here.
func (s *Session) ensureConnected(ctx context.Context) (wireConn, error) {
	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if s.ctx != nil {
			select {
			case <-s.ctx.Done():
				return nil, ErrClosed
			default:
			}
		}

		conn, err := s.dial(ctx, s.endpoint, s.apiKey)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.state = StateConnected
			cfg := s.cfg
			s.mu.Unlock()
			s.reconnectAttempt.Store(0)
			s.lastActivity.Store(time.Now().UnixNano())

			s.wg.Add(1)
			go s.readLoop(conn)

			sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
			writeErr := conn.WriteJSON(sendCtx, cfg.toWire())
			cancel()
			if writeErr != nil {
				s.log.Warn("realtime: failed to resend session.update on connect", "error", writeErr)
			}
			return conn, nil
		}

		attempt := s.reconnectAttempt.Add(1)
		backoff := s.backoffBase * time.Duration(1<<uint(attempt-1))
		if backoff > s.backoffCap || backoff <= 0 {
			backoff = s.backoffCap
		}
		s.log.Warn("realtime: dial failed, backing off", "attempt", attempt, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// readLoop consumes events from one connection until it errs or the
// session is stopped. On exit it drops the shared conn reference (if it
// still points at this one) and dispatches EventConnectionClosed so every
// node can reset its per-item buffers.
func (s *Session) readLoop(conn wireConn) {
	defer s.wg.Done()
	for {
		data, err := conn.ReadJSON(s.ctx)
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		if data == nil {
			continue
		}
		s.lastActivity.Store(time.Now().UnixNano())
		ev, err := parseEvent(data)
		if err != nil {
			s.log.Warn("realtime: failed to parse event", "error", err)
			continue
		}
		s.applyBuiltinTransition(ev)
		s.applyLatencyMarks(ev)
		s.dispatch(ev)
	}
}

// applyBuiltinTransition updates response_in_progress and connection-level
// bookkeeping the RCM itself owns, ahead of user handler dispatch — so
// nodes always observe a consistent flag regardless of handler ordering.
func (s *Session) applyBuiltinTransition(ev Event) {
	switch ev.Type {
	case EventResponseDone:
		s.responseInProg.Store(false)
	case EventError:
		s.responseInProg.Store(false)
	}
}

// applyLatencyMarks records the per-stage checkpoints used by
// LatencySnapshot, ahead of user handler dispatch, so every node observes
// timings for a stage that already happened.
func (s *Session) applyLatencyMarks(ev Event) {
	switch ev.Type {
	case EventTranscriptDone:
		s.latency.markSTTFinal()
	case EventResponseItemAdded:
		s.latency.markCognitionDispatch()
	case EventResponseAudioDelta:
		s.latency.markFirstAudioChunk()
	}
}

func (s *Session) dispatch(ev Event) {
	s.handlersMu.RLock()
	hs := append([]registeredHandler(nil), s.handlers[ev.Type]...)
	s.handlersMu.RUnlock()
	for _, h := range hs {
		h.fn(ev)
	}
}

func (s *Session) handleDisconnect(conn wireConn, cause error) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	closing := s.state == StateClosing
	intentional := s.intentionalClose
	s.intentionalClose = false
	s.state = StateDisconnected
	s.mu.Unlock()

	if closing || intentional {
		return
	}

	s.responseInProg.Store(false)
	s.log.Warn("realtime: connection lost", "error", cause)
	s.dispatch(Event{Type: EventConnectionClosed})
}

// idleTeardownLoop proactively closes an idle connection so the process
// isn't holding a socket open against a remote that has nothing to do;
// the next Send-family call reconnects on demand via ensureConnected.
func (s *Session) idleTeardownLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := s.state == StateConnected &&
				time.Since(time.Unix(0, s.lastActivity.Load())) >= s.idleTimeout
			if idle {
				if s.conn != nil {
					s.intentionalClose = true
					s.conn.Close("idle teardown")
					s.conn = nil
				}
				s.state = StateDisconnected
			}
			s.mu.Unlock()
			if idle {
				s.log.Info("realtime: idle teardown, will reconnect on next demand")
			}
		}
	}
}

// newCorrelationID returns a fresh random (UUID) correlation id.
func newCorrelationID() string { return uuid.NewString() }

// DecodeAudio decodes a response.audio.delta event's base64 payload.
func DecodeAudio(ev Event) ([]byte, error) {
	return base64.StdEncoding.DecodeString(ev.AudioBase64)
}
