package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory wireConn: writes land on outbox, and reads
// drain from a buffered inbox channel the test feeds directly.
type fakeConn struct {
	mu       sync.Mutex
	outbox   []map[string]interface{}
	inbox    chan []byte
	closed   bool
	closeErr error
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 64)}
}

func (f *fakeConn) WriteJSON(ctx context.Context, v interface{}) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.outbox = append(f.outbox, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) ReadJSON(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.inbox:
		if !ok {
			return nil, errors.New("fakeConn: inbox closed")
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return f.closeErr
}

func (f *fakeConn) sendEvent(t *testing.T, v map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	f.inbox <- data
}

func dialerFor(conns ...*fakeConn) (Dialer, func() int) {
	var mu sync.Mutex
	i := 0
	d := func(ctx context.Context, endpoint, apiKey string) (wireConn, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(conns) {
			return nil, errors.New("dialerFor: out of connections")
		}
		c := conns[i]
		i++
		return c, nil
	}
	calls := func() int { mu.Lock(); defer mu.Unlock(); return i }
	return d, calls
}

func newTestSession(dial Dialer) *Session {
	return NewSession("wss://example.invalid/voice", "test-key", DefaultSessionConfig(),
		WithDialer(dial),
		WithIdleTimeout(50*time.Millisecond),
		WithSendTimeout(time.Second),
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
	)
}

func TestRequestResponseCASPreventsDuplicate(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialerFor(conn)
	s := newTestSession(dial)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	ctx := context.Background()
	created1, err := s.RequestResponse(ctx)
	if err != nil || !created1 {
		t.Fatalf("first RequestResponse: created=%v err=%v", created1, err)
	}
	created2, err := s.RequestResponse(ctx)
	if err != nil {
		t.Fatalf("second RequestResponse errored: %v", err)
	}
	if created2 {
		t.Fatal("second RequestResponse should be a no-op while a response is in progress")
	}
	if !s.ResponseInProgress() {
		t.Fatal("expected response_in_progress to remain true")
	}
}

func TestResponseDoneClearsFlagBeforeHandlers(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialerFor(conn)
	s := newTestSession(dial)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	ctx := context.Background()
	if _, err := s.RequestResponse(ctx); err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}

	observed := make(chan bool, 1)
	s.RegisterHandler("tts", EventResponseDone, func(ev Event) {
		observed <- s.ResponseInProgress()
	})

	conn.sendEvent(t, map[string]interface{}{"type": string(EventResponseDone)})

	select {
	case inProgress := <-observed:
		if inProgress {
			t.Fatal("expected response_in_progress already cleared when handler runs")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response.done handler")
	}
}

func TestEventDispatchOrderingMultiHandler(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialerFor(conn)
	s := newTestSession(dial)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 2)
	s.RegisterHandler("stt", EventTranscriptDelta, func(ev Event) {
		mu.Lock()
		order = append(order, "stt:"+ev.Text)
		mu.Unlock()
		done <- struct{}{}
	})
	s.RegisterHandler("cognition", EventTranscriptDelta, func(ev Event) {
		mu.Lock()
		order = append(order, "cognition:"+ev.Text)
		mu.Unlock()
		done <- struct{}{}
	})

	// Trigger a connection via a Send so the read loop starts.
	if err := s.AppendAudio(context.Background(), []byte{0, 1}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}

	conn.sendEvent(t, map[string]interface{}{"type": string(EventTranscriptDelta), "delta": "hel"})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for handlers")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "stt:hel" || order[1] != "cognition:hel" {
		t.Fatalf("unexpected dispatch order: %v", order)
	}
}

func TestDeregisterOwnerStopsFutureDispatch(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialerFor(conn)
	s := newTestSession(dial)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	calls := make(chan struct{}, 4)
	s.RegisterHandler("stt", EventTranscriptDelta, func(ev Event) { calls <- struct{}{} })

	if err := s.AppendAudio(context.Background(), []byte{0}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	conn.sendEvent(t, map[string]interface{}{"type": string(EventTranscriptDelta), "delta": "a"})
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delivery")
	}

	s.DeregisterOwner("stt")
	conn.sendEvent(t, map[string]interface{}{"type": string(EventTranscriptDelta), "delta": "b"})

	select {
	case <-calls:
		t.Fatal("handler fired after DeregisterOwner")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestReconnectAfterDropPreservesSubscriptions(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dial, callCount := dialerFor(first, second)
	s := newTestSession(dial)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	closedEvents := make(chan struct{}, 1)
	deltaEvents := make(chan string, 1)
	s.RegisterHandler("stt", EventConnectionClosed, func(ev Event) { closedEvents <- struct{}{} })
	s.RegisterHandler("stt", EventTranscriptDelta, func(ev Event) { deltaEvents <- ev.Text })

	if err := s.AppendAudio(context.Background(), []byte{0}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if got := callCount(); got != 1 {
		t.Fatalf("expected 1 dial so far, got %d", got)
	}

	// Simulate an unexpected drop.
	first.Close("simulated drop")

	select {
	case <-closedEvents:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EventConnectionClosed")
	}

	// Next send reconnects on demand using the second fake connection, and
	// the previously-registered handler still fires — subscriptions
	// survive reconnection (R3).
	if err := s.AppendAudio(context.Background(), []byte{1}); err != nil {
		t.Fatalf("AppendAudio after reconnect: %v", err)
	}
	second.sendEvent(t, map[string]interface{}{"type": string(EventTranscriptDelta), "delta": "still here"})

	select {
	case text := <-deltaEvents:
		if text != "still here" {
			t.Fatalf("unexpected delta text: %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-reconnect delta")
	}
}

func TestDialFailureBacksOffThenSucceeds(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	conn := newFakeConn()
	dial := func(ctx context.Context, endpoint, apiKey string) (wireConn, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("simulated dial failure")
		}
		return conn, nil
	}
	s := newTestSession(dial)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.AppendAudio(ctx, []byte{0}); err != nil {
		t.Fatalf("AppendAudio should eventually succeed after backoff: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls < 3 {
		t.Fatalf("expected at least 3 dial attempts, got %d", calls)
	}
}

func TestIdleTeardownClosesThenReconnectsOnDemand(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dial, callCount := dialerFor(first, second)
	s := newTestSession(dial)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	if err := s.CommitInputBuffer(context.Background()); err != nil {
		t.Fatalf("CommitInputBuffer: %v", err)
	}
	if got := callCount(); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}

	// Idle timeout is 50ms; wait past it for the idle-teardown loop to fire.
	time.Sleep(150 * time.Millisecond)
	if s.State() != StateDisconnected {
		t.Fatalf("expected idle teardown to disconnect, state=%v", s.State())
	}

	if err := s.CommitInputBuffer(context.Background()); err != nil {
		t.Fatalf("CommitInputBuffer after idle teardown: %v", err)
	}
	if got := callCount(); got != 2 {
		t.Fatalf("expected reconnect to dial again, got %d calls", got)
	}
}

func TestSendControlDirectiveRetriesOnceOnFailure(t *testing.T) {
	bad := newFakeConn()
	bad.writeErr = errors.New("simulated write failure")
	good := newFakeConn()
	dial, callCount := dialerFor(bad, good)
	s := newTestSession(dial)
	s.Start(context.Background())
	defer s.Stop(time.Second)

	if err := s.CommitInputBuffer(context.Background()); err != nil {
		t.Fatalf("CommitInputBuffer should succeed after one retry: %v", err)
	}
	if got := callCount(); got != 2 {
		t.Fatalf("expected dial called twice (initial + retry reconnect), got %d", got)
	}
}
