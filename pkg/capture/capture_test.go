package capture

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/robocortex/pkg/mutex"
)

// fakeDevice feeds a fixed sequence of PCM16 frames, then blocks until ctx
// is canceled.
type fakeDevice struct {
	frames [][]byte
	i      int
	mu     sync.Mutex
}

func (d *fakeDevice) Start() error { return nil }
func (d *fakeDevice) Close() error  { return nil }
func (d *fakeDevice) Read(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	if d.i < len(d.frames) {
		f := d.frames[d.i]
		d.i++
		d.mu.Unlock()
		return f, nil
	}
	d.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

// fakeRCM records every call the ACM makes against the realtime session.
type fakeRCM struct {
	mu             sync.Mutex
	appended       int
	cleared        int
	committed      int
	responseCalls  int
	responseInProg bool
}

func (f *fakeRCM) AppendAudio(ctx context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended++
	return nil
}
func (f *fakeRCM) ClearInputBuffer(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}
func (f *fakeRCM) CommitInputBuffer(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed++
	return nil
}
func (f *fakeRCM) RequestResponse(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responseCalls++
	already := f.responseInProg
	f.responseInProg = true
	return !already, nil
}
func (f *fakeRCM) ResponseInProgress() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responseInProg
}

func silentFrame(samples int) []byte {
	return make([]byte, samples*2)
}

func loudFrame(samples int, amplitude int16) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkSamples = 10
	cfg.MinSpeechDuration = 0 // no artificial wait in unit tests
	cfg.CommitCooldown = 0
	cfg.CommitPause = time.Millisecond
	cfg.VADSilenceFrames = 2
	return cfg
}

func TestMicUnavailableDiscardsFrames(t *testing.T) {
	mm := mutex.New(func(string) {})
	mm.Acquire("someone-else")

	dev := &fakeDevice{frames: [][]byte{loudFrame(10, 20000), loudFrame(10, 20000)}}
	rt := &fakeRCM{}
	m := New(testConfig(), dev, rt, mm, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.appended != 0 || rt.committed != 0 {
		t.Fatalf("expected no streaming while mic unavailable, got appended=%d committed=%d", rt.appended, rt.committed)
	}
}

func TestUtteranceCommitsAndRequestsResponse(t *testing.T) {
	mm := mutex.New(func(string) {})

	frames := [][]byte{
		loudFrame(10, 20000), // speech start
		loudFrame(10, 20000), // still speaking
		silentFrame(10),      // silence 1
		silentFrame(10),      // silence 2 -> confirms (threshold 2)
	}
	dev := &fakeDevice{frames: frames}
	rt := &fakeRCM{}
	m := New(testConfig(), dev, rt, mm, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cleared == 0 {
		t.Fatal("expected input_audio_buffer.clear at speech start")
	}
	if rt.committed == 0 {
		t.Fatal("expected input_audio_buffer.commit at utterance end")
	}
	if rt.responseCalls == 0 {
		t.Fatal("expected response.create requested after commit")
	}
}

func TestShortUtteranceDiscardedWithoutCommit(t *testing.T) {
	mm := mutex.New(func(string) {})
	frames := [][]byte{
		loudFrame(10, 20000),
		silentFrame(10),
		silentFrame(10),
	}
	dev := &fakeDevice{frames: frames}
	rt := &fakeRCM{}
	cfg := testConfig()
	cfg.MinSpeechDuration = time.Hour // guarantees every utterance looks "too short"
	m := New(cfg, dev, rt, mm, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.committed != 0 {
		t.Fatalf("expected no commit for an utterance shorter than min_speech_duration, got %d", rt.committed)
	}
}

func TestCooldownSuppressesImmediateRecommit(t *testing.T) {
	mm := mutex.New(func(string) {})
	frames := [][]byte{
		loudFrame(10, 20000), silentFrame(10), silentFrame(10), // commit #1
		loudFrame(10, 20000), silentFrame(10), silentFrame(10), // would be commit #2 but inside cooldown
	}
	dev := &fakeDevice{frames: frames}
	rt := &fakeRCM{}
	cfg := testConfig()
	cfg.CommitCooldown = time.Hour
	m := New(cfg, dev, rt, mm, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.committed != 1 {
		t.Fatalf("expected exactly 1 commit within the cooldown window, got %d", rt.committed)
	}
}

func TestBackpressureDropsOldestNotNewest(t *testing.T) {
	mm := mutex.New(func(string) {})
	// A long unbroken speech run that overflows the bounded local buffer.
	frames := make([][]byte, 0, 50)
	for i := 0; i < 50; i++ {
		frames = append(frames, loudFrame(10, 20000))
	}
	dev := &fakeDevice{frames: frames}
	rt := &fakeRCM{}
	cfg := testConfig()
	cfg.BufferSamples = 20 // small cap relative to the 50-frame run
	m := New(cfg, dev, rt, mm, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if m.DroppedFrames() == 0 {
		t.Fatal("expected some frames dropped under sustained backpressure")
	}
}
