// Package capture implements the Audio Capture Manager: a single worker
// loop that gates microphone frames on the shared mutex, runs local VAD,
// and drives the commit/clear protocol against the realtime session.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/lokutor-ai/robocortex/pkg/audio"
	"github.com/lokutor-ai/robocortex/pkg/audio/device"
	"github.com/lokutor-ai/robocortex/pkg/logging"
	"github.com/lokutor-ai/robocortex/pkg/mutex"
)

// RCM is the slice of *realtime.Session the ACM depends on. Narrowing to
// an interface (rather than the concrete type) lets capture's own tests
// exercise the commit/clear decision tree with a fake, without touching
// the network or the real session's reconnect machinery.
type RCM interface {
	AppendAudio(ctx context.Context, pcm []byte) error
	ClearInputBuffer(ctx context.Context) error
	CommitInputBuffer(ctx context.Context) error
	RequestResponse(ctx context.Context) (bool, error)
	ResponseInProgress() bool
}

// Config enumerates the ACM's runtime options (§4.5).
type Config struct {
	SampleRate        int
	ChunkSamples      int
	BufferSamples     int
	VADThreshold      float64
	VADSilenceFrames  int
	MinSpeechDuration time.Duration
	CommitCooldown    time.Duration
	CommitPause       time.Duration
	SoftwareGain      float64
}

// DefaultConfig returns the values enumerated in §4.5.
func DefaultConfig() Config {
	return Config{
		SampleRate:        24000,
		ChunkSamples:      4800,
		BufferSamples:     4096,
		VADThreshold:      0.08,
		VADSilenceFrames:  10,
		MinSpeechDuration: 300 * time.Millisecond,
		CommitCooldown:    500 * time.Millisecond,
		CommitPause:       50 * time.Millisecond,
		SoftwareGain:      1.0,
	}
}

// Manager is the ACM worker. It owns the local utterance buffer and the
// VAD state machine; the microphone mutex and realtime session are shared
// collaborators.
type Manager struct {
	cfg Config
	dev device.Capture
	rt  RCM
	mm  *mutex.Mic
	vad *audio.VAD
	log logging.Logger

	mu            sync.Mutex
	buf           []byte
	lastCommit    time.Time
	droppedFrames uint64
}

// New constructs an ACM. The ACM never acquires the mutex itself; it only
// reads Available().
func New(cfg Config, dev device.Capture, rt RCM, mm *mutex.Mic, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NoOp{}
	}
	return &Manager{
		cfg: cfg,
		dev: dev,
		rt:  rt,
		mm:  mm,
		vad: audio.NewVAD(cfg.VADThreshold, cfg.VADSilenceFrames),
		log: log,
	}
}

// DroppedFrames returns the count of frames dropped for outbound
// backpressure (oldest-dropped, per §4.5).
func (m *Manager) DroppedFrames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedFrames
}

// Run drives the capture loop until ctx is canceled or the device fails.
// A device open failure is the caller's responsibility to report as
// node-unhealthy; Run itself only returns the error.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.dev.Start(); err != nil {
		return err
	}
	defer m.dev.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !m.mm.Available() {
			// Early gate (I1): discard without reading VAD state forward.
			m.resetUtterance()
			frame, err := m.dev.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			_ = frame // discarded: mic is gated
			continue
		}

		frame, err := m.dev.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("capture: transient read error, retrying", "error", err)
			continue
		}

		m.processFrame(ctx, frame)
	}
}

func (m *Manager) processFrame(ctx context.Context, frame []byte) {
	samples := audio.PCM16ToFloat32(frame)
	if m.cfg.SoftwareGain != 1.0 && m.cfg.SoftwareGain > 0 {
		for i := range samples {
			g := samples[i] * float32(m.cfg.SoftwareGain)
			if g > 1 {
				g = 1
			} else if g < -1 {
				g = -1
			}
			samples[i] = g
		}
	}

	transition := m.vad.Evaluate(samples, time.Now())

	switch transition {
	case audio.SpeechStart:
		m.mu.Lock()
		m.buf = m.buf[:0]
		m.mu.Unlock()
		if err := m.rt.ClearInputBuffer(ctx); err != nil {
			m.log.Warn("capture: clear at speech start failed", "error", err)
		}
		m.appendAndStream(ctx, frame)

	case audio.SilenceConfirmed:
		m.appendAndStream(ctx, frame)
		m.maybeCommit(ctx)

	default:
		if m.vad.Active() {
			m.appendAndStream(ctx, frame)
		}
	}
}

// appendAndStream appends frame to the bounded local buffer (dropping the
// oldest bytes on overflow, §4.5 backpressure policy) and streams it to
// the realtime session. Reconnection/backoff is the session's concern;
// AppendAudio is a no-op-on-failure per its own contract.
func (m *Manager) appendAndStream(ctx context.Context, frame []byte) {
	m.mu.Lock()
	limit := m.cfg.BufferSamples * 2
	m.buf = append(m.buf, frame...)
	if len(m.buf) > limit {
		overflow := len(m.buf) - limit
		m.buf = m.buf[overflow:]
		m.droppedFrames++
	}
	m.mu.Unlock()

	if err := m.rt.AppendAudio(ctx, frame); err != nil {
		m.log.Warn("capture: append audio failed", "error", err)
	}
}

// maybeCommit implements the end-of-utterance decision tree (§4.5): the
// minimum-duration check, the mutex re-check, and the absolute cooldown,
// in that order, each of which silently discards the utterance rather
// than committing.
func (m *Manager) maybeCommit(ctx context.Context) {
	defer func() {
		m.vad.Reset()
		m.mu.Lock()
		m.buf = m.buf[:0]
		m.mu.Unlock()
	}()

	if time.Since(m.vad.SpeechStart()) < m.cfg.MinSpeechDuration {
		return
	}
	if !m.mm.Available() {
		return
	}
	m.mu.Lock()
	hasCommitted := !m.lastCommit.IsZero()
	sinceLast := time.Since(m.lastCommit)
	m.mu.Unlock()
	if hasCommitted && sinceLast < m.cfg.CommitCooldown {
		return
	}

	time.Sleep(m.cfg.CommitPause)

	if err := m.rt.CommitInputBuffer(ctx); err != nil {
		m.log.Warn("capture: commit failed", "error", err)
		return
	}
	m.mu.Lock()
	m.lastCommit = time.Now()
	m.mu.Unlock()

	if !m.rt.ResponseInProgress() {
		if _, err := m.rt.RequestResponse(ctx); err != nil {
			m.log.Warn("capture: response.create failed", "error", err)
		}
	}
}

func (m *Manager) resetUtterance() {
	m.vad.Reset()
	m.mu.Lock()
	m.buf = m.buf[:0]
	m.mu.Unlock()
}
