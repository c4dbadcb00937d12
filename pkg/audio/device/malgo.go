package device

import (
	"context"
	"errors"
	"sync"

	"github.com/gen2brain/malgo"
)

// ErrClosed is returned by Read/Play once the device has been closed.
var ErrClosed = errors.New("device: closed")

// MalgoCapture is a malgo-backed Capture that emits fixed-size PCM16 mono
// chunks, buffering partial callback data between chunk boundaries. It is
// a capture-only device; playback uses the separate MalgoSink.
type MalgoCapture struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	chunkBytes int
	chunks     chan []byte
	pending    []byte
	mu         sync.Mutex
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewMalgoCapture opens a capture-only device at sampleRate, mono, 16-bit,
// emitting chunkSamples-sample chunks.
func NewMalgoCapture(sampleRate, chunkSamples int) (*MalgoCapture, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	c := &MalgoCapture{
		ctx:        mctx,
		chunkBytes: chunkSamples * 2,
		chunks:     make(chan []byte, 16),
		closed:     make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: c.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, err
	}
	c.device = dev
	return c, nil
}

func (c *MalgoCapture) onSamples(_, input []byte, _ uint32) {
	if len(input) == 0 {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, input...)
	for len(c.pending) >= c.chunkBytes {
		chunk := make([]byte, c.chunkBytes)
		copy(chunk, c.pending[:c.chunkBytes])
		c.pending = c.pending[c.chunkBytes:]
		select {
		case c.chunks <- chunk:
		default:
			// Consumer is behind; drop the oldest buffered chunk to make
			// room rather than block the audio callback.
			select {
			case <-c.chunks:
			default:
			}
			select {
			case c.chunks <- chunk:
			default:
			}
		}
	}
	c.mu.Unlock()
}

// Start begins the capture stream.
func (c *MalgoCapture) Start() error {
	return c.device.Start()
}

// Read blocks for the next fixed-size chunk.
func (c *MalgoCapture) Read(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-c.chunks:
		return chunk, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the device and releases the malgo context. Idempotent.
func (c *MalgoCapture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.device.Uninit()
		err = c.ctx.Uninit()
	})
	return err
}

// MalgoSink is a malgo-backed playback Sink for a complete WAV blob: a
// playback-only device matching the Sink contract in §4.6.
type MalgoSink struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	pending []byte
	done    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMalgoSink opens a playback-only device at sampleRate, mono, 16-bit.
func NewMalgoSink(sampleRate int) (*MalgoSink, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	s := &MalgoSink{
		ctx:    mctx,
		closed: make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, err
	}
	s.device = dev
	return s, nil
}

func (s *MalgoSink) onSamples(output, _ []byte, _ uint32) {
	s.mu.Lock()
	n := copy(output, s.pending)
	s.pending = s.pending[n:]
	drained := len(s.pending) == 0
	done := s.done
	s.mu.Unlock()

	for i := n; i < len(output); i++ {
		output[i] = 0
	}
	if drained && done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}

// Play strips the WAV's 44-byte header (the only container this module
// produces, per pkg/audio.WAV) and streams the remaining PCM to the
// device, blocking until the callback reports the buffer fully drained or
// ctx is cancelled.
func (s *MalgoSink) Play(ctx context.Context, wav []byte) error {
	pcm := wav
	if len(wav) > 44 {
		pcm = wav[44:]
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.pending = pcm
	s.done = done
	s.mu.Unlock()

	if err := s.device.Start(); err != nil {
		return err
	}
	defer s.device.Stop()

	select {
	case <-done:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the device and releases the malgo context. Idempotent.
func (s *MalgoSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.device.Uninit()
		err = s.ctx.Uninit()
	})
	return err
}
