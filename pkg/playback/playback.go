// Package playback implements the Audio Playback Manager: it buffers the
// remote's streamed audio chunks per response item, assembles a complete
// WAV only once that item's audio is fully received, and coordinates mic
// silencing with the microphone mutex around the hand-off to an external
// sink.
//
// This package never imports pkg/realtime directly — the TTS node
// translates realtime.Event values into the primitive calls below, so the
// buffering/assembly/mutex logic here can be tested without a session.
package playback

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/lokutor-ai/robocortex/pkg/audio"
	"github.com/lokutor-ai/robocortex/pkg/audio/device"
	"github.com/lokutor-ai/robocortex/pkg/logging"
	"github.com/lokutor-ai/robocortex/pkg/mutex"
)

const speakingLabel = "speaking"

// Manager is the APM.
type Manager struct {
	sink       device.Sink
	mm         *mutex.Mic
	sampleRate int
	channels   int
	log        logging.Logger

	mu            sync.Mutex
	buffers       map[string]*bytes.Buffer
	audioDone     map[string]bool
	currentItemID string

	// mutexAcquired is explicitly false at construction (the zero value
	// already is, but the field exists to make the invariant visible and
	// to guard against ever acquiring twice for one response — the
	// single most pernicious bug class named in §5).
	mutexAcquired bool
}

// New constructs an APM. sampleRate/channels describe the WAV this
// manager assembles (24 kHz mono per §4.6); the sink may upsample.
func New(sink device.Sink, mm *mutex.Mic, sampleRate, channels int, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NoOp{}
	}
	return &Manager{
		sink:          sink,
		mm:            mm,
		sampleRate:    sampleRate,
		channels:      channels,
		log:           log,
		buffers:       make(map[string]*bytes.Buffer),
		audioDone:     make(map[string]bool),
		mutexAcquired: false,
	}
}

// OnItemAdded handles response.output_item.added: it tracks the new
// current item and acquires the mutex exactly once per response, on the
// first item of that response — acquiring before any audio can possibly
// have started streaming back.
func (m *Manager) OnItemAdded(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentItemID = itemID
	if _, ok := m.buffers[itemID]; !ok {
		m.buffers[itemID] = new(bytes.Buffer)
	}
	if !m.mutexAcquired {
		m.mm.Acquire(speakingLabel)
		m.mutexAcquired = true
	}
}

// OnAudioDelta handles response.audio.delta: decode and append under
// lock, keyed by itemID (§4.6).
func (m *Manager) OnAudioDelta(itemID, audioBase64 string) error {
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return fmt.Errorf("playback: decode audio delta: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audioDone[itemID] {
		return fmt.Errorf("playback: audio delta after audio done for item %q", itemID)
	}
	buf, ok := m.buffers[itemID]
	if !ok {
		buf = new(bytes.Buffer)
		m.buffers[itemID] = buf
	}
	buf.Write(raw)
	return nil
}

// OnAudioDone handles response.audio.done: the buffer for itemID is now
// closed for further writes. No bytes are handed to the sink until this
// has been observed (I5).
func (m *Manager) OnAudioDone(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioDone[itemID] = true
}

// OnResponseDone handles response.done: assembles the complete WAV for
// the current item (only if its audio-done was observed) and hands it to
// the sink, releasing the mutex once the sink reports completion.
func (m *Manager) OnResponseDone(ctx context.Context) error {
	m.mu.Lock()
	itemID := m.currentItemID
	closed := m.audioDone[itemID]
	var pcm []byte
	if buf, ok := m.buffers[itemID]; ok {
		pcm = buf.Bytes()
	}
	m.mu.Unlock()

	defer m.releaseAndReset(itemID)

	if itemID == "" || !closed {
		m.log.Warn("playback: response.done without a closed audio item, skipping playback", "item_id", itemID)
		return nil
	}
	if len(pcm) == 0 {
		return nil
	}

	wav := audio.WAV(pcm, m.sampleRate, m.channels)
	if err := m.sink.Play(ctx, wav); err != nil {
		return fmt.Errorf("playback: sink play failed: %w", err)
	}
	return nil
}

// OnError handles a protocol error or reject path: release the mutex and
// discard any partial buffers for the in-flight item, same as a normal
// completion but without playback.
func (m *Manager) OnError(ctx context.Context) {
	m.mu.Lock()
	itemID := m.currentItemID
	m.mu.Unlock()
	m.releaseAndReset(itemID)
}

func (m *Manager) releaseAndReset(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mutexAcquired {
		m.mm.Release(speakingLabel)
		m.mutexAcquired = false
	}
	delete(m.buffers, itemID)
	delete(m.audioDone, itemID)
	if m.currentItemID == itemID {
		m.currentItemID = ""
	}
}
