package realtime

import (
	"sync"
	"time"
)

// LatencyBreakdown reports per-stage timings (milliseconds) for the most
// recent utterance cycle, mirroring the shape of the teacher's
// ManagedStream.LatencyBreakdown/GetEndToEndLatency: each field is the
// elapsed time from the user's utterance ending (CommitInputBuffer) to the
// named stage. A stage not yet reached for the current cycle reads 0.
type LatencyBreakdown struct {
	UserToSTT               int64 // user stop -> transcript finalized
	UserToCognitionDispatch int64 // user stop -> first response item dispatched
	UserToFirstAudioChunk   int64 // user stop -> first response.audio.delta
	UserToPlaybackStart     int64 // user stop -> playback start (end-to-end)
}

// latencyStamps tracks one utterance cycle's checkpoint timestamps. A new
// cycle begins each time CommitInputBuffer succeeds; zero Time values mean
// "not reached yet."
type latencyStamps struct {
	mu                sync.Mutex
	userStop          time.Time
	sttFinal          time.Time
	cognitionDispatch time.Time
	firstAudioChunk   time.Time
	playbackStart     time.Time
}

func (l *latencyStamps) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userStop = time.Now()
	l.sttFinal = time.Time{}
	l.cognitionDispatch = time.Time{}
	l.firstAudioChunk = time.Time{}
	l.playbackStart = time.Time{}
}

// markSTTFinal, markCognitionDispatch, markFirstAudioChunk, and
// markPlaybackStart each record the first occurrence of their stage since
// the last reset; later occurrences within the same cycle are no-ops, so a
// multi-item response doesn't overwrite the original checkpoint.
func (l *latencyStamps) markSTTFinal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.userStop.IsZero() || !l.sttFinal.IsZero() {
		return
	}
	l.sttFinal = time.Now()
}

func (l *latencyStamps) markCognitionDispatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.userStop.IsZero() || !l.cognitionDispatch.IsZero() {
		return
	}
	l.cognitionDispatch = time.Now()
}

func (l *latencyStamps) markFirstAudioChunk() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.userStop.IsZero() || !l.firstAudioChunk.IsZero() {
		return
	}
	l.firstAudioChunk = time.Now()
}

func (l *latencyStamps) markPlaybackStart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.userStop.IsZero() || !l.playbackStart.IsZero() {
		return
	}
	l.playbackStart = time.Now()
}

func (l *latencyStamps) snapshot() LatencyBreakdown {
	l.mu.Lock()
	defer l.mu.Unlock()

	var bd LatencyBreakdown
	if l.userStop.IsZero() {
		return bd
	}
	if !l.sttFinal.IsZero() {
		bd.UserToSTT = l.sttFinal.Sub(l.userStop).Milliseconds()
	}
	if !l.cognitionDispatch.IsZero() {
		bd.UserToCognitionDispatch = l.cognitionDispatch.Sub(l.userStop).Milliseconds()
	}
	if !l.firstAudioChunk.IsZero() {
		bd.UserToFirstAudioChunk = l.firstAudioChunk.Sub(l.userStop).Milliseconds()
	}
	if !l.playbackStart.IsZero() {
		bd.UserToPlaybackStart = l.playbackStart.Sub(l.userStop).Milliseconds()
	}
	return bd
}

// LatencySnapshot returns a read-only copy of the current utterance
// cycle's stage timings.
func (s *Session) LatencySnapshot() LatencyBreakdown {
	return s.latency.snapshot()
}

// MarkPlaybackStarted records the playback-start checkpoint for the
// current utterance cycle. The session has no visibility into the Audio
// Playback Manager itself (pkg/playback never imports pkg/realtime), so
// the TTS node calls this at the point it hands a completed response off
// for playback.
func (s *Session) MarkPlaybackStarted() {
	s.latency.markPlaybackStart()
}
