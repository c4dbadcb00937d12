// Package mutex implements the microphone mutex: a reference-counted gate
// shared by every activity that makes noise (speaking, moving) so the audio
// capture manager can tell, at the earliest possible point, whether it is
// safe to listen.
package mutex

import "sync"

// Mic is a reference-counted gate. It is not exclusive per label: several
// distinct activities may hold it concurrently, and the microphone is
// blocked for as long as any of them does. There is no fairness guarantee —
// holders never queue, callers only ever inspect Available.
type Mic struct {
	mu      sync.Mutex
	counter int
	holders map[string]int
	onWarn  func(msg string)
}

// New creates an empty, available microphone mutex. onWarn, if non-nil, is
// called for misuse (releasing a label that isn't held); it is never called
// under the internal lock.
func New(onWarn func(msg string)) *Mic {
	return &Mic{
		holders: make(map[string]int),
		onWarn:  onWarn,
	}
}

// Acquire increments the gate under the given label. The same label may be
// acquired more than once (e.g. two independent "moving" callers); each
// acquire needs a matching release.
func (m *Mic) Acquire(label string) {
	m.mu.Lock()
	m.counter++
	m.holders[label]++
	m.mu.Unlock()
}

// Release decrements the gate under the given label. Releasing a label that
// isn't currently held is a no-op: the counter is never driven negative, and
// onWarn is notified instead.
func (m *Mic) Release(label string) {
	m.mu.Lock()
	if m.holders[label] <= 0 {
		m.mu.Unlock()
		if m.onWarn != nil {
			m.onWarn("mic mutex: release without matching acquire for label " + label)
		}
		return
	}
	m.holders[label]--
	if m.holders[label] == 0 {
		delete(m.holders, label)
	}
	if m.counter > 0 {
		m.counter--
	}
	m.mu.Unlock()
}

// Available reports whether the gate is currently free (counter == 0).
func (m *Mic) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter == 0
}

// Holders returns a snapshot of active holder labels and their hold counts,
// for diagnostics only.
func (m *Mic) Holders() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.holders))
	for k, v := range m.holders {
		out[k] = v
	}
	return out
}

// Count returns the raw reference count, for diagnostics only.
func (m *Mic) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter
}
