// Package mixer merges the local microphone and the remote assistant audio
// into one two-channel level analyser driving the session screen meter.
package mixer

import (
	"math"
	"sync"
	"sync/atomic"
)

const (
	ChannelLocal = iota
	ChannelRemote
)

// Mixer holds one tap per channel. The local tap is rebuilt whenever the
// microphone stream is replaced so a stopped track's writer can never feed the
// analyser; remote taps are cached per track id because the negotiation
// callback may fire more than once for the same track.
type Mixer struct {
	mu          sync.Mutex
	local       *Tap
	remoteTaps  map[string]*Tap
	levels      [2]atomic.Uint64
}

func New() *Mixer {
	return &Mixer{remoteTaps: make(map[string]*Tap)}
}

// Tap feeds PCM from one source into a mixer channel. A detached tap accepts
// writes and drops them, so a racing audio goroutine stays harmless.
type Tap struct {
	m        *Mixer
	channel  int
	detached atomic.Bool
}

// LocalTap builds a fresh local tap, detaching the previous one.
func (m *Mixer) LocalTap() *Tap {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local != nil {
		m.local.detached.Store(true)
	}
	m.local = &Tap{m: m, channel: ChannelLocal}
	m.levels[ChannelLocal].Store(0)
	return m.local
}

// RemoteTap returns the tap for a remote track, creating it on first arrival.
// The second return reports whether a new tap was created.
func (m *Mixer) RemoteTap(trackID string) (*Tap, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tap, ok := m.remoteTaps[trackID]; ok {
		return tap, false
	}
	tap := &Tap{m: m, channel: ChannelRemote}
	m.remoteTaps[trackID] = tap
	return tap, true
}

// Reset detaches everything; called on session teardown.
func (m *Mixer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local != nil {
		m.local.detached.Store(true)
		m.local = nil
	}
	for id, tap := range m.remoteTaps {
		tap.detached.Store(true)
		delete(m.remoteTaps, id)
	}
	m.levels[ChannelLocal].Store(0)
	m.levels[ChannelRemote].Store(0)
}

func (t *Tap) Write(pcm []int16) {
	if t.detached.Load() || len(pcm) == 0 {
		return
	}
	t.m.levels[t.channel].Store(math.Float64bits(rms(pcm)))
}

func (t *Tap) Detached() bool {
	return t.detached.Load()
}

// Levels returns the latest per-channel levels in [0, 1].
func (m *Mixer) Levels() (local, remote float64) {
	return math.Float64frombits(m.levels[ChannelLocal].Load()),
		math.Float64frombits(m.levels[ChannelRemote].Load())
}

// Combined is the merged analysis value used by the visualizer.
func (m *Mixer) Combined() float64 {
	local, remote := m.Levels()
	return math.Max(local, remote)
}

func rms(pcm []int16) float64 {
	var sum float64
	for _, s := range pcm {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
