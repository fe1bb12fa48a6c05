// Package capture holds the two ways a relayed datagram can be kept for
// inspection: a one-shot slot drained as hex, and a file sink that appends
// raw bytes.
package capture

import (
	"encoding/hex"
	"sync"
	"sync/atomic"
)

// Slot keeps the most recently captured datagram. Arm requests a capture,
// the receive path calls Offer for every packet, and the first Offer after
// Arm stores a copy and disarms.
type Slot struct {
	armed atomic.Bool

	mu   sync.Mutex
	data []byte
	full bool
}

// Arm requests that the next datagram be captured.
func (s *Slot) Arm() { s.armed.Store(true) }

// Armed reports whether a capture is pending.
func (s *Slot) Armed() bool { return s.armed.Load() }

// Offer stores a copy of p if a capture is pending and reports whether it
// did. A capture that was not drained yet is overwritten.
func (s *Slot) Offer(p []byte) bool {
	if !s.armed.CompareAndSwap(true, false) {
		return false
	}
	s.mu.Lock()
	s.data = append(s.data[:0], p...)
	s.full = true
	s.mu.Unlock()
	return true
}

// Drain returns the captured datagram as lowercase hex and empties the
// slot. ok is false when nothing was captured since the last drain.
func (s *Slot) Drain() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return "", false
	}
	s.full = false
	return hex.EncodeToString(s.data), true
}

// Reset disarms and empties the slot.
func (s *Slot) Reset() {
	s.armed.Store(false)
	s.mu.Lock()
	s.data = s.data[:0]
	s.full = false
	s.mu.Unlock()
}
