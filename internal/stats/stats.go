// Package stats accumulates per-run packet statistics. Writers on the hot
// path and the once-per-second rollup touch only atomics, so pollers never
// block either of them.
package stats

import (
	"math"
	"sync/atomic"
)

// unsetMin marks a minimum length that has not been observed yet.
const unsetMin = math.MaxInt64

// Snapshot is a point-in-time copy of the accumulator.
type Snapshot struct {
	PacketsReceived  int64 `json:"packetsReceived"`
	PacketsDiscarded int64 `json:"packetsDiscarded"`
	PacketsPerSec    int64 `json:"packetsPerSec"`
	MaxPacketsPerSec int64 `json:"maxPacketsPerSec"`
	BitsPerSec       int64 `json:"bitsPerSec"`
	MinPacketLen     int64 `json:"minPacketLen"`
	MaxPacketLen     int64 `json:"maxPacketLen"`
}

// Accumulator holds the counters for one run. The zero value is not ready;
// use New or call Reset.
type Accumulator struct {
	received  atomic.Int64
	discarded atomic.Int64

	packetsThisSec atomic.Int64
	bytesThisSec   atomic.Int64

	packetsPerSec    atomic.Int64
	bitsPerSec       atomic.Int64
	maxPacketsPerSec atomic.Int64

	minLen atomic.Int64
	maxLen atomic.Int64
}

// New returns a cleared accumulator.
func New() *Accumulator {
	a := &Accumulator{}
	a.Reset()
	return a
}

// Reset clears every field for a new run.
func (a *Accumulator) Reset() {
	a.received.Store(0)
	a.discarded.Store(0)
	a.packetsThisSec.Store(0)
	a.bytesThisSec.Store(0)
	a.packetsPerSec.Store(0)
	a.bitsPerSec.Store(0)
	a.maxPacketsPerSec.Store(0)
	a.minLen.Store(unsetMin)
	a.maxLen.Store(0)
}

// ObserveLength folds n into the running minimum and maximum.
func (a *Accumulator) ObserveLength(n int) {
	v := int64(n)
	for {
		cur := a.minLen.Load()
		if v >= cur || a.minLen.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := a.maxLen.Load()
		if v <= cur || a.maxLen.CompareAndSwap(cur, v) {
			break
		}
	}
}

// Record counts one delivered packet of n bytes and returns the new
// cumulative received count.
func (a *Accumulator) Record(n int) int64 {
	a.packetsThisSec.Add(1)
	a.bytesThisSec.Add(int64(n))
	return a.received.Add(1)
}

// Discard counts one packet dropped because its send failed.
func (a *Accumulator) Discard() int64 {
	return a.discarded.Add(1)
}

// Rollup closes the current one-second window: the window's packet and byte
// counts become the per-second rates and the window restarts at zero.
func (a *Accumulator) Rollup() {
	pkts := a.packetsThisSec.Swap(0)
	bytes := a.bytesThisSec.Swap(0)

	a.packetsPerSec.Store(pkts)
	a.bitsPerSec.Store(bytes * 8)
	for {
		cur := a.maxPacketsPerSec.Load()
		if pkts <= cur || a.maxPacketsPerSec.CompareAndSwap(cur, pkts) {
			break
		}
	}
}

func (a *Accumulator) PacketsReceived() int64  { return a.received.Load() }
func (a *Accumulator) PacketsDiscarded() int64 { return a.discarded.Load() }
func (a *Accumulator) PacketsPerSec() int64    { return a.packetsPerSec.Load() }
func (a *Accumulator) MaxPacketsPerSec() int64 { return a.maxPacketsPerSec.Load() }
func (a *Accumulator) BitsPerSec() int64       { return a.bitsPerSec.Load() }
func (a *Accumulator) MaxPacketLen() int64     { return a.maxLen.Load() }

// MinPacketLen returns the smallest length observed, or 0 before the first
// packet.
func (a *Accumulator) MinPacketLen() int64 {
	v := a.minLen.Load()
	if v == unsetMin {
		return 0
	}
	return v
}

// Snapshot copies every field. Fields are read individually, so a snapshot
// taken during a rollup may mix the two windows.
func (a *Accumulator) Snapshot() Snapshot {
	return Snapshot{
		PacketsReceived:  a.PacketsReceived(),
		PacketsDiscarded: a.PacketsDiscarded(),
		PacketsPerSec:    a.PacketsPerSec(),
		MaxPacketsPerSec: a.MaxPacketsPerSec(),
		BitsPerSec:       a.BitsPerSec(),
		MinPacketLen:     a.MinPacketLen(),
		MaxPacketLen:     a.MaxPacketLen(),
	}
}
