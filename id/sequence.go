// Package id hands out gtrid sequence numbers.
package id

import "sync/atomic"

// Sequence is a lock-free monotonically increasing counter.
// The zero value starts at 0; Next never returns the same value twice.
type Sequence struct {
	value atomic.Uint64
}

// NewSequence returns a counter whose first Next is seed+1.
func NewSequence(seed uint64) *Sequence {
	s := &Sequence{}
	s.value.Store(seed)
	return s
}

// Next returns the next sequence number.
func (s *Sequence) Next() uint64 {
	return s.value.Add(1)
}

// Current returns the last issued (or seeded) value.
func (s *Sequence) Current() uint64 {
	return s.value.Load()
}

// SeedAbove raises the counter so the next issued value is greater than floor.
// Values already above floor are left untouched.
func (s *Sequence) SeedAbove(floor uint64) {
	for {
		cur := s.value.Load()
		if cur >= floor {
			return
		}
		if s.value.CompareAndSwap(cur, floor) {
			return
		}
	}
}
