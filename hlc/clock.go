// Package hlc provides a hybrid logical clock. Brokers exchange clock readings in
// the Connect handshake, and the local reading seeds gtrid sequence counters so a
// restart never hands out a sequence a peer may still remember.
package hlc

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// LogicalBits is the width of the logical counter folded into a Sequence.
const LogicalBits = 16

// MaxLogical is the largest logical value before the clock waits for the next millisecond.
const MaxLogical = (1 << LogicalBits) - 1

// Clock implements a Hybrid Logical Clock
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64
	mu       sync.Mutex
}

// Timestamp is one clock reading
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// NodeIDFromUID hashes a broker UID into a clock node id.
func NodeIDFromUID(uid string) uint64 {
	return xxhash.Sum64String(uid)
}

// NewClock creates a new HLC instance
func NewClock(nodeID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: now,
		lastMS:   now / 1_000_000,
	}
}

// Now generates a new timestamp for a local event
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}
	if ms := c.wallTime / 1_000_000; ms > c.lastMS {
		c.lastMS = ms
		c.logical = 0
	}
	c.waitOverflow()
	c.logical++
	return c.reading()
}

// Update merges a timestamp received from a peer and returns the new local reading.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	maxWall := c.wallTime
	if remote.WallTime > maxWall {
		maxWall = remote.WallTime
	}
	if physicalNow > maxWall {
		maxWall = physicalNow
	}

	switch {
	case maxWall == c.wallTime && maxWall == remote.WallTime:
		if remote.Logical > c.logical {
			c.logical = remote.Logical + 1
		} else {
			c.logical++
		}
	case maxWall == remote.WallTime:
		c.logical = remote.Logical + 1
	case maxWall == physicalNow && maxWall/1_000_000 > c.lastMS:
		c.logical = 0
	default:
		c.logical++
	}

	c.wallTime = maxWall
	c.lastMS = maxWall / 1_000_000
	c.waitOverflow()
	return c.reading()
}

// waitOverflow spins into the next millisecond once the logical counter is exhausted.
// Caller holds c.mu.
func (c *Clock) waitOverflow() {
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		if nowMS := now / 1_000_000; nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
		}
	}
}

func (c *Clock) reading() Timestamp {
	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime != b.WallTime:
		return cmp(a.WallTime < b.WallTime)
	case a.Logical != b.Logical:
		return cmp(a.Logical < b.Logical)
	case a.NodeID != b.NodeID:
		return cmp(a.NodeID < b.NodeID)
	}
	return 0
}

func cmp(less bool) int {
	if less {
		return -1
	}
	return 1
}

// After returns true if a happened after b
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// PhysicalTime returns the physical time component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// Sequence folds the reading into a monotonically increasing counter value:
// (physical_ms << 16) | logical.
func (t Timestamp) Sequence() uint64 {
	return uint64(t.WallTime/1_000_000)<<LogicalBits | uint64(t.Logical)&MaxLogical
}
