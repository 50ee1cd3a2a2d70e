package hlc

import (
	"testing"
	"time"
)

func TestClock_MonotonicIncrement(t *testing.T) {
	clock := NewClock(1)

	timestamps := make([]Timestamp, 100)
	for i := range timestamps {
		timestamps[i] = clock.Now()
	}

	for i := 1; i < len(timestamps); i++ {
		if !After(timestamps[i], timestamps[i-1]) {
			t.Errorf("Timestamp %d not after %d", i, i-1)
		}
		if timestamps[i].Sequence() <= timestamps[i-1].Sequence() {
			t.Errorf("Sequence %d not above %d", i, i-1)
		}
	}
}

func TestClock_Update(t *testing.T) {
	clock1 := NewClock(1)
	clock2 := NewClock(2)

	ts1 := clock1.Now()
	ts2 := clock2.Update(ts1)

	if !After(ts2, ts1) {
		t.Error("Updated timestamp should be after received timestamp")
	}
	if ts2.NodeID != 2 {
		t.Errorf("Node ID should be 2, got %d", ts2.NodeID)
	}
}

func TestClock_UpdateFromFuture(t *testing.T) {
	clock := NewClock(1)
	ts1 := clock.Now()

	future := Timestamp{
		WallTime: ts1.WallTime + int64(time.Second),
		Logical:  5,
		NodeID:   2,
	}
	ts2 := clock.Update(future)

	if ts2.WallTime != future.WallTime {
		t.Errorf("Expected wall time %d, got %d", future.WallTime, ts2.WallTime)
	}
	if ts2.Logical != future.Logical+1 {
		t.Errorf("Expected logical %d, got %d", future.Logical+1, ts2.Logical)
	}

	// Local readings stay ahead of the peer.
	if ts3 := clock.Now(); !After(ts3, future) {
		t.Error("Now after Update should be after the remote timestamp")
	}
}

func TestCompare(t *testing.T) {
	a := Timestamp{WallTime: 10, Logical: 1, NodeID: 1}
	tests := []struct {
		b    Timestamp
		want int
	}{
		{Timestamp{WallTime: 11}, -1},
		{Timestamp{WallTime: 9, Logical: 9}, 1},
		{Timestamp{WallTime: 10, Logical: 2}, -1},
		{Timestamp{WallTime: 10, Logical: 1, NodeID: 0}, 1},
		{a, 0},
	}
	for _, tt := range tests {
		if got := Compare(a, tt.b); got != tt.want {
			t.Errorf("Compare(%v, %v) = %d, want %d", a, tt.b, got, tt.want)
		}
	}
}

func TestNodeIDFromUID(t *testing.T) {
	if NodeIDFromUID("brokerA") == NodeIDFromUID("brokerB") {
		t.Error("distinct UIDs should hash to distinct node ids")
	}
	if NodeIDFromUID("brokerA") != NodeIDFromUID("brokerA") {
		t.Error("hash must be stable")
	}
}
