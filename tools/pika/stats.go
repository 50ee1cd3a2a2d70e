package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks run statistics using atomic operations.
type Stats struct {
	sent     uint64
	errors   uint64
	retries  uint64
	rejected uint64 // 4xx answers, never retried

	// Latency tracking (microseconds)
	mu        sync.Mutex
	latencies []int64
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		latencies: make([]int64, 0, 100000),
	}
}

// RecordSend records an accepted message.
func (s *Stats) RecordSend(latency time.Duration) {
	atomic.AddUint64(&s.sent, 1)

	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// RecordError records a message that could not be queued.
func (s *Stats) RecordError(rejected bool) {
	atomic.AddUint64(&s.errors, 1)
	if rejected {
		atomic.AddUint64(&s.rejected, 1)
	}
}

// RecordRetry records a retry attempt.
func (s *Stats) RecordRetry() {
	atomic.AddUint64(&s.retries, 1)
}

// Sent returns accepted messages.
func (s *Stats) Sent() uint64 {
	return atomic.LoadUint64(&s.sent)
}

// GetLatencyPercentiles returns p50, p90, p95, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p95, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	return sorted[n*50/100], sorted[n*90/100], sorted[n*95/100], sorted[n*99/100]
}

// Snapshot is a copy of current counters.
type Snapshot struct {
	Sent    uint64
	Errors  uint64
	Retries uint64
}

// GetSnapshot returns current stats snapshot.
func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Sent:    atomic.LoadUint64(&s.sent),
		Errors:  atomic.LoadUint64(&s.errors),
		Retries: atomic.LoadUint64(&s.retries),
	}
}

// PrintFinal prints final statistics.
func (s *Stats) PrintFinal(elapsed time.Duration) {
	snap := s.GetSnapshot()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:    %.2f msgs/sec\n", float64(snap.Sent)/elapsed.Seconds())
	fmt.Printf("Queued:        %d\n", snap.Sent)
	if snap.Errors > 0 || snap.Retries > 0 {
		fmt.Printf("Errors:        %d (%d rejected)\n", snap.Errors, atomic.LoadUint64(&s.rejected))
		fmt.Printf("Retries:       %d\n", snap.Retries)
	}
	fmt.Println()

	p50, p90, p95, p99 := s.GetLatencyPercentiles()
	fmt.Println("Enqueue latency (microseconds):")
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P95:   %d\n", p95)
	fmt.Printf("  P99:   %d\n", p99)
}
