package id

import (
	"sync"
	"testing"
)

func TestSequence_Monotonic(t *testing.T) {
	seq := NewSequence(10)

	var prev uint64 = 10
	for i := 0; i < 1000; i++ {
		n := seq.Next()
		if n <= prev {
			t.Fatalf("non-monotonic sequence at iteration %d: prev=%d, curr=%d", i, prev, n)
		}
		prev = n
	}
	if seq.Current() != prev {
		t.Fatalf("Current()=%d, want %d", seq.Current(), prev)
	}
}

func TestSequence_Concurrent(t *testing.T) {
	seq := NewSequence(0)

	const goroutines = 10
	const perGoroutine = 1000

	var wg sync.WaitGroup
	out := make(chan uint64, goroutines*perGoroutine)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				out <- seq.Next()
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[uint64]bool, goroutines*perGoroutine)
	for n := range out {
		if seen[n] {
			t.Fatalf("duplicate sequence %d", n)
		}
		seen[n] = true
	}
	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d sequences, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestSequence_SeedAbove(t *testing.T) {
	seq := NewSequence(5)

	seq.SeedAbove(100)
	if n := seq.Next(); n != 101 {
		t.Fatalf("expected 101 after seeding above 100, got %d", n)
	}

	// Lower floors never move the counter backwards.
	seq.SeedAbove(50)
	if n := seq.Next(); n != 102 {
		t.Fatalf("expected 102, got %d", n)
	}
}
