package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var last Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			fmt.Printf("[%5.0fs] msgs/sec: %6d | total: %8d | errors: %4d | retries: %4d | throughput: %.1f msgs/sec\n",
				elapsed.Seconds(),
				snap.Sent-last.Sent,
				snap.Sent,
				snap.Errors,
				snap.Retries,
				float64(snap.Sent)/elapsed.Seconds(),
			)
			last = snap
		}
	}
}
