package forwarder

import (
	"time"

	"github.com/maxpert/forwarder/telemetry"
)

// txnMetrics records the timing and outcome of one engine step on a global transaction.
type txnMetrics struct {
	phase     string // "create", "prepare", "commit", "rollback", "forget", "consume"
	startTime time.Time
}

func newTxnMetrics(phase string) txnMetrics {
	return txnMetrics{phase: phase, startTime: time.Now()}
}

// done records the outcome and passes err through.
func (m txnMetrics) done(err error) error {
	result := "success"
	if err != nil {
		result = "failed"
	}
	telemetry.XATotal.With(m.phase, result).Inc()

	switch m.phase {
	case "prepare":
		telemetry.PrepareSeconds.Observe(time.Since(m.startTime).Seconds())
	case "commit":
		telemetry.CommitSeconds.Observe(time.Since(m.startTime).Seconds())
	}
	return err
}
