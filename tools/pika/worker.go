package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// messageRequest mirrors the admin API enqueue body.
type messageRequest struct {
	Destination string                 `json:"destination"`
	Body        string                 `json:"body"`
	Reliable    bool                   `json:"reliable"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
}

// statusError is a non-2xx admin answer.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("admin returned %d: %s", e.code, e.msg)
}

func (e *statusError) retryable() bool {
	return e.code >= 500
}

// Worker enqueues messages through the admin API of the source broker.
type Worker struct {
	id     int
	cfg    *Config
	stats  *Stats
	client *http.Client
	next   *atomic.Int64
	body   string
}

func newWorker(id int, cfg *Config, stats *Stats, client *http.Client, next *atomic.Int64) *Worker {
	return &Worker{
		id:     id,
		cfg:    cfg,
		stats:  stats,
		client: client,
		next:   next,
		body:   strings.Repeat("x", cfg.BodySize),
	}
}

// Run sends until the message budget is used up or ctx ends.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		n := w.next.Add(1)
		if w.cfg.Messages > 0 && n > int64(w.cfg.Messages) {
			return
		}

		start := time.Now()
		if err := w.sendWithRetry(ctx, n); err != nil {
			if ctx.Err() != nil {
				return
			}
			se, ok := err.(*statusError)
			w.stats.RecordError(ok && !se.retryable())
			continue
		}
		w.stats.RecordSend(time.Since(start))
	}
}

func (w *Worker) sendWithRetry(ctx context.Context, n int64) error {
	backoff := 10 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := w.send(ctx, n)
		if err == nil {
			return nil
		}
		if se, ok := err.(*statusError); ok && !se.retryable() {
			return err
		}
		if !w.cfg.Retry || attempt >= w.cfg.MaxRetries {
			return err
		}

		w.stats.RecordRetry()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (w *Worker) send(ctx context.Context, n int64) error {
	payload, err := json.Marshal(messageRequest{
		Destination: w.cfg.Destination,
		Body:        fmt.Sprintf("pika-%d-%d:%s", w.id, n, w.body),
		Reliable:    w.cfg.Reliable,
		Properties:  map[string]interface{}{"worker": fmt.Sprint(w.id)},
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/channels/%s/messages", w.cfg.Admin, url.PathEscape(w.cfg.Peer))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &statusError{code: resp.StatusCode, msg: readError(resp.Body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func readError(r io.Reader) string {
	var out struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(data, &out) == nil && out.Error != "" {
		return out.Error
	}
	return strings.TrimSpace(string(data))
}

// executeRun runs every worker to completion and returns the stats.
func executeRun(ctx context.Context, cfg *Config, client *http.Client, progress bool) *Stats {
	stats := NewStats()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	if progress {
		go reportProgress(reportCtx, stats)
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			newWorker(id, cfg, stats, client, &next).Run(ctx)
		}(i)
	}
	wg.Wait()
	return stats
}
