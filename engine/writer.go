package engine

import (
	"sync"

	"github.com/cockroachdb/pebble"
)

const (
	groupMaxOps     = 128
	groupChannelCap = 1024
)

type durableOp struct {
	batch  *pebble.Batch
	finish func(err error)
}

// groupWriter commits staged batches with a synced WAL write, folding whatever is
// queued into one commit. Ops finish in submission order.
type groupWriter struct {
	db   *pebble.DB
	ops  chan *durableOp
	stop chan struct{}
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newGroupWriter(db *pebble.DB) *groupWriter {
	w := &groupWriter{
		db:   db,
		ops:  make(chan *durableOp, groupChannelCap),
		stop: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// submit queues op. It returns false once the writer is closed.
func (w *groupWriter) submit(op *durableOp) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	w.ops <- op
	return true
}

func (w *groupWriter) run() {
	defer w.wg.Done()

	group := make([]*durableOp, 0, groupMaxOps)
	for {
		select {
		case op := <-w.ops:
			group = append(group[:0], op)
		collect:
			for len(group) < groupMaxOps {
				select {
				case next := <-w.ops:
					group = append(group, next)
				default:
					break collect
				}
			}
			w.flush(group)

		case <-w.stop:
			for {
				select {
				case op := <-w.ops:
					w.flush([]*durableOp{op})
				default:
					return
				}
			}
		}
	}
}

func (w *groupWriter) flush(group []*durableOp) {
	combined := w.db.NewBatch()
	defer combined.Close()

	applied := make([]bool, len(group))
	for i, op := range group {
		if err := combined.Apply(op.batch, nil); err != nil {
			op.finish(err)
		} else {
			applied[i] = true
		}
		op.batch.Close()
	}

	err := combined.Commit(pebble.Sync)
	for i, op := range group {
		if applied[i] {
			op.finish(err)
		}
	}
}

func (w *groupWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.stop)
	w.mu.Unlock()
	w.wg.Wait()
}
