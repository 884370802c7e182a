package scan

import (
	"context"
	"time"

	"github.com/eargollo/surveyor/internal/inventory"
)

// batchWriter buffers entries and writes them to the store every size
// entries or every interval, whichever comes first. A non-positive interval
// disables the time trigger.
type batchWriter struct {
	store    Store
	h        *inventory.Handle
	size     int
	interval time.Duration
	now      func() time.Time

	buf       []inventory.Entry
	lastFlush time.Time
	flushes   int

	// afterFlush, when set, runs after each successful flush.
	afterFlush func(flushes int)
}

func newBatchWriter(store Store, h *inventory.Handle, size int, interval time.Duration, now func() time.Time) *batchWriter {
	if size <= 0 {
		size = DefaultOptions().BatchSize
	}
	return &batchWriter{
		store:     store,
		h:         h,
		size:      size,
		interval:  interval,
		now:       now,
		buf:       make([]inventory.Entry, 0, size),
		lastFlush: now(),
	}
}

func (w *batchWriter) add(e inventory.Entry) error {
	w.buf = append(w.buf, e)
	if len(w.buf) >= w.size {
		return w.flush()
	}
	if w.interval > 0 && w.now().Sub(w.lastFlush) >= w.interval {
		return w.flush()
	}
	return nil
}

// flush writes the buffer as one transaction. It uses Background so that
// a cancelled scan still persists what it has buffered.
func (w *batchWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if err := w.store.UpsertBatch(context.Background(), w.h, w.buf); err != nil {
		return &PersistenceError{Op: "upsert batch", Err: err}
	}
	w.buf = w.buf[:0]
	w.lastFlush = w.now()
	w.flushes++
	if w.afterFlush != nil {
		w.afterFlush(w.flushes)
	}
	return nil
}
