package storage

import "context"

// BatchWriter buffers items and flushes them in chunks sized to the backing
// store's batch limit. Flush order follows Add order. The writer is not
// safe for concurrent use; each job goroutine owns its own.
type BatchWriter[T any] struct {
	size  int
	buf   []T
	flush func(ctx context.Context, items []T) error

	flushed int
}

// NewBatchWriter creates a chunked writer. size must be positive.
func NewBatchWriter[T any](size int, flush func(ctx context.Context, items []T) error) *BatchWriter[T] {
	if size <= 0 {
		size = 100
	}
	return &BatchWriter[T]{
		size:  size,
		buf:   make([]T, 0, size),
		flush: flush,
	}
}

// Add buffers one item, flushing when the chunk is full.
func (w *BatchWriter[T]) Add(ctx context.Context, item T) error {
	w.buf = append(w.buf, item)
	if len(w.buf) >= w.size {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes any buffered items. Safe to call with an empty buffer.
func (w *BatchWriter[T]) Flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}

	if err := w.flush(ctx, w.buf); err != nil {
		return err
	}

	w.flushed += len(w.buf)
	w.buf = w.buf[:0]
	return nil
}

// Flushed returns the number of items written so far.
func (w *BatchWriter[T]) Flushed() int {
	return w.flushed
}
