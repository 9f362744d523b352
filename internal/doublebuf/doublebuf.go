// Package doublebuf lets one writer publish fixed-size records to a fixed
// number of concurrent readers without any reader seeing a torn record.
//
// A single counting semaphore with N units is the only synchronization. A
// reader holds one unit for the duration of its copy, so up to N readers copy
// in parallel. The writer takes all N units before it touches anything: that
// drains every in-flight read and keeps new ones out while the inactive slot is
// filled and the active index is flipped.
//
// The semaphore is FIFO. Once the writer is queued for its drain, readers that
// arrive later wait behind it, so a steady stream of overlapping reads cannot
// starve the writer. A reader that never returns still can; PublishContext
// bounds that wait.
package doublebuf

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/semaphore"
)

var (
	ErrSizeMismatch      = errors.New("[doublebuf] buffer length does not match record size")
	ErrInvalidReaders    = errors.New("[doublebuf] reader count must be at least 1")
	ErrUnsupportedRecord = errors.New("[doublebuf] record type must be a non-empty byte array")
)

// Buffer is a double buffer for the record type R. R must be a byte array
// (for example `type Accel [6]byte`); New rejects anything else.
type Buffer[R any] struct {
	sem     *semaphore.Weighted
	readers int64
	size    int

	// guarded by sem: written only while all units are held
	active int
	slots  [2]R

	gen atomic.Uint64

	// observe is called around every slot copy. nil outside of tests.
	observe func(writer, entering bool)
}

// New builds a buffer provisioned for the given number of concurrent readers.
func New[R any](readers int) (*Buffer[R], error) {
	if readers < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidReaders, readers)
	}
	t := reflect.TypeOf((*R)(nil)).Elem()
	if t.Kind() != reflect.Array || t.Elem().Kind() != reflect.Uint8 || t.Len() == 0 {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedRecord, t)
	}

	return &Buffer[R]{
		sem:     semaphore.NewWeighted(int64(readers)),
		readers: int64(readers),
		size:    int(t.Size()),
	}, nil
}

func MustNew[R any](readers int) *Buffer[R] {
	b, err := New[R](readers)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Buffer[R]) Readers() int { return int(b.readers) }

// Size is the only length Fetch accepts.
func (b *Buffer[R]) Size() int { return b.size }

// Generation counts completed publishes. Zero means nothing was published yet
// and reads return the zero record.
func (b *Buffer[R]) Generation() uint64 { return b.gen.Load() }

// Fetch copies the most recently published record into dst. It returns false
// without locking or touching dst when len(dst) != Size().
func (b *Buffer[R]) Fetch(dst []byte) bool {
	return b.FetchContext(context.Background(), dst) == nil
}

// FetchContext is Fetch with the wait for a running publish bounded by ctx.
// dst is left untouched whenever an error is returned.
func (b *Buffer[R]) FetchContext(ctx context.Context, dst []byte) error {
	if len(dst) != b.size {
		return ErrSizeMismatch
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.sem.Release(1)

	b.trace(false, true)
	copy(dst, bytesOf(&b.slots[b.active], b.size))
	b.trace(false, false)
	return nil
}

// Load returns a copy of the most recently published record.
func (b *Buffer[R]) Load() R {
	_ = b.sem.Acquire(context.Background(), 1)
	defer b.sem.Release(1)

	b.trace(false, true)
	r := b.slots[b.active]
	b.trace(false, false)
	return r
}

// Publish makes r the record readers see. It blocks until every in-flight
// read has finished.
func (b *Buffer[R]) Publish(r R) {
	_ = b.PublishContext(context.Background(), r)
}

// PublishContext is Publish with the drain bounded by ctx. On error nothing
// was written and no units are held.
func (b *Buffer[R]) PublishContext(ctx context.Context, r R) error {
	if err := b.sem.Acquire(ctx, b.readers); err != nil {
		return err
	}
	defer b.sem.Release(b.readers)

	next := 1 - b.active
	b.trace(true, true)
	b.slots[next] = r
	b.trace(true, false)
	b.active = next
	b.gen.Add(1)
	return nil
}

func (b *Buffer[R]) trace(writer, entering bool) {
	if b.observe != nil {
		b.observe(writer, entering)
	}
}

// R is a verified byte array, so its memory is exactly size bytes with no
// padding or pointers.
func bytesOf[R any](r *R, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r)), size)
}
