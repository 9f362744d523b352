package doublebuf

import (
	"bytes"
	"context"
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type accel [6]byte

type wide [64]byte

func fill(v byte) wide {
	var w wide
	for i := range w {
		w[i] = v
	}
	return w
}

func TestNewRejects(t *testing.T) {
	_, err := New[accel](0)
	assert.ErrorIs(t, err, ErrInvalidReaders)
	_, err = New[accel](-3)
	assert.ErrorIs(t, err, ErrInvalidReaders)

	_, err = New[struct{ X int16 }](1)
	assert.ErrorIs(t, err, ErrUnsupportedRecord)
	_, err = New[[]byte](1)
	assert.ErrorIs(t, err, ErrUnsupportedRecord)
	_, err = New[[0]byte](1)
	assert.ErrorIs(t, err, ErrUnsupportedRecord)
	_, err = New[[3]uint16](1)
	assert.ErrorIs(t, err, ErrUnsupportedRecord)

	assert.Panics(t, func() { MustNew[accel](0) })
}

func TestAccelScenario(t *testing.T) {
	b, err := New[accel](1)
	require.NoError(t, err)
	assert.Equal(t, 6, b.Size())
	assert.Equal(t, 1, b.Readers())

	var rec accel
	binary.LittleEndian.PutUint16(rec[0:], uint16(100))
	binary.LittleEndian.PutUint16(rec[2:], uint16(0xffff-199)) // -200
	binary.LittleEndian.PutUint16(rec[4:], uint16(300))
	b.Publish(rec)

	out := make([]byte, 6)
	require.True(t, b.Fetch(out))
	assert.Equal(t, int16(100), int16(binary.LittleEndian.Uint16(out[0:])))
	assert.Equal(t, int16(-200), int16(binary.LittleEndian.Uint16(out[2:])))
	assert.Equal(t, int16(300), int16(binary.LittleEndian.Uint16(out[4:])))

	short := []byte{9, 9, 9, 9, 9}
	assert.False(t, b.Fetch(short))
	assert.Equal(t, []byte{9, 9, 9, 9, 9}, short)
}

func TestZeroBeforePublish(t *testing.T) {
	b := MustNew[accel](2)
	assert.Equal(t, uint64(0), b.Generation())
	assert.Equal(t, accel{}, b.Load())
}

func TestRoundTripAndIdempotentRead(t *testing.T) {
	b := MustNew[wide](3)
	for i := 0; i < 5; i++ {
		want := fill(byte(i + 1))
		b.Publish(want)
		assert.Equal(t, uint64(i+1), b.Generation())

		first := make([]byte, 64)
		second := make([]byte, 64)
		require.True(t, b.Fetch(first))
		require.True(t, b.Fetch(second))
		assert.Equal(t, want[:], first)
		assert.Equal(t, first, second)
		assert.Equal(t, want, b.Load())
	}
}

func TestSizeMismatchNeverBlocks(t *testing.T) {
	b := MustNew[accel](2)
	b.Publish(accel{1, 2, 3, 4, 5, 6})

	// simulate a publish stuck in its drain: all units taken
	require.NoError(t, b.sem.Acquire(context.Background(), 2))
	defer b.sem.Release(2)

	for _, n := range []int{0, 1, 5, 7, 64} {
		dst := bytes.Repeat([]byte{0xee}, n)
		done := make(chan bool, 1)
		go func() { done <- b.Fetch(dst) }()
		select {
		case ok := <-done:
			assert.False(t, ok)
			assert.Equal(t, bytes.Repeat([]byte{0xee}, n), dst)
		case <-time.After(time.Second):
			t.Fatalf("fetch with length %d blocked", n)
		}
	}

	err := b.FetchContext(context.Background(), make([]byte, 5))
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestFetchContextWhileWriterHolds(t *testing.T) {
	b := MustNew[accel](1)
	require.NoError(t, b.sem.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	dst := []byte{7, 7, 7, 7, 7, 7}
	err := b.FetchContext(ctx, dst)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []byte{7, 7, 7, 7, 7, 7}, dst)

	b.sem.Release(1)
	require.NoError(t, b.FetchContext(context.Background(), dst))
	assert.Equal(t, make([]byte, 6), dst)
}

func TestPublishContextBoundsStuckReader(t *testing.T) {
	b := MustNew[accel](3)
	b.Publish(accel{1})

	// a reader that never gives its unit back
	require.NoError(t, b.sem.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.PublishContext(ctx, accel{2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), b.Generation())

	b.sem.Release(1)
	assert.Equal(t, accel{1}, b.Load(), "failed publish must not leak units or data")
	require.NoError(t, b.PublishContext(context.Background(), accel{2}))
	assert.Equal(t, accel{2}, b.Load())
}

func TestQueuedWriterHoldsOffNewReaders(t *testing.T) {
	b := MustNew[accel](2)
	require.NoError(t, b.sem.Acquire(context.Background(), 1))

	published := make(chan struct{})
	go func() {
		b.Publish(accel{9})
		close(published)
	}()
	time.Sleep(50 * time.Millisecond)

	// one unit is free, but the writer is first in line for it
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.FetchContext(ctx, make([]byte, 6)), context.DeadlineExceeded)

	b.sem.Release(1)
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("writer never finished after the reader released")
	}
	assert.Equal(t, accel{9}, b.Load())
}

// startReaders runs n goroutines calling fetch until ctx is done and returns
// once every one of them has completed at least one fetch.
func startReaders(ctx context.Context, n int, fetch func(dst []byte) bool) *sync.WaitGroup {
	var wg, ready sync.WaitGroup
	ready.Add(n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var once sync.Once
			defer once.Do(ready.Done)

			dst := make([]byte, 64)
			for ctx.Err() == nil {
				if !fetch(dst) {
					return
				}
				once.Do(ready.Done)
			}
		}()
	}
	ready.Wait()
	return &wg
}

// publishWhileReading keeps publishing until at least minPublishes went out
// and the readers completed minReads more reads in the meantime. It yields
// after each publish so readers get scheduled on a single CPU too.
func publishWhileReading(t *testing.T, b *Buffer[wide], minPublishes int, reads *atomic.Int64, minReads int64) uint64 {
	t.Helper()
	base := reads.Load()
	deadline := time.Now().Add(10 * time.Second)

	var published uint64
	for i := 0; i < minPublishes || reads.Load()-base < minReads; i++ {
		if time.Now().After(deadline) {
			t.Fatalf("readers only completed %d reads during %d publishes", reads.Load()-base, published)
		}
		b.Publish(fill(byte(i)))
		published++
		runtime.Gosched()
	}
	return published
}

func waitReaders(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("readers did not finish")
	}
}

func TestNoTornReads(t *testing.T) {
	const readers = 4
	b := MustNew[wide](readers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reads, torn atomic.Int64

	wg := startReaders(ctx, readers-1, func(dst []byte) bool {
		if !b.Fetch(dst) {
			t.Error("fetch with the record size failed")
			return false
		}
		for _, v := range dst[1:] {
			if v != dst[0] {
				torn.Add(1)
				t.Errorf("torn read: %v", dst)
				return false
			}
		}
		reads.Add(1)
		return true
	})

	published := publishWhileReading(t, b, 20000, &reads, 1000)
	cancel()
	waitReaders(t, wg)

	assert.Equal(t, published, b.Generation())
	assert.Zero(t, torn.Load())
	assert.GreaterOrEqual(t, reads.Load(), int64(1000))
}

func TestFetchSeesCompletedPublish(t *testing.T) {
	b := MustNew[wide](2)
	dst := make([]byte, 64)
	for i := 1; i <= 200; i++ {
		b.Publish(fill(byte(i)))
		require.True(t, b.Fetch(dst))
		require.Equal(t, byte(i), dst[0])
	}
}

func TestWriterExclusiveWithReaders(t *testing.T) {
	for _, readers := range []int{1, 2, 5} {
		b := MustNew[wide](readers)

		var inside, writing, peak atomic.Int32
		b.observe = func(writer, entering bool) {
			switch {
			case writer && entering:
				if inside.Load() != 0 {
					t.Errorf("writer entered with %d readers copying", inside.Load())
				}
				writing.Store(1)
			case writer:
				writing.Store(0)
			case entering:
				if writing.Load() != 0 {
					t.Error("reader entered during a write")
				}
				n := inside.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
			default:
				inside.Add(-1)
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		var reads atomic.Int64
		// more goroutines than units: the extra ones just queue
		wg := startReaders(ctx, readers+2, func(dst []byte) bool {
			if b.Fetch(dst) {
				reads.Add(1)
			}
			return true
		})
		require.Positive(t, peak.Load(), "every reader copied once before publishing")

		publishWhileReading(t, b, 2000, &reads, 100)
		cancel()
		waitReaders(t, wg)

		assert.LessOrEqual(t, peak.Load(), int32(readers))
		if readers == 1 {
			assert.Equal(t, int32(1), peak.Load(), "single unit means fully exclusive copies")
		}
	}
}
