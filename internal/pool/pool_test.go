package pool

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, n int) *Pool {
	t.Helper()
	p := New(nil)
	require.NoError(t, p.Initialize(n))
	t.Cleanup(p.Release)
	return p
}

func TestRoundCountsEveryItem(t *testing.T) {
	p := newPool(t, 4)

	var counter atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func() { counter.Add(1) }))
	}
	require.NoError(t, p.StartRound())
	require.NoError(t, p.WaitRound())

	assert.Equal(t, int32(10), counter.Load())
	assert.Equal(t, int64(10), p.Completed())
	assert.False(t, p.InFlight())
}

func TestBarrierAcrossSizes(t *testing.T) {
	for size := 1; size <= 6; size++ {
		for _, items := range []int{0, 1, 7, 40} {
			t.Run(fmt.Sprintf("size=%d/items=%d", size, items), func(t *testing.T) {
				p := newPool(t, size)

				var done atomic.Int32
				for i := 0; i < items; i++ {
					d := time.Duration(i%3) * time.Millisecond
					require.NoError(t, p.Submit(func() {
						time.Sleep(d)
						done.Add(1)
					}))
				}
				require.NoError(t, p.StartRound())
				require.NoError(t, p.WaitRound())
				assert.Equal(t, int32(items), done.Load())
			})
		}
	}
}

func TestNothingRunsBeforeStartRound(t *testing.T) {
	p := newPool(t, 2)

	var ran atomic.Bool
	require.NoError(t, p.Submit(func() { ran.Store(true) }))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())

	require.NoError(t, p.StartRound())
	require.NoError(t, p.WaitRound())
	assert.True(t, ran.Load())
}

func TestOneRoundInFlight(t *testing.T) {
	p := newPool(t, 1)

	assert.ErrorIs(t, p.WaitRound(), ErrNoRound)

	block := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-block }))
	require.NoError(t, p.StartRound())
	assert.ErrorIs(t, p.StartRound(), ErrRoundInFlight)

	close(block)
	require.NoError(t, p.WaitRound())
	require.NoError(t, p.StartRound())
	require.NoError(t, p.WaitRound())
}

func TestPanicDoesNotStopPool(t *testing.T) {
	p := newPool(t, 2)

	var ok atomic.Int32
	require.NoError(t, p.Submit(func() { panic("broken matcher") }))
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(func() { ok.Add(1) }))
	}
	require.NoError(t, p.StartRound())
	require.NoError(t, p.WaitRound())

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int64(1), p.Panics())
}

func TestReleaseWaitsForRound(t *testing.T) {
	p := New(nil)
	require.NoError(t, p.Initialize(2))

	var finished atomic.Bool
	require.NoError(t, p.Submit(func() {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	}))
	require.NoError(t, p.StartRound())

	p.Release()
	assert.True(t, finished.Load())
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
	assert.ErrorIs(t, p.StartRound(), ErrPoolClosed)
	p.Release()
}

func TestReleaseDropsUnstartedWork(t *testing.T) {
	p := New(nil)
	require.NoError(t, p.Initialize(1))

	var ran atomic.Bool
	require.NoError(t, p.Submit(func() { ran.Store(true) }))
	p.Release()
	assert.False(t, ran.Load())
}

func TestInitializeRejects(t *testing.T) {
	p := New(nil)
	assert.Error(t, p.Initialize(0))
	assert.ErrorIs(t, p.StartRound(), ErrNotInitialized)
	require.NoError(t, p.Initialize(1))
	assert.Error(t, p.Initialize(1))
	assert.Equal(t, 1, p.Size())
	p.Release()
}
