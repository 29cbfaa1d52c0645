package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"anonstream/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqFrame(seq uint64) *domain.Frame {
	f := solidFrame(2, 2, domain.LayoutGray8, byte(seq))
	f.Sequence = seq
	return f
}

func TestFrameQueue_DropOldestKeepsMostRecent(t *testing.T) {
	q := NewFrameQueue(10)
	ctx := context.Background()

	drops := 0
	for seq := uint64(1); seq <= 15; seq++ {
		evicted, err := q.Push(ctx, seqFrame(seq), domain.AdmissionDropOldest, time.Second)
		require.NoError(t, err)
		if evicted != nil {
			drops++
			assert.Equal(t, uint64(drops), evicted.Sequence, "oldest frame is evicted first")
		}
		assert.LessOrEqual(t, q.Len(), 10)
	}

	assert.Equal(t, 5, drops)
	for want := uint64(6); want <= 15; want++ {
		f, ok := q.Pop(10 * time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, want, f.Sequence)
	}
	_, ok := q.Pop(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestFrameQueue_BlockingTimesOut(t *testing.T) {
	q := NewFrameQueue(1)
	ctx := context.Background()

	_, err := q.Push(ctx, seqFrame(1), domain.AdmissionBlocking, time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = q.Push(ctx, seqFrame(2), domain.AdmissionBlocking, 50*time.Millisecond)

	assert.ErrorIs(t, err, domain.ErrQueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, q.Len())
}

func TestFrameQueue_BlockingResumesWhenConsumerPops(t *testing.T) {
	q := NewFrameQueue(1)
	ctx := context.Background()
	_, err := q.Push(ctx, seqFrame(1), domain.AdmissionBlocking, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.Push(ctx, seqFrame(2), domain.AdmissionBlocking, 2*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	f, ok := q.Pop(time.Second)
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Sequence)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not released")
	}
	f, ok = q.Pop(time.Second)
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Sequence)
}

func TestFrameQueue_CloseReleasesBlockedProducer(t *testing.T) {
	q := NewFrameQueue(1)
	ctx := context.Background()
	_, err := q.Push(ctx, seqFrame(1), domain.AdmissionBlocking, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.Push(ctx, seqFrame(2), domain.AdmissionBlocking, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("close did not wake producer")
	}

	_, err = q.Push(ctx, seqFrame(3), domain.AdmissionDropOldest, time.Second)
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
}

func TestFrameQueue_ContextCancelReleasesBlockedProducer(t *testing.T) {
	q := NewFrameQueue(1)
	_, err := q.Push(context.Background(), seqFrame(1), domain.AdmissionBlocking, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = q.Push(ctx, seqFrame(2), domain.AdmissionBlocking, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFrameQueue_PopTimesOutWhenEmpty(t *testing.T) {
	q := NewFrameQueue(2)

	start := time.Now()
	_, ok := q.Pop(30 * time.Millisecond)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestFrameQueue_DrainAndHighWater(t *testing.T) {
	q := NewFrameQueue(4)
	for seq := uint64(1); seq <= 3; seq++ {
		_, err := q.Push(context.Background(), seqFrame(seq), domain.AdmissionDropOldest, time.Second)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, q.HighWater())
	assert.Equal(t, 3, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 3, q.HighWater())
}

func TestFrameQueue_CapacityInvariantUnderConcurrency(t *testing.T) {
	q := NewFrameQueue(5)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(1); seq <= 500; seq++ {
			mode := domain.AdmissionDropOldest
			if seq%3 == 0 {
				mode = domain.AdmissionBlocking
			}
			_, _ = q.Push(ctx, seqFrame(seq), mode, 10*time.Millisecond)
		}
	}()

	var last uint64
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("consumer did not finish")
		default:
		}
		assert.LessOrEqual(t, q.Len(), q.Cap())
		f, ok := q.Pop(20 * time.Millisecond)
		if !ok {
			break
		}
		assert.Greater(t, f.Sequence, last, "frames must leave in submission order")
		last = f.Sequence
	}
	wg.Wait()
	assert.LessOrEqual(t, q.HighWater(), 5)
}
