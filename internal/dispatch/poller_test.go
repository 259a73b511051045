package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodcitizen/dispatch2/internal/config"
)

func pollerForTest(cfg config.Dispatch, stopc chan struct{}) (*Poller, *WorkQueue, *PendingSet) {
	queue := NewWorkQueue()
	queue.AddProducer()
	pending := NewPendingSet(64)
	p := NewPoller(cfg, nil, queue, pending, stopc, nil)
	return p, queue, pending
}

func fastDispatchCfg() config.Dispatch {
	return config.Dispatch{
		PollInterval:        time.Millisecond,
		EndSubmissionPeriod: 23,
		HighWaterMark:       100,
		BatchSize:           10000,
	}
}

func TestPollerEnqueuesInFetchOrder(t *testing.T) {
	stopc := make(chan struct{})
	p, queue, _ := pollerForTest(fastDispatchCfg(), stopc)

	var calls int32
	p.fetch = func(ctx context.Context) ([]int64, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// ids come back ordered by created ASC
			return []int64{3, 1, 2}, nil
		}
		close(stopc)
		return nil, nil
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	<-done

	// FIFO within the cycle follows the fetch order
	var got []int64
	for {
		id, ok := queue.Consume()
		if !ok {
			break
		}
		got = append(got, id)
	}
	assert.Equal(t, []int64{3, 1, 2}, got)
}

func TestPollerNeverEnqueuesPendingTwice(t *testing.T) {
	stopc := make(chan struct{})
	p, queue, pending := pollerForTest(fastDispatchCfg(), stopc)

	var calls int32
	p.fetch = func(ctx context.Context) ([]int64, error) {
		// the same ready rows show up in three consecutive cycles
		if atomic.AddInt32(&calls, 1) <= 3 {
			return []int64{10, 20}, nil
		}
		close(stopc)
		return nil, nil
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	<-done

	assert.Equal(t, 2, queue.Len(), "repeated cycles must not re-enqueue pending ids")
	assert.Equal(t, 2, pending.Len())
}

func TestPollerBackpressureSkipsQueryButKeepsRunning(t *testing.T) {
	cfg := fastDispatchCfg()
	cfg.HighWaterMark = 3
	stopc := make(chan struct{})
	p, queue, _ := pollerForTest(cfg, stopc)

	// preload the queue beyond the high-water mark
	for i := int64(100); i < 105; i++ {
		queue.Produce(i)
	}

	var fetches int32
	p.fetch = func(ctx context.Context) ([]int64, error) {
		atomic.AddInt32(&fetches, 1)
		return nil, nil
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	// several intervals pass under backpressure with no eligibility query
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fetches))

	select {
	case <-done:
		t.Fatal("poller exited under backpressure; it must only pause")
	default:
	}

	// draining below the mark resumes fetching
	for queue.Len() > 0 {
		queue.Consume()
	}
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fetches) > 0
	}, time.Second, time.Millisecond, "poller did not resume after backpressure cleared")

	close(stopc)
	<-done
}

func TestPollerOutOfWindowPerformsNoFetch(t *testing.T) {
	cfg := fastDispatchCfg()
	cfg.StartSubmissionPeriod = 1
	cfg.EndSubmissionPeriod = 2
	stopc := make(chan struct{})
	p, _, _ := pollerForTest(cfg, stopc)

	p.now = func() time.Time {
		return time.Date(2024, 6, 1, 4, 0, 0, 0, time.Local) // outside [1,2]
	}

	var fetches int32
	p.fetch = func(ctx context.Context) ([]int64, error) {
		atomic.AddInt32(&fetches, 1)
		return nil, nil
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fetches), "no eligibility query outside the window")

	close(stopc)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop while out of window")
	}
}

func TestPollerStopsProducingOnStop(t *testing.T) {
	stopc := make(chan struct{})
	p, queue, _ := pollerForTest(fastDispatchCfg(), stopc)
	p.fetch = func(ctx context.Context) ([]int64, error) { return nil, nil }

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	close(stopc)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not exit on stop signal")
	}

	// with the sole producer gone, consumers see closure
	assert.True(t, queue.Drained())
}

func TestPollerExitsAfterRepeatedStoreFailure(t *testing.T) {
	stopc := make(chan struct{})
	defer close(stopc)
	p, queue, _ := pollerForTest(fastDispatchCfg(), stopc)

	p.fetch = func(ctx context.Context) ([]int64, error) {
		return nil, errors.New("connection refused")
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	// one heal attempt is allowed, the second consecutive failure is fatal
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller kept running with a dead store connection")
	}
	assert.True(t, queue.Drained())
}

func TestPollerRecoversFromSingleFailure(t *testing.T) {
	stopc := make(chan struct{})
	p, queue, _ := pollerForTest(fastDispatchCfg(), stopc)

	var calls int32
	p.fetch = func(ctx context.Context) ([]int64, error) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			return nil, errors.New("transient hiccup")
		case 2:
			return []int64{42}, nil
		default:
			close(stopc)
			return nil, nil
		}
	}

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	<-done

	id, ok := queue.Consume()
	require.True(t, ok, "poller should have recovered and enqueued")
	assert.Equal(t, int64(42), id)
}
