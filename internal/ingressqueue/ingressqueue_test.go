package ingressqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverviewauto/daqagent/internal/ingressqueue"
	"github.com/riverviewauto/daqagent/internal/sample"
)

func sampleFor(nodeID string) sample.Sample {
	return sample.Sample{ServerID: "s1", NodeID: nodeID, Value: sample.Int64Value(1)}
}

func TestQueue_PublishAndTryPop_PreservesOrder(t *testing.T) {
	q := ingressqueue.New(3)
	q.Publish(sampleFor("a"))
	q.Publish(sampleFor("b"))

	s, ok := q.TryPop()
	require.True(t, ok)
	require.Equal(t, "a", s.NodeID)

	s, ok = q.TryPop()
	require.True(t, ok)
	require.Equal(t, "b", s.NodeID)

	_, ok = q.TryPop()
	require.False(t, ok)
}

func TestQueue_OverflowEvictsOldestAndIncrementsDropped(t *testing.T) {
	q := ingressqueue.New(3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		q.Publish(sampleFor(id))
	}

	require.Equal(t, 3, q.Depth())
	require.Equal(t, uint64(2), q.Dropped())

	var got []string
	for {
		s, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, s.NodeID)
	}
	require.Equal(t, []string{"c", "d", "e"}, got)
}

func TestQueue_DepthNeverExceedsCapacity(t *testing.T) {
	q := ingressqueue.New(4)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Publish(sampleFor("x"))
				require.LessOrEqual(t, q.Depth(), 4)
			}
		}(w)
	}
	wg.Wait()
	require.LessOrEqual(t, q.Depth(), 4)
	require.Equal(t, uint64(400), q.TotalEnqueued())
}

func TestQueue_WaitNonEmpty_UnblocksOnPublish(t *testing.T) {
	q := ingressqueue.New(4)
	done := make(chan bool, 1)
	go func() {
		done <- q.WaitNonEmpty(context.Background(), 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Publish(sampleFor("a"))

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitNonEmpty did not unblock on publish")
	}
}

func TestQueue_WaitNonEmpty_TimesOutWhenEmpty(t *testing.T) {
	q := ingressqueue.New(4)
	ok := q.WaitNonEmpty(context.Background(), 30*time.Millisecond)
	require.False(t, ok)
}

func TestQueue_WaitNonEmpty_RespectsCancellation(t *testing.T) {
	q := ingressqueue.New(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		done <- q.WaitNonEmpty(ctx, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitNonEmpty did not respect cancellation")
	}
}

func TestQueue_Close_UnblocksWaitersAndSilencesPublish(t *testing.T) {
	q := ingressqueue.New(4)
	done := make(chan bool, 1)
	go func() {
		done <- q.WaitNonEmpty(context.Background(), 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock waiter")
	}

	q.Publish(sampleFor("a"))
	require.Equal(t, 0, q.Depth())
}
