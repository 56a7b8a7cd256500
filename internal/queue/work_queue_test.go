package queue

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/scriba/internal/models"
)

// openTestBadger opens a raw Badger instance in a temp directory.
func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()

	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWorkQueuePushReceiveAck(t *testing.T) {
	db := openTestBadger(t)
	q, err := NewWorkQueue(db, "test", time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrQueueEmpty)

	require.NoError(t, q.Push(ctx, Task{JobID: "job-1", EnqueuedAt: time.Now()}))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	delivery, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", delivery.Task.JobID)
	assert.Equal(t, 1, delivery.ReceiveCount)

	// In flight: invisible to other receivers but still counted
	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrQueueEmpty)
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	require.NoError(t, delivery.Ack())

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	// Ack after delete is a no-op
	require.NoError(t, delivery.Ack())
}

func TestWorkQueueFIFO(t *testing.T) {
	db := openTestBadger(t)
	q, err := NewWorkQueue(db, "test", time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, Task{JobID: id, EnqueuedAt: time.Now()}))
		// Distinct enqueue nanos keep the visibility index ordered
		time.Sleep(2 * time.Millisecond)
	}

	var got []string
	for i := 0; i < 3; i++ {
		delivery, err := q.Receive(ctx)
		require.NoError(t, err)
		got = append(got, delivery.Task.JobID)
		require.NoError(t, delivery.Ack())
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestWorkQueueNackRedelivers(t *testing.T) {
	db := openTestBadger(t)
	q, err := NewWorkQueue(db, "test", time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, Task{JobID: "retry-me", EnqueuedAt: time.Now()}))

	delivery, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, delivery.Nack(50*time.Millisecond))

	// Not visible until the delay passes
	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrQueueEmpty)

	time.Sleep(80 * time.Millisecond)

	redelivered, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "retry-me", redelivered.Task.JobID)
	assert.Equal(t, 2, redelivered.ReceiveCount)
	require.NoError(t, redelivered.Ack())
}

func TestWorkQueueVisibilityTimeout(t *testing.T) {
	db := openTestBadger(t)
	q, err := NewWorkQueue(db, "test", 100*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, Task{JobID: "crashed", EnqueuedAt: time.Now()}))

	// Receive and never settle, simulating a worker crash
	_, err = q.Receive(ctx)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	redelivered, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "crashed", redelivered.Task.JobID)
	assert.Equal(t, 2, redelivered.ReceiveCount)
}

func TestWorkQueueReceiveWait(t *testing.T) {
	db := openTestBadger(t)
	q, err := NewWorkQueue(db, "test", time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	start := time.Now()
	_, err = q.ReceiveWait(ctx, 120*time.Millisecond, 20*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrQueueEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)

	// A task pushed mid-wait is picked up
	go func() {
		time.Sleep(50 * time.Millisecond)
		q.Push(ctx, Task{JobID: "late", EnqueuedAt: time.Now()})
	}()

	delivery, err := q.ReceiveWait(ctx, time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "late", delivery.Task.JobID)
}

func TestWorkQueueCancelledContext(t *testing.T) {
	db := openTestBadger(t)
	q, err := NewWorkQueue(db, "test", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = q.ReceiveWait(ctx, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}
