package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_ReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := New(Config{WaitTime: 10 * time.Millisecond})

	id, err := q.Send(ctx, []byte("one"))
	require.NoError(t, err)

	got, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].MessageID)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, []byte("one"), got[0].Body)

	// in flight, so invisible
	again, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Ack(ctx, got[0]))
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Ack(ctx, got[0]), ErrStaleReceipt)
}

func TestQueue_AbandonRedelivers(t *testing.T) {
	ctx := context.Background()
	q := New(Config{WaitTime: 10 * time.Millisecond})
	_, err := q.Send(ctx, []byte("retry me"))
	require.NoError(t, err)

	first, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, q.Abandon(ctx, first[0]))

	second, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Attempt)
	assert.NotEqual(t, first[0].ReceiptHandle, second[0].ReceiptHandle)

	// the first receipt no longer identifies the delivery
	assert.ErrorIs(t, q.Ack(ctx, first[0]), ErrStaleReceipt)
	require.NoError(t, q.Ack(ctx, second[0]))
}

func TestQueue_VisibilityTimeoutLapses(t *testing.T) {
	ctx := context.Background()
	q := New(Config{VisibilityTimeout: 20 * time.Millisecond, WaitTime: 200 * time.Millisecond})
	_, err := q.Send(ctx, []byte("slow"))
	require.NoError(t, err)

	first, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// never acked; Receive waits for the visibility timeout and redelivers
	second, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Attempt)
}

func TestQueue_DeadLetter(t *testing.T) {
	ctx := context.Background()
	q := New(Config{WaitTime: 10 * time.Millisecond})
	_, err := q.Send(ctx, []byte("poison"))
	require.NoError(t, err)

	got, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, q.DeadLetter(ctx, got[0], "too many attempts"))
	assert.Equal(t, 0, q.Len())

	dead := q.Dead()
	require.Len(t, dead, 1)
	assert.Equal(t, []byte("poison"), dead[0].Body)
	assert.Equal(t, "too many attempts", dead[0].Reason)
	assert.Equal(t, 1, dead[0].Attempt)
}

func TestQueue_ReceiveWakesOnSend(t *testing.T) {
	ctx := context.Background()
	q := New(Config{WaitTime: 5 * time.Second})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Send(ctx, []byte("late"))
	}()

	start := time.Now()
	got, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestQueue_ReceiveHonoursContext(t *testing.T) {
	q := New(Config{WaitTime: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Close(t *testing.T) {
	q := New(Config{})
	require.NoError(t, q.Close())

	_, err := q.Receive(context.Background(), 1)
	assert.Error(t, err)
	_, err = q.Send(context.Background(), []byte("x"))
	assert.Error(t, err)
}
