package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-resize/pkg/simpleresize"
	memoryqueue "github.com/tendant/simple-resize/pkg/simpleresize/queue/memory"
)

type handlerFunc func(ctx context.Context, d simpleresize.Delivery) simpleresize.Outcome

func (f handlerFunc) Handle(ctx context.Context, d simpleresize.Delivery) simpleresize.Outcome {
	return f(ctx, d)
}

func outcome(d simpleresize.Delivery, disp simpleresize.Disposition) simpleresize.Outcome {
	return simpleresize.Outcome{Delivery: d, Disposition: disp}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, handlerFunc(nil), Config{}, nil)
	assert.ErrorIs(t, err, simpleresize.ErrConfiguration)

	_, err = New(memoryqueue.New(memoryqueue.Config{}), nil, Config{}, nil)
	assert.ErrorIs(t, err, simpleresize.ErrConfiguration)
}

func TestRunner_Drain(t *testing.T) {
	ctx := context.Background()
	q := memoryqueue.New(memoryqueue.Config{WaitTime: 20 * time.Millisecond})
	for _, body := range []string{"ack", "retry", "dead"} {
		_, err := q.Send(ctx, []byte(body))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	attempts := map[string][]int{}
	h := handlerFunc(func(ctx context.Context, d simpleresize.Delivery) simpleresize.Outcome {
		mu.Lock()
		attempts[string(d.Body)] = append(attempts[string(d.Body)], d.Attempt)
		mu.Unlock()

		switch string(d.Body) {
		case "retry":
			if d.Attempt < 2 {
				return outcome(d, simpleresize.DispositionAbandon)
			}
			return outcome(d, simpleresize.DispositionAck)
		case "dead":
			o := outcome(d, simpleresize.DispositionDeadLetter)
			o.Reason = "poison"
			return o
		default:
			return outcome(d, simpleresize.DispositionAck)
		}
	})

	r, err := New(q, h, Config{Concurrency: 2}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Drain(ctx))

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []int{1}, attempts["ack"])
	assert.Equal(t, []int{1, 2}, attempts["retry"])
	require.Len(t, q.Dead(), 1)
	assert.Equal(t, "poison", q.Dead()[0].Reason)
	assert.Equal(t, int64(4), r.Processed())
}

func TestRunner_RunBoundsConcurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := memoryqueue.New(memoryqueue.Config{WaitTime: 10 * time.Millisecond})
	for i := 0; i < 12; i++ {
		_, err := q.Send(ctx, []byte("x"))
		require.NoError(t, err)
	}

	var inFlight, peak atomic.Int32
	h := handlerFunc(func(ctx context.Context, d simpleresize.Delivery) simpleresize.Outcome {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return outcome(d, simpleresize.DispositionAck)
	})

	r, err := New(q, h, Config{Concurrency: 3}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Processed() == 12 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, r.Ready())
	assert.LessOrEqual(t, peak.Load(), int32(3))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.False(t, r.Ready())
}

func TestRunner_TaskTimeout(t *testing.T) {
	ctx := context.Background()
	q := memoryqueue.New(memoryqueue.Config{WaitTime: 10 * time.Millisecond})
	_, err := q.Send(ctx, []byte("slow"))
	require.NoError(t, err)

	var sawDeadline atomic.Bool
	h := handlerFunc(func(ctx context.Context, d simpleresize.Delivery) simpleresize.Outcome {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return outcome(d, simpleresize.DispositionAck)
	})

	r, err := New(q, h, Config{TaskTimeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Drain(ctx))
	assert.True(t, sawDeadline.Load())
}

type flakyQueue struct {
	*memoryqueue.Queue
	ackFailures atomic.Int32
}

func (f *flakyQueue) Ack(ctx context.Context, d simpleresize.Delivery) error {
	if f.ackFailures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.Queue.Ack(ctx, d)
}

func TestRunner_SettleRetries(t *testing.T) {
	ctx := context.Background()
	q := &flakyQueue{Queue: memoryqueue.New(memoryqueue.Config{WaitTime: 10 * time.Millisecond})}
	q.ackFailures.Store(2)
	_, err := q.Send(ctx, []byte("x"))
	require.NoError(t, err)

	h := handlerFunc(func(ctx context.Context, d simpleresize.Delivery) simpleresize.Outcome {
		return outcome(d, simpleresize.DispositionAck)
	})
	r, err := New(q, h, Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Drain(ctx))

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, int64(1), r.Processed())
}
