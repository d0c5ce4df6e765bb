package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	p := New()
	p.FailNext(1)

	err := p.Publish(ctx, simpleresize.CompletionEvent{ID: "1"})
	assert.ErrorIs(t, err, ErrInjected)
	assert.Empty(t, p.Events())

	require.NoError(t, p.Publish(ctx, simpleresize.CompletionEvent{ID: "1"}))
	require.NoError(t, p.Publish(ctx, simpleresize.CompletionEvent{ID: "2"}))

	events := p.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "1", events[0].ID)
	assert.Equal(t, "2", events[1].ID)
}

func TestPublisher_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New().Publish(ctx, simpleresize.CompletionEvent{})
	assert.ErrorIs(t, err, context.Canceled)
}
