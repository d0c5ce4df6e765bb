// Package memory records completion events in memory. It can be told to fail
// the next publishes, which tests use to exercise the retry path.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/tendant/simple-resize/pkg/simpleresize"
)

// ErrInjected is returned by Publish while failures are pending
var ErrInjected = errors.New("injected publish failure")

// Publisher stores every published event
type Publisher struct {
	mu       sync.Mutex
	events   []simpleresize.CompletionEvent
	failures int
}

// New creates an empty publisher
func New() *Publisher {
	return &Publisher{}
}

// Publish records event, or fails while injected failures remain
func (p *Publisher) Publish(ctx context.Context, event simpleresize.CompletionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failures > 0 {
		p.failures--
		return ErrInjected
	}
	p.events = append(p.events, event)
	return nil
}

// FailNext makes the next n publishes fail
func (p *Publisher) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

// Events returns a copy of the published events in order
func (p *Publisher) Events() []simpleresize.CompletionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]simpleresize.CompletionEvent(nil), p.events...)
}

var _ simpleresize.Publisher = (*Publisher)(nil)
