// Package memory collects error records in memory for tests and the local CLI
package memory

import (
	"context"
	"sync"

	"github.com/tendant/simple-resize/pkg/simpleresize"
)

// Sink stores every reported record
type Sink struct {
	mu      sync.Mutex
	records []simpleresize.ErrorRecord
}

// New creates an empty sink
func New() *Sink {
	return &Sink{}
}

// Report appends record
func (s *Sink) Report(ctx context.Context, record simpleresize.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Records returns a copy of the reported records
func (s *Sink) Records() []simpleresize.ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]simpleresize.ErrorRecord(nil), s.records...)
}

var _ simpleresize.ErrorSink = (*Sink)(nil)
