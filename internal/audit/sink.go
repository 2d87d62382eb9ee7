package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
)

// Sink persists sealed events. Write must return only once the event is
// durable, or return an error.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

// Scanner is implemented by sinks that can read events back in append order.
type Scanner interface {
	Scan(ctx context.Context, f Filter) iter.Seq2[Event, error]
}

// HeadReader is implemented by sinks that can report their last event.
type HeadReader interface {
	Head(ctx context.Context) (Event, bool, error)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	fail   error
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write appends e.
func (s *MemorySink) Write(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, e)
	return nil
}

// SetFailure makes every subsequent Write return err. A nil err restores writes.
func (s *MemorySink) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Events returns a copy of every stored event.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Tamper replaces the stored event at index i. Tests use it to exercise Verify.
func (s *MemorySink) Tamper(i int, fn func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.events[i])
}

// Scan yields stored events matching f. The snapshot is taken when
// iteration starts.
func (s *MemorySink) Scan(ctx context.Context, f Filter) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for _, e := range s.Events() {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if f.Match(e) && !yield(e, nil) {
				return
			}
		}
	}
}

// Head returns the last stored event.
func (s *MemorySink) Head(context.Context) (Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return Event{}, false, nil
	}
	return s.events[len(s.events)-1], true, nil
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

// MultiSink writes every event to a primary sink and a set of mirrors. A
// write succeeds only when every target succeeds. Reads are served by the
// primary.
type MultiSink struct {
	primary Sink
	mirrors []Sink
}

// NewMultiSink returns a fan-out sink.
func NewMultiSink(primary Sink, mirrors ...Sink) *MultiSink {
	return &MultiSink{primary: primary, mirrors: mirrors}
}

// Write persists e to the primary first, then to each mirror.
func (m *MultiSink) Write(ctx context.Context, e Event) error {
	if err := m.primary.Write(ctx, e); err != nil {
		return fmt.Errorf("primary sink: %w", err)
	}
	for i, s := range m.mirrors {
		if err := s.Write(ctx, e); err != nil {
			return fmt.Errorf("mirror sink %d: %w", i, err)
		}
	}
	return nil
}

// Scan delegates to the primary.
func (m *MultiSink) Scan(ctx context.Context, f Filter) iter.Seq2[Event, error] {
	sc, ok := m.primary.(Scanner)
	if !ok {
		return func(yield func(Event, error) bool) { yield(Event{}, ErrNotQueryable) }
	}
	return sc.Scan(ctx, f)
}

// Head delegates to the primary.
func (m *MultiSink) Head(ctx context.Context) (Event, bool, error) {
	hr, ok := m.primary.(HeadReader)
	if !ok {
		return Event{}, false, nil
	}
	return hr.Head(ctx)
}

// Close closes every target and joins their errors.
func (m *MultiSink) Close() error {
	errs := []error{m.primary.Close()}
	for _, s := range m.mirrors {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
