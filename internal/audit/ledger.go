package audit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/metrics"
)

var (
	// ErrChainBroken is returned by Verify when a record does not link to its predecessor.
	ErrChainBroken = errors.New("audit chain broken")

	// ErrClosed is returned when appending to a closed ledger.
	ErrClosed = errors.New("audit ledger closed")

	// ErrNotQueryable is yielded by Query when the sink cannot be read back.
	ErrNotQueryable = errors.New("audit sink does not support queries")
)

// Recorder is the write side of the ledger that components depend on.
type Recorder interface {
	Append(ctx context.Context, e Event) error
}

// Ledger serialises appends into a hash chain persisted by a Sink.
type Ledger struct {
	mu      sync.Mutex
	sink    Sink
	chain   *chain
	seq     uint64
	head    string
	closed  bool
	entropy io.Reader

	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Ledger.
type Option func(*Ledger) error

// WithChainSecret keys the chain with a MAC derived from secret.
func WithChainSecret(secret []byte) Option {
	return func(l *Ledger) error {
		c, err := newChain(secret)
		if err != nil {
			return err
		}
		l.chain = c
		return nil
	}
}

// WithLogger sets the logger used for critical write failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) error {
		l.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) error {
		l.metrics = m
		return nil
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) error {
		l.now = now
		return nil
	}
}

// Open initialises a ledger on sink, resuming the chain from the sink's
// last record when the sink can report it.
func Open(ctx context.Context, sink Sink, opts ...Option) (*Ledger, error) {
	if sink == nil {
		return nil, errors.New("audit: sink is required")
	}
	l := &Ledger{
		sink:    sink,
		chain:   &chain{},
		head:    GenesisHash,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
	}
	if err := l.resume(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) resume(ctx context.Context) error {
	hr, ok := l.sink.(HeadReader)
	if !ok {
		return nil
	}
	last, found, err := hr.Head(ctx)
	if err != nil {
		return fmt.Errorf("audit: read chain head: %w", err)
	}
	if found {
		l.seq, l.head = last.Seq, last.Hash
	}
	return nil
}

// Append seals e into the chain and persists it. On any failure it
// returns an *derrors.AuditWriteError and the chain head is unchanged.
func (l *Ledger) Append(ctx context.Context, e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return l.fail(e, ErrClosed)
	}
	if e.Kind == "" {
		return l.fail(e, errors.New("event kind is required"))
	}

	ts := l.now().UTC().Truncate(time.Microsecond)
	id, err := ulid.New(ulid.Timestamp(ts), l.entropy)
	if err != nil {
		return l.fail(e, fmt.Errorf("event id: %w", err))
	}
	e.ID = id.String()
	e.Seq = l.seq + 1
	e.Timestamp = ts
	e.PrevHash = l.head
	if e.Hash, err = l.chain.sum(e); err != nil {
		return l.fail(e, err)
	}

	if err := l.sink.Write(ctx, e); err != nil {
		// A fan-out sink may have persisted the record in some targets.
		// Re-read the head so the next append does not reuse the sequence.
		if rerr := l.resume(ctx); rerr != nil {
			l.logger.Error().Err(rerr).Msg("audit: could not re-read chain head after failed write")
		}
		return l.fail(e, err)
	}

	l.seq, l.head = e.Seq, e.Hash
	if l.metrics != nil {
		l.metrics.IncAuditAppend(string(e.Kind), true)
	}
	return nil
}

func (l *Ledger) fail(e Event, err error) error {
	if l.metrics != nil {
		l.metrics.IncAuditAppend(string(e.Kind), false)
	}
	l.logger.Error().
		Err(err).
		Str("kind", string(e.Kind)).
		Str("correlation_id", e.CorrelationID).
		Msg("CRITICAL: audit write failed")
	return &derrors.AuditWriteError{Kind: string(e.Kind), Err: err}
}

// Head returns the sequence number and hash of the last appended event.
func (l *Ledger) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.head
}

// Query returns a lazy sequence of events matching f in append order.
// Each range over the result reads the sink afresh.
func (l *Ledger) Query(ctx context.Context, f Filter) iter.Seq2[Event, error] {
	sc, ok := l.sink.(Scanner)
	if !ok {
		return func(yield func(Event, error) bool) {
			yield(Event{}, ErrNotQueryable)
		}
	}
	return sc.Scan(ctx, f)
}

// Verify walks the whole chain and returns the number of events checked.
func (l *Ledger) Verify(ctx context.Context) (int, error) {
	sc, ok := l.sink.(Scanner)
	if !ok {
		return 0, ErrNotQueryable
	}
	var (
		n        int
		prevSeq  uint64
		prevHash = GenesisHash
	)
	for e, err := range sc.Scan(ctx, Filter{}) {
		if err != nil {
			return n, err
		}
		if err := l.chain.check(prevSeq, prevHash, e); err != nil {
			return n, err
		}
		prevSeq, prevHash = e.Seq, e.Hash
		n++
	}
	return n, nil
}

// Close flushes and closes the sink. Further appends fail.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.sink.Close()
}
