package smime

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/rs/zerolog"

	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/metrics"
)

// RecipientPolicy decides what Encrypt does with an expired recipient
// certificate.
type RecipientPolicy int

const (
	// RecipientReject fails encryption with a CertError of kind expired.
	RecipientReject RecipientPolicy = iota
	// RecipientWarn encrypts anyway and records a warning in the audit event.
	RecipientWarn
)

func (p RecipientPolicy) String() string {
	if p == RecipientWarn {
		return "warn"
	}
	return "reject"
}

// Warnings attached to audit events and verification results.
const (
	WarnRecipientExpired = "recipient_expired"
	WarnSignerExpired    = "signer_expired"
	WarnNoTrustAnchors   = "no_trust_anchors"
)

// Pipeline signs, encrypts, decrypts and verifies messages. It holds no
// per-message state and is safe for concurrent use.
type Pipeline struct {
	rec     audit.Recorder
	roots   *x509.CertPool
	policy  RecipientPolicy
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTrustAnchors enables chain validation of signer certificates.
func WithTrustAnchors(roots *x509.CertPool) Option {
	return func(p *Pipeline) { p.roots = roots }
}

// WithRecipientPolicy sets the expired recipient policy.
func WithRecipientPolicy(policy RecipientPolicy) Option {
	return func(p *Pipeline) { p.policy = policy }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records operation counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New returns a Pipeline that audits to rec.
func New(rec audit.Recorder, opts ...Option) *Pipeline {
	p := &Pipeline{rec: rec, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// record appends the event for one pipeline call. An audit failure replaces
// the operation result.
func (p *Pipeline) record(ctx context.Context, op derrors.CryptoOp, ev audit.Event, err error) error {
	p.metrics.IncCrypto(string(op), err == nil)
	if aerr := p.rec.Append(ctx, ev); aerr != nil {
		return aerr
	}
	if err != nil {
		p.logger.Warn().
			Str("op", string(op)).
			Str("message_id", ev.CorrelationID).
			Str("error_kind", derrors.Kind(err)).
			Msg("crypto operation failed")
	}
	return err
}
