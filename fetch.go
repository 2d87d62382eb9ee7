package direct

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/certs"
	"github.com/hipaadirect/direct-go/internal/message"
	"github.com/hipaadirect/direct-go/internal/smime"
	"github.com/hipaadirect/direct-go/internal/transport"
)

// FetchOptions narrows a fetch. A Limit of zero or less returns every
// pending envelope.
type FetchOptions = transport.FetchOptions

// FetchFilter matches envelopes by outer sender and arrival time.
type FetchFilter = transport.Filter

// AckPolicy selects how an acknowledged envelope is consumed.
type AckPolicy = transport.AckPolicy

// Received is one fetched envelope. When Err is non-nil the envelope could
// not be decrypted or verified and Message is nil; the envelope stays on
// the backend until it is acknowledged.
type Received struct {
	// EnvelopeID is the backend id passed to Acknowledge.
	EnvelopeID string
	Seq        int
	// From is the unauthenticated outer sender header.
	From       string
	ReceivedAt time.Time

	Message       *Message
	Signer        *Certificate
	SignerAddress string
	Trusted       bool
	Warnings      []string

	Err error
}

// Fetch returns up to limit pending envelopes, decrypted and verified, in
// backend order. It does not consume them.
func (c *Client) Fetch(ctx context.Context, limit int) ([]*Received, error) {
	return c.FetchWithOptions(ctx, FetchOptions{Limit: limit})
}

// FetchWithOptions is Fetch with a filter.
//
// A failure to decrypt or verify one envelope is reported in its
// Received.Err. A transport failure, an audit write failure or a
// cancelled context fails the whole call and returns no results.
func (c *Client) FetchWithOptions(ctx context.Context, opts FetchOptions) ([]*Received, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	ctx, end := c.span(ctx, "direct.Fetch", attribute.Int("direct.limit", opts.Limit))
	out, err := c.fetch(ctx, opts)
	end(err)
	return out, err
}

func (c *Client) fetch(ctx context.Context, opts FetchOptions) ([]*Received, error) {
	envs, err := c.router.Fetch(ctx, opts)
	ev := audit.NewEvent(audit.KindMessageFetched, "", err).
		WithActor(c.address.String()).
		With("backend", string(c.router.Kind()), "count", strconv.Itoa(len(envs)))
	if aerr := c.ledger.Append(ctx, ev); aerr != nil {
		return nil, aerr
	}
	if err != nil {
		return nil, err
	}

	out := make([]*Received, len(envs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, env := range envs {
		g.Go(func() error {
			r, err := c.open(gctx, env)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ok := 0
	for _, r := range out {
		if r.Err == nil {
			ok++
		}
	}
	c.metrics.AddReceived(ok)
	c.logger.Debug().Int("fetched", len(out)).Int("opened", ok).Msg("fetch complete")
	return out, nil
}

// open decrypts and verifies env. Crypto and certificate failures are
// returned in the Received; audit failures and cancellation are returned
// as the error.
func (c *Client) open(ctx context.Context, env transport.Envelope) (*Received, error) {
	r := &Received{EnvelopeID: env.ID, Seq: env.Seq, ReceivedAt: env.ReceivedAt}
	if hdr, err := message.ReadEnvelope(env.Data); err == nil {
		r.From = hdr.From
	}

	err := c.openInto(ctx, env.Data, r)
	if err == nil {
		return r, nil
	}
	if errors.Is(err, ErrAuditWrite) || ctx.Err() != nil {
		return nil, err
	}
	c.logger.Warn().Err(err).Str("envelope_id", env.ID).Msg("inbound envelope rejected")
	r.Err = err
	return r, nil
}

func (c *Client) openInto(ctx context.Context, data []byte, r *Received) error {
	signed := data
	if !c.allowUnencrypted || smime.IsEnveloped(data) {
		inner, err := c.pipeline.Decrypt(ctx, data, c.me)
		if err != nil {
			return err
		}
		signed = inner
	}

	expected, err := c.expectedSigner(ctx, r.From)
	if err != nil {
		return err
	}
	v, err := c.pipeline.Verify(ctx, signed, expected)
	if err != nil {
		return err
	}
	r.Message = v.Message
	r.Signer = v.Signer
	r.SignerAddress = v.SignerAddress.String()
	r.Trusted = v.Trusted
	r.Warnings = v.Warnings
	return nil
}

// expectedSigner returns the stored certificate for from, or nil when the
// sender is unknown and the signer must be judged from the signature.
func (c *Client) expectedSigner(ctx context.Context, from string) (*Certificate, error) {
	if c.source == nil || from == "" {
		return nil, nil
	}
	cert, err := c.source.Certificate(ctx, from)
	if errors.Is(err, certs.ErrNotStored) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// Acknowledge consumes an envelope with the backend's configured policy.
// Acknowledging an id twice returns a NotFoundError the second time.
func (c *Client) Acknowledge(ctx context.Context, envelopeID string) error {
	return c.AcknowledgeWithPolicy(ctx, envelopeID, transport.AckDefault)
}

// AcknowledgeWithPolicy consumes an envelope with policy. Backends that
// support a single policy ignore it.
func (c *Client) AcknowledgeWithPolicy(ctx context.Context, envelopeID string, policy AckPolicy) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	ctx, end := c.span(ctx, "direct.Acknowledge", attribute.String("direct.envelope_id", envelopeID))
	err := c.router.Acknowledge(ctx, envelopeID, policy)
	ev := audit.NewEvent(audit.KindMessageAcknowledged, "", err).
		WithActor(c.address.String()).
		With("backend", string(c.router.Kind()), "envelope_id", envelopeID, "policy", string(policy))
	if aerr := c.ledger.Append(ctx, ev); aerr != nil {
		err = aerr
	}
	end(err)
	return err
}
