package direct

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/certs"
	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/message"
	"github.com/hipaadirect/direct-go/internal/transport"
)

// Send builds, signs and encrypts spec and hands it to the backend. An
// empty From defaults to the client address. Recipient certificates are
// looked up through the configured CertificateSource before any
// cryptographic work starts.
//
// Every call that gets past building the message records exactly one
// MESSAGE_SENT audit event, successful or not. If that event cannot be
// written the send is reported as failed even when the backend accepted
// it.
func (c *Client) Send(ctx context.Context, spec MessageSpec) (*DeliveryReceipt, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if spec.From == "" {
		spec.From = c.address.String()
	}
	ctx, end := c.span(ctx, "direct.Send", attribute.Int("direct.recipients", len(spec.To)))
	receipt, err := c.send(ctx, spec)
	end(err)
	return receipt, err
}

func (c *Client) send(ctx context.Context, spec MessageSpec) (*DeliveryReceipt, error) {
	msg, err := c.builder.Build(ctx, spec)
	if err != nil {
		return nil, err
	}
	out, receipt, err := c.deliver(ctx, msg)
	if errors.Is(err, ErrAuditWrite) {
		return nil, err
	}

	ev := audit.NewEvent(audit.KindMessageSent, msg.MessageID, err).
		WithActor(msg.From.String()).
		With("backend", string(c.router.Kind()), "recipients", strconv.Itoa(len(msg.To)), "state", string(out.State))
	if receipt != nil {
		ev = ev.With("status", receipt.Status, "delivery_id", receipt.ID)
	}
	if aerr := c.ledger.Append(ctx, ev); aerr != nil {
		return nil, aerr
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("message_id", msg.MessageID).Str("error_kind", ErrorKind(err)).Msg("send failed")
		return nil, err
	}

	c.metrics.IncSent()
	c.logger.Info().
		Str("message_id", msg.MessageID).
		Str("delivery_id", receipt.ID).
		Str("status", receipt.Status).
		Int("recipients", len(msg.To)).
		Msg("message sent")
	return receipt, nil
}

// deliver protects msg and hands it to the backend. It returns the last
// state the message reached, which is msg itself when protection failed.
func (c *Client) deliver(ctx context.Context, msg *message.DirectMessage) (*message.DirectMessage, *DeliveryReceipt, error) {
	var recipients []*Certificate
	if !c.allowUnencrypted {
		var err error
		if recipients, err = c.recipientCertificates(ctx, msg); err != nil {
			return msg, nil, err
		}
	}

	out, err := c.pipeline.Sign(ctx, msg, c.me)
	if err != nil {
		return msg, nil, err
	}
	want := message.StateSigned
	if !c.allowUnencrypted {
		enc, err := c.pipeline.Encrypt(ctx, out, recipients)
		if err != nil {
			return out, nil, err
		}
		out, want = enc, message.StateSignedAndEncrypted
	}
	if out.State != want {
		return out, nil, ErrNotProtected
	}

	wire, err := out.Wire()
	if err != nil {
		return out, nil, derrors.NewCryptoError(derrors.OpEncrypt, "wire", out.MessageID, err)
	}
	receipt, err := c.router.Send(ctx, transport.Outbound{
		MessageID: out.MessageID,
		From:      out.From.String(),
		To:        out.Recipients(),
		Data:      wire,
	})
	return out, receipt, err
}

// recipientCertificates resolves one certificate per To address.
func (c *Client) recipientCertificates(ctx context.Context, msg *message.DirectMessage) ([]*Certificate, error) {
	if c.source == nil {
		return nil, &derrors.ValidationError{Violations: []string{"recipients: no certificate source configured"}}
	}
	out := make([]*Certificate, 0, len(msg.To))
	var missing []string
	for _, to := range msg.To {
		cert, err := c.source.Certificate(ctx, to.String())
		switch {
		case errors.Is(err, certs.ErrNotStored):
			missing = append(missing, fmt.Sprintf("to: no certificate for %s", to))
			continue
		case err != nil:
			return nil, err
		}
		out = append(out, cert.Public())
	}
	if len(missing) > 0 {
		return nil, &derrors.ValidationError{Violations: missing}
	}
	return out, nil
}
