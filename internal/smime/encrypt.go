package smime

import (
	"context"
	"crypto/x509"
	"fmt"
	"strconv"
	"sync"

	"github.com/smallstep/pkcs7"

	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/certs"
	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/message"
)

// pkcs7.Encrypt reads its content cipher from a package variable. Direct
// endpoints expect AES-256-CBC EnvelopedData; AES-GCM is only defined for
// AuthEnvelopedData, which pkcs7 does not produce.
var useAES256CBC = sync.OnceFunc(func() {
	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES256CBC
})

// Encrypt envelopes the current payload for every recipient certificate in
// a single EnvelopedData structure. Every To address must be bound by one
// of the certificates.
func (p *Pipeline) Encrypt(ctx context.Context, msg *message.DirectMessage, recipients []*certs.Certificate) (*message.DirectMessage, error) {
	out, warnings, err := p.encrypt(msg, recipients)
	ev := audit.NewEvent(audit.KindMessageEncrypted, msg.MessageID, err).
		WithActor(msg.From.String()).
		With("recipients", strconv.Itoa(len(recipients)))
	if len(warnings) > 0 {
		ev = ev.With("warning", warnings[0])
	}
	if err := p.record(ctx, derrors.OpEncrypt, ev, err); err != nil {
		return nil, err
	}
	for _, w := range warnings {
		p.logger.Warn().Str("message_id", msg.MessageID).Str("warning", w).Msg("encrypted with warning")
	}
	return out, nil
}

func (p *Pipeline) encrypt(msg *message.DirectMessage, recipients []*certs.Certificate) (*message.DirectMessage, []string, error) {
	var next message.State
	switch msg.State {
	case message.StatePlaintext:
		next = message.StateEncrypted
	case message.StateSigned:
		next = message.StateSignedAndEncrypted
	default:
		return nil, nil, derrors.NewCryptoError(derrors.OpEncrypt, "invalid_state", msg.MessageID,
			fmt.Errorf("cannot encrypt a %s message", msg.State))
	}
	if len(recipients) == 0 {
		return nil, nil, &derrors.ValidationError{Violations: []string{"recipients: at least one certificate is required"}}
	}

	now := p.now()
	var warnings []string
	xs := make([]*x509.Certificate, 0, len(recipients))
	for _, r := range recipients {
		if r.ExpiredAt(now) {
			if p.policy == RecipientReject {
				return nil, nil, &derrors.CertError{Op: "encrypt", Kind: derrors.CertExpired, Address: r.Address().String()}
			}
			warnings = append(warnings, WarnRecipientExpired)
		}
		xs = append(xs, r.X509())
	}
	for _, to := range msg.To {
		if !bindsAny(recipients, to) {
			return nil, nil, derrors.NewCryptoError(derrors.OpEncrypt, "missing_recipient_certificate", msg.MessageID,
				fmt.Errorf("no certificate binds %s", to))
		}
	}

	useAES256CBC()
	der, err := pkcs7.Encrypt(msg.Payload, xs)
	if err != nil {
		return nil, nil, derrors.NewCryptoError(derrors.OpEncrypt, "cms", msg.MessageID, err)
	}
	entity, err := wrap(typeEnveloped, der)
	if err != nil {
		return nil, nil, derrors.NewCryptoError(derrors.OpEncrypt, "mime", msg.MessageID, err)
	}
	return msg.Transition(next, entity), warnings, nil
}
