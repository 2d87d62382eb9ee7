package smime

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/smallstep/pkcs7"

	"github.com/hipaadirect/direct-go/internal/address"
	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/certs"
	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/message"
)

// Verification is the result of a successful Verify.
type Verification struct {
	// Signer is the certificate embedded in the signature.
	Signer *certs.Certificate
	// SignerAddress is the Direct address the signer certificate binds.
	SignerAddress address.Address
	// Message is the parsed signed content in PLAINTEXT state; its Payload
	// is the canonical entity that was signed.
	Message *message.DirectMessage
	// Trusted is true when the signer chained to a configured trust anchor.
	Trusted bool
	// Warnings lists non-fatal findings such as an expired signer.
	Warnings []string
}

// Verify checks an opaque signed-data entity. When expected is non-nil the
// signer certificate must be exactly expected. With no expectation the
// signer certificate is returned for the caller to decide trust. The signer
// must bind the From address of the signed content, and attachment digests
// must match.
func (p *Pipeline) Verify(ctx context.Context, signed []byte, expected *certs.Certificate) (*Verification, error) {
	v, id, err := p.verify(signed, expected)
	ev := audit.NewEvent(audit.KindMessageVerified, id, err)
	if v != nil {
		ev = ev.WithActor(v.SignerAddress.String()).
			With("signer_serial", v.Signer.Serial(), "trusted", fmt.Sprint(v.Trusted))
		if len(v.Warnings) > 0 {
			ev = ev.With("warning", v.Warnings[0])
		}
	}
	if err := p.record(ctx, derrors.OpVerify, ev, err); err != nil {
		return nil, err
	}
	return v, nil
}

func (p *Pipeline) verify(signed []byte, expected *certs.Certificate) (*Verification, string, error) {
	u, err := unwrap(signed)
	if err != nil {
		return nil, "", derrors.NewCryptoError(derrors.OpVerify, "not_signed", "", err)
	}
	id := u.messageID
	if u.smimeType != "" && u.smimeType != typeSigned {
		return nil, id, derrors.NewCryptoError(derrors.OpVerify, "not_signed", id,
			errors.New("smime-type "+u.smimeType))
	}
	p7, err := pkcs7.Parse(u.der)
	if err != nil {
		return nil, id, derrors.NewCryptoError(derrors.OpVerify, "malformed", id, err)
	}

	// The inner entity carries the authoritative message id.
	msg, perr := message.Parse(p7.Content)
	if perr == nil {
		id = msg.MessageID
	}

	signerX := p7.GetOnlySigner()
	if signerX == nil {
		return nil, id, derrors.NewCryptoError(derrors.OpVerify, "signer_count", id,
			errors.New("expected exactly one signer"))
	}
	if err := p7.Verify(); err != nil {
		return nil, id, derrors.NewCryptoError(derrors.OpVerify, "signature", id, err)
	}

	v := &Verification{Signer: certs.FromX509(signerX, p.now())}
	v.SignerAddress = v.Signer.Address()

	if p.roots == nil {
		v.Warnings = append(v.Warnings, WarnNoTrustAnchors)
	} else {
		if err := p7.VerifyWithChain(p.roots); err != nil {
			return nil, id, derrors.NewCryptoError(derrors.OpVerify, "untrusted", id, err)
		}
		v.Trusted = true
	}
	if expected != nil && !bytes.Equal(expected.X509().Raw, signerX.Raw) {
		return nil, id, derrors.NewCryptoError(derrors.OpVerify, "signer_mismatch", id,
			fmt.Errorf("signer serial %s, expected %s", v.Signer.Serial(), expected.Serial()))
	}
	if v.Signer.ExpiredAt(p.now()) {
		v.Warnings = append(v.Warnings, WarnSignerExpired)
	}

	if perr != nil {
		var ce *derrors.CryptoError
		if errors.As(perr, &ce) {
			return nil, id, perr
		}
		return nil, id, derrors.NewCryptoError(derrors.OpVerify, "content", id, perr)
	}
	if !v.Signer.Binds(msg.From) {
		return nil, id, derrors.NewCryptoError(derrors.OpVerify, "address_mismatch", id,
			fmt.Errorf("signer %s does not bind sender %s", v.SignerAddress, msg.From))
	}
	v.Message = msg
	return v, id, nil
}

func bindsAny(cs []*certs.Certificate, a address.Address) bool {
	for _, c := range cs {
		if c.Binds(a) {
			return true
		}
	}
	return false
}
