package smime

import (
	"context"
	"fmt"

	"github.com/smallstep/pkcs7"

	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/certs"
	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/message"
)

// Sign wraps the canonical entity of a PLAINTEXT message in an opaque
// SignedData structure and returns the SIGNED message. The signing time
// attribute makes every signature unique.
func (p *Pipeline) Sign(ctx context.Context, msg *message.DirectMessage, signer *certs.Certificate) (*message.DirectMessage, error) {
	out, err := p.sign(msg, signer)
	ev := audit.NewEvent(audit.KindMessageSigned, msg.MessageID, err).
		WithActor(msg.From.String()).
		With("signer_serial", signer.Serial())
	if err := p.record(ctx, derrors.OpSign, ev, err); err != nil {
		return nil, err
	}
	p.logger.Debug().Str("message_id", msg.MessageID).Str("signer_serial", signer.Serial()).Msg("message signed")
	return out, nil
}

func (p *Pipeline) sign(msg *message.DirectMessage, signer *certs.Certificate) (*message.DirectMessage, error) {
	if msg.State != message.StatePlaintext {
		return nil, derrors.NewCryptoError(derrors.OpSign, "invalid_state", msg.MessageID,
			fmt.Errorf("cannot sign a %s message", msg.State))
	}
	if !signer.HasPrivateKey() {
		return nil, &derrors.CertError{Op: "sign", Kind: derrors.CertNoKey, Address: signer.Address().String()}
	}
	if signer.ExpiredAt(p.now()) {
		return nil, &derrors.CertError{Op: "sign", Kind: derrors.CertExpired, Address: signer.Address().String()}
	}
	if !signer.Binds(msg.From) {
		return nil, derrors.NewCryptoError(derrors.OpSign, "signer_mismatch", msg.MessageID,
			fmt.Errorf("certificate for %s does not bind sender %s", signer.Address(), msg.From))
	}

	sd, err := pkcs7.NewSignedData(msg.Payload)
	if err != nil {
		return nil, derrors.NewCryptoError(derrors.OpSign, "cms", msg.MessageID, err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(signer.X509(), signer.PrivateKey(), pkcs7.SignerInfoConfig{}); err != nil {
		return nil, derrors.NewCryptoError(derrors.OpSign, "cms", msg.MessageID, err)
	}
	der, err := sd.Finish()
	if err != nil {
		return nil, derrors.NewCryptoError(derrors.OpSign, "cms", msg.MessageID, err)
	}
	entity, err := wrap(typeSigned, der)
	if err != nil {
		return nil, derrors.NewCryptoError(derrors.OpSign, "mime", msg.MessageID, err)
	}
	return msg.Transition(message.StateSigned, entity), nil
}
