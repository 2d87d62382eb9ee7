package smime

import (
	"context"
	"errors"

	"github.com/smallstep/pkcs7"

	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/certs"
	"github.com/hipaadirect/direct-go/internal/derrors"
)

// Decrypt opens an enveloped-data entity with me and returns the inner
// entity, which is either signed-data or a canonical PLAINTEXT entity.
//
// Every failure returns the same CryptoError text whether the key was
// wrong, the data was corrupt or the entity was not enveloped.
func (p *Pipeline) Decrypt(ctx context.Context, envelope []byte, me *certs.Certificate) ([]byte, error) {
	inner, id, err := p.decrypt(envelope, me)
	ev := audit.NewEvent(audit.KindMessageDecrypted, id, err).
		WithActor(me.Address().String()).
		With("recipient_serial", me.Serial())
	if err := p.record(ctx, derrors.OpDecrypt, ev, err); err != nil {
		return nil, err
	}
	return inner, nil
}

func (p *Pipeline) decrypt(envelope []byte, me *certs.Certificate) ([]byte, string, error) {
	u, err := unwrap(envelope)
	if err != nil {
		return nil, "", derrors.NewCryptoError(derrors.OpDecrypt, "not_enveloped", "", err)
	}
	if u.smimeType != "" && u.smimeType != typeEnveloped {
		return nil, u.messageID, derrors.NewCryptoError(derrors.OpDecrypt, "not_enveloped", u.messageID,
			errors.New("smime-type "+u.smimeType))
	}
	if !me.HasPrivateKey() {
		return nil, u.messageID, &derrors.CertError{Op: "decrypt", Kind: derrors.CertNoKey, Address: me.Address().String()}
	}

	p7, err := pkcs7.Parse(u.der)
	if err != nil {
		return nil, u.messageID, derrors.NewCryptoError(derrors.OpDecrypt, "malformed", u.messageID, err)
	}
	inner, err := p7.Decrypt(me.X509(), me.PrivateKey())
	if err != nil {
		kind := "unwrap"
		if errors.Is(err, pkcs7.ErrNotEncryptedContent) {
			kind = "not_enveloped"
		}
		return nil, u.messageID, derrors.NewCryptoError(derrors.OpDecrypt, kind, u.messageID, err)
	}
	// AES-CBC carries no authentication tag; a corrupted ciphertext can
	// still unpad cleanly.
	if err := wellFormed(inner); err != nil {
		return nil, u.messageID, derrors.NewCryptoError(derrors.OpDecrypt, "malformed_content", u.messageID, err)
	}
	return inner, u.messageID, nil
}
