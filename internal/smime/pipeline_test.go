package smime

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallstep/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/certs"
	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/message"
)

type nopRecorder struct{}

func (nopRecorder) Append(context.Context, audit.Event) error { return nil }

type fixture struct {
	pipeline *Pipeline
	sink     *audit.MemorySink
	builder  *message.Builder
	alice    *certs.Certificate
	bob      *certs.Certificate
	eve      *certs.Certificate
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	cm := certs.NewManager(nopRecorder{}, certs.WithKeyBits(1024))
	gen := func(addr string) *certs.Certificate {
		c, err := cm.Generate(ctx, addr, 30)
		require.NoError(t, err)
		return c
	}
	sink := audit.NewMemorySink()
	l, err := audit.Open(ctx, sink)
	require.NoError(t, err)
	return &fixture{
		pipeline: New(l, opts...),
		sink:     sink,
		builder:  message.NewBuilder(nopRecorder{}),
		alice:    gen("alice@clinic.direct"),
		bob:      gen("bob@hospital.direct"),
		eve:      gen("eve@elsewhere.direct"),
	}
}

func (f *fixture) build(t *testing.T) *message.DirectMessage {
	t.Helper()
	msg, err := f.builder.Build(context.Background(), message.Spec{
		From:    "alice@clinic.direct",
		To:      []string{"bob@hospital.direct"},
		Subject: "Referral",
		Text:    "Patient referral attached.",
		Attachments: []message.AttachmentSpec{
			{Filename: "referral.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.7 referral")},
		},
	})
	require.NoError(t, err)
	return msg
}

func TestPipeline_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	msg := f.build(t)

	signed, err := f.pipeline.Sign(ctx, msg, f.alice)
	require.NoError(t, err)
	assert.Equal(t, message.StateSigned, signed.State)
	assert.True(t, IsSigned(signed.Payload))

	enc, err := f.pipeline.Encrypt(ctx, signed, []*certs.Certificate{f.bob.Public()})
	require.NoError(t, err)
	assert.Equal(t, message.StateSignedAndEncrypted, enc.State)

	wire, err := enc.Wire()
	require.NoError(t, err)
	assert.True(t, IsEnveloped(wire))
	assert.NotContains(t, string(wire), "Patient referral")

	inner, err := f.pipeline.Decrypt(ctx, wire, f.bob)
	require.NoError(t, err)
	require.True(t, IsSigned(inner))

	v, err := f.pipeline.Verify(ctx, inner, f.alice.Public())
	require.NoError(t, err)
	assert.Equal(t, "alice@clinic.direct", v.SignerAddress.String())
	assert.Equal(t, msg.Payload, v.Message.Payload)
	assert.Equal(t, "Patient referral attached.", v.Message.Text)
	assert.False(t, v.Trusted)
	assert.Contains(t, v.Warnings, WarnNoTrustAnchors)

	events := f.sink.Events()
	require.Len(t, events, 4)
	kinds := []audit.Kind{audit.KindMessageSigned, audit.KindMessageEncrypted, audit.KindMessageDecrypted, audit.KindMessageVerified}
	for i, e := range events {
		assert.Equal(t, kinds[i], e.Kind)
		assert.Equal(t, msg.MessageID, e.CorrelationID)
		assert.True(t, e.Outcome.Success)
	}
}

func TestPipeline_EncryptOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	msg := f.build(t)

	enc, err := f.pipeline.Encrypt(ctx, msg, []*certs.Certificate{f.bob})
	require.NoError(t, err)
	assert.Equal(t, message.StateEncrypted, enc.State)

	inner, err := f.pipeline.Decrypt(ctx, enc.Payload, f.bob)
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, inner)
}

func TestPipeline_EncryptUsesAES256CBC(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	enc, err := f.pipeline.Encrypt(ctx, f.build(t), []*certs.Certificate{f.bob})
	require.NoError(t, err)
	u, err := unwrap(enc.Payload)
	require.NoError(t, err)

	cbc, err := asn1.Marshal(pkcs7.OIDEncryptionAlgorithmAES256CBC)
	require.NoError(t, err)
	gcm, err := asn1.Marshal(pkcs7.OIDEncryptionAlgorithmAES256GCM)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(u.der, cbc))
	assert.False(t, bytes.Contains(u.der, gcm))
}

func TestPipeline_OpenSSLDecryptsEnvelope(t *testing.T) {
	t.Parallel()
	bin, err := exec.LookPath("openssl")
	if err != nil {
		t.Skip("openssl not installed")
	}
	ctx := context.Background()
	f := newFixture(t)
	msg := f.build(t)
	signed, err := f.pipeline.Sign(ctx, msg, f.alice)
	require.NoError(t, err)
	enc, err := f.pipeline.Encrypt(ctx, signed, []*certs.Certificate{f.bob.Public()})
	require.NoError(t, err)
	u, err := unwrap(enc.Payload)
	require.NoError(t, err)

	key, err := x509.MarshalPKCS8PrivateKey(f.bob.PrivateKey())
	require.NoError(t, err)
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o600))
		return path
	}
	in := write("envelope.der", u.der)
	recip := write("bob.pem", f.bob.PEM())
	inkey := write("bob.key", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: key}))

	out, err := exec.CommandContext(ctx, bin, "cms", "-decrypt", "-inform", "DER",
		"-in", in, "-recip", recip, "-inkey", inkey, "-binary").CombinedOutput()
	require.NoError(t, err, string(out))

	inner, err := f.pipeline.Decrypt(ctx, enc.Payload, f.bob)
	require.NoError(t, err)
	assert.Equal(t, inner, out)
}

func TestPipeline_CorruptSignedEnvelopeIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	signed, err := f.pipeline.Sign(ctx, f.build(t), f.alice)
	require.NoError(t, err)
	enc, err := f.pipeline.Encrypt(ctx, signed, []*certs.Certificate{f.bob})
	require.NoError(t, err)
	u, err := unwrap(enc.Payload)
	require.NoError(t, err)

	for _, off := range []int{64, 200, 500} {
		require.Less(t, off, len(u.der))
		der := append([]byte(nil), u.der...)
		der[len(der)-off] ^= 0x01
		corrupt, err := wrap(typeEnveloped, der)
		require.NoError(t, err)

		inner, err := f.pipeline.Decrypt(ctx, corrupt, f.bob)
		if err != nil {
			assert.ErrorIs(t, err, derrors.ErrDecryptFailed)
			continue
		}
		_, err = f.pipeline.Verify(ctx, inner, f.alice.Public())
		assert.Error(t, err, "offset %d", off)
	}
}

func TestWellFormed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	payload := f.build(t).Payload
	require.NoError(t, wellFormed(payload))

	tests := []struct {
		name string
		data []byte
	}{
		{"missing closing boundary", payload[:len(payload)-40]},
		{"broken header", append([]byte("\x00\xff garbage\r\n"), payload...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, wellFormed(tt.data))
		})
	}
}

func TestPipeline_StateOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	enc, err := f.pipeline.Encrypt(ctx, f.build(t), []*certs.Certificate{f.bob})
	require.NoError(t, err)

	_, err = f.pipeline.Sign(ctx, enc, f.alice)
	assert.ErrorIs(t, err, derrors.ErrSignFailed)

	_, err = f.pipeline.Encrypt(ctx, enc, []*certs.Certificate{f.bob})
	assert.ErrorIs(t, err, derrors.ErrEncryptFailed)
}

func TestPipeline_SignerChecks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	msg := f.build(t)

	_, err := f.pipeline.Sign(ctx, msg, f.alice.Public())
	assert.ErrorIs(t, err, derrors.ErrCertNoKey)

	_, err = f.pipeline.Sign(ctx, msg, f.eve)
	assert.ErrorIs(t, err, derrors.ErrSignFailed)

	past := time.Now().AddDate(-1, 0, 0)
	old := certs.NewManager(nopRecorder{}, certs.WithKeyBits(1024), certs.WithClock(func() time.Time { return past }))
	expired, err := old.Generate(ctx, "alice@clinic.direct", 1)
	require.NoError(t, err)
	_, err = f.pipeline.Sign(ctx, msg, expired)
	require.ErrorIs(t, err, derrors.ErrCertExpired)

	for _, e := range f.sink.Events() {
		assert.Equal(t, audit.KindMessageSigned, e.Kind)
		assert.False(t, e.Outcome.Success)
	}
	assert.Len(t, f.sink.Events(), 3)
}

func TestPipeline_ExpiredRecipientPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	past := time.Now().AddDate(-1, 0, 0)
	old := certs.NewManager(nopRecorder{}, certs.WithKeyBits(1024), certs.WithClock(func() time.Time { return past }))
	expired, err := old.Generate(ctx, "bob@hospital.direct", 1)
	require.NoError(t, err)

	tests := []struct {
		name    string
		policy  RecipientPolicy
		wantErr error
	}{
		{"reject", RecipientReject, derrors.ErrCertExpired},
		{"warn", RecipientWarn, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, WithRecipientPolicy(tt.policy))
			_, err := f.pipeline.Encrypt(ctx, f.build(t), []*certs.Certificate{expired})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			events := f.sink.Events()
			require.Len(t, events, 1)
			assert.Equal(t, WarnRecipientExpired, events[0].Attributes["warning"])
		})
	}
}

func TestPipeline_EncryptRequiresEveryRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.pipeline.Encrypt(context.Background(), f.build(t), []*certs.Certificate{f.eve})
	assert.ErrorIs(t, err, derrors.ErrEncryptFailed)

	_, err = f.pipeline.Encrypt(context.Background(), f.build(t), nil)
	assert.ErrorIs(t, err, derrors.ErrValidation)
}

func TestPipeline_DecryptFailuresAreIndistinguishable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	msg := f.build(t)
	enc, err := f.pipeline.Encrypt(ctx, msg, []*certs.Certificate{f.bob})
	require.NoError(t, err)

	u, err := unwrap(enc.Payload)
	require.NoError(t, err)
	flipped := append([]byte(nil), u.der...)
	flipped[len(flipped)-1] ^= 0x01
	corrupt, err := wrap(typeEnveloped, flipped)
	require.NoError(t, err)

	tests := []struct {
		name     string
		envelope []byte
		me       *certs.Certificate
	}{
		{"wrong key", enc.Payload, f.eve},
		{"flipped ciphertext", corrupt, f.bob},
		{"not enveloped", msg.Payload, f.bob},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Decrypt(ctx, tt.envelope, tt.me)
			require.ErrorIs(t, err, derrors.ErrDecryptFailed)
			assert.Equal(t, "decryption failed", err.Error())
		})
	}

	events := f.sink.Events()
	require.Len(t, events, 4)
	for _, e := range events[1:] {
		assert.Equal(t, audit.KindMessageDecrypted, e.Kind)
		assert.Equal(t, "decrypt_failed", e.Outcome.ErrorKind)
		assert.NotEmpty(t, e.Attributes["detail"])
	}
}

func TestPipeline_VerifyTrust(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	signed, err := f.pipeline.Sign(ctx, f.build(t), f.alice)
	require.NoError(t, err)

	_, err = f.pipeline.Verify(ctx, signed.Payload, f.eve)
	assert.ErrorIs(t, err, derrors.ErrVerifyFailed)

	empty := New(nopRecorder{}, WithTrustAnchors(x509.NewCertPool()))
	_, err = empty.Verify(ctx, signed.Payload, nil)
	assert.ErrorIs(t, err, derrors.ErrVerifyFailed)

	roots := x509.NewCertPool()
	roots.AddCert(f.alice.X509())
	trusting := New(nopRecorder{}, WithTrustAnchors(roots))
	v, err := trusting.Verify(ctx, signed.Payload, nil)
	require.NoError(t, err)
	assert.True(t, v.Trusted)
	assert.Empty(t, v.Warnings)
}

func TestPipeline_VerifyTamperedSignature(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	signed, err := f.pipeline.Sign(ctx, f.build(t), f.alice)
	require.NoError(t, err)

	u, err := unwrap(signed.Payload)
	require.NoError(t, err)
	der := append([]byte(nil), u.der...)
	der[len(der)-1] ^= 0xff
	tampered, err := wrap(typeSigned, der)
	require.NoError(t, err)

	_, err = f.pipeline.Verify(ctx, tampered, nil)
	assert.ErrorIs(t, err, derrors.ErrVerifyFailed)
}
