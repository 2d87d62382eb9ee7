// Package certs manages Direct X.509 certificates and their private keys.
//
// The Manager generates self-signed RSA certificates, loads certificates
// and keys from PEM or DER, and validates them against time, address
// binding and optional trust anchors. Revocation is not checked.
//
// Every Generate and Load produces exactly one CERT_OPERATION audit event.
// Events carry the serial and bound address, never key bytes.
package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/hipaadirect/direct-go/internal/address"
	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/derrors"
)

const (
	// DefaultKeyBits is the RSA modulus size for generated keys.
	DefaultKeyBits = 2048

	// DefaultValidityDays is used by callers that do not choose a lifetime.
	DefaultValidityDays = 365
)

// Validation reasons.
const (
	ReasonExpired          = "expired"
	ReasonNotYetValid      = "not_yet_valid"
	ReasonAddressMismatch  = "address_mismatch"
	ReasonNoAddressBinding = "no_address_binding"
	ReasonUntrusted        = "untrusted"
)

// Manager creates, loads and validates certificates.
type Manager struct {
	rec     audit.Recorder
	store   Store
	roots   *x509.CertPool
	keyBits int
	rand    io.Reader
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists generated material and enables LoadAddress.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithTrustAnchors enables chain validation against roots.
func WithTrustAnchors(roots *x509.CertPool) Option {
	return func(m *Manager) { m.roots = roots }
}

// WithKeyBits overrides the RSA modulus size.
func WithKeyBits(bits int) Option {
	return func(m *Manager) { m.keyBits = bits }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRandReader overrides the entropy source for key generation.
func WithRandReader(r io.Reader) Option {
	return func(m *Manager) { m.rand = r }
}

// NewManager returns a Manager that audits to rec.
func NewManager(rec audit.Recorder, opts ...Option) *Manager {
	m := &Manager{
		rec:     rec,
		keyBits: DefaultKeyBits,
		rand:    rand.Reader,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TrustAnchors returns the configured roots, or nil.
func (m *Manager) TrustAnchors() *x509.CertPool { return m.roots }

// Generate creates an RSA keypair and a self-signed certificate for addr
// valid for validityDays.
func (m *Manager) Generate(ctx context.Context, addr string, validityDays int) (*Certificate, error) {
	cert, err := m.generate(ctx, addr, validityDays)
	ev := audit.NewEvent(audit.KindCertOperation, "", err).With("op", "generate", "address", addr)
	if cert != nil {
		ev = ev.With("serial", cert.Serial(), "not_after", cert.NotAfter().UTC().Format(time.RFC3339))
	}
	if aerr := m.rec.Append(ctx, ev); aerr != nil {
		if cert != nil && m.store != nil {
			_ = m.store.Delete(ctx, cert.Address())
		}
		return nil, aerr
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info().Object("certificate", cert).Msg("certificate generated")
	return cert, nil
}

func (m *Manager) generate(ctx context.Context, addr string, validityDays int) (*Certificate, error) {
	a, err := address.Parse(addr)
	var violations []string
	if err != nil {
		violations = append(violations, err.Error())
	}
	if validityDays <= 0 {
		violations = append(violations, fmt.Sprintf("validity must be positive, got %d days", validityDays))
	}
	if len(violations) > 0 {
		return nil, &derrors.ValidationError{Violations: violations}
	}

	fail := func(err error) error {
		return &derrors.CertError{Op: "generate", Kind: derrors.CertGeneration, Address: a.String(), Err: err}
	}

	key, err := rsa.GenerateKey(m.rand, m.keyBits)
	if err != nil {
		return nil, fail(err)
	}
	serial, err := rand.Int(m.rand, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fail(err)
	}

	now := m.now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   a.String(),
			Organization: []string{a.Domain()},
		},
		EmailAddresses:        []string{a.String()},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(m.rand, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fail(err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fail(err)
	}
	cert := newCertificate(parsed, key, now)

	if m.store != nil {
		keyDER, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fail(err)
		}
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
		if err := m.store.Save(ctx, a, cert.PEM(), keyPEM); err != nil {
			return nil, fail(err)
		}
	}
	return cert, nil
}

// Load parses a certificate and an optional private key. PEM and DER are
// accepted for both. Expired certificates load with Expired set.
func (m *Manager) Load(ctx context.Context, certData, keyData []byte) (*Certificate, error) {
	cert, err := m.load(certData, keyData)
	ev := audit.NewEvent(audit.KindCertOperation, "", err).With("op", "load")
	if cert != nil {
		ev = ev.With(
			"address", cert.Address().String(),
			"serial", cert.Serial(),
			"expired", fmt.Sprint(cert.Expired()),
		)
	}
	if aerr := m.rec.Append(ctx, ev); aerr != nil {
		return nil, aerr
	}
	if err != nil {
		return nil, err
	}
	if cert.Expired() {
		m.logger.Warn().Object("certificate", cert).Msg("loaded expired certificate")
	}
	return cert, nil
}

// LoadAddress loads the certificate and key stored for addr.
func (m *Manager) LoadAddress(ctx context.Context, addr string) (*Certificate, error) {
	if m.store == nil {
		return nil, errors.New("certs: no store configured")
	}
	a, err := address.Parse(addr)
	if err != nil {
		return nil, &derrors.ValidationError{Violations: []string{err.Error()}}
	}
	certPEM, keyPEM, err := m.store.Load(ctx, a)
	if err != nil {
		return nil, &derrors.CertError{Op: "load", Kind: derrors.CertFormat, Address: a.String(), Err: err}
	}
	return m.Load(ctx, certPEM, keyPEM)
}

// Certificate returns the certificate stored for addr without its key.
// It lets a Manager act as the recipient certificate source.
func (m *Manager) Certificate(ctx context.Context, addr string) (*Certificate, error) {
	c, err := m.LoadAddress(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c.Public(), nil
}

func (m *Manager) load(certData, keyData []byte) (*Certificate, error) {
	fail := func(kind derrors.CertKind, err error) error {
		return &derrors.CertError{Op: "load", Kind: kind, Err: err}
	}
	der := decodePEM(certData, "CERTIFICATE")
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fail(derrors.CertFormat, err)
	}

	var key crypto.Signer
	if len(keyData) > 0 {
		key, err = parsePrivateKey(keyData)
		if err != nil {
			return nil, fail(derrors.CertFormat, err)
		}
		pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
		if !ok || !pub.Equal(parsed.PublicKey) {
			return nil, fail(derrors.CertMismatch, nil)
		}
	}
	return newCertificate(parsed, key, m.now()), nil
}

func decodePEM(data []byte, wantType ...string) []byte {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return data
		}
		for _, t := range wantType {
			if block.Type == t {
				return block.Bytes
			}
		}
	}
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	der := decodePEM(data, "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY")
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k := k.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported key type %T", k)
		}
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, errors.New("unrecognised private key encoding")
}

// Validation is the result of Validate.
type Validation struct {
	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons,omitempty"`
}

type validateConfig struct {
	addr *address.Address
}

// ValidateOption configures Validate.
type ValidateOption func(*validateConfig)

// WithAddress requires the certificate to bind a.
func WithAddress(a address.Address) ValidateOption {
	return func(c *validateConfig) { c.addr = &a }
}

// Validate checks the validity window, address binding and, when trust
// anchors are configured, the chain. Network revocation is not checked.
func (m *Manager) Validate(cert *Certificate, opts ...ValidateOption) Validation {
	var cfg validateConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	now := m.now()
	x := cert.X509()
	var reasons []string
	if now.After(x.NotAfter) {
		reasons = append(reasons, ReasonExpired)
	}
	if now.Before(x.NotBefore) {
		reasons = append(reasons, ReasonNotYetValid)
	}
	switch {
	case !cert.HasBinding():
		reasons = append(reasons, ReasonNoAddressBinding)
	case cfg.addr != nil && !cert.Binds(*cfg.addr):
		reasons = append(reasons, ReasonAddressMismatch)
	}
	if m.roots != nil {
		// Time is reported separately above, so the chain is checked
		// inside the leaf's validity window.
		at := now
		if cert.ExpiredAt(now) {
			at = x.NotBefore.Add(x.NotAfter.Sub(x.NotBefore) / 2)
		}
		_, err := x.Verify(x509.VerifyOptions{
			Roots:       m.roots,
			CurrentTime: at,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		})
		if err != nil {
			reasons = append(reasons, ReasonUntrusted)
		}
	}
	return Validation{Valid: len(reasons) == 0, Reasons: reasons}
}
