package certs

import (
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hipaadirect/direct-go/internal/address"
)

// Certificate is an X.509 certificate bound to a Direct address, with an
// optional private key. Certificates are immutable after load and safe to
// share between goroutines.
type Certificate struct {
	cert    *x509.Certificate
	key     crypto.Signer
	addr    address.Address
	expired bool
}

func newCertificate(cert *x509.Certificate, key crypto.Signer, now time.Time) *Certificate {
	c := &Certificate{cert: cert, key: key, expired: now.After(cert.NotAfter)}
	for _, e := range cert.EmailAddresses {
		if a, err := address.Parse(e); err == nil {
			c.addr = a
			break
		}
	}
	return c
}

// FromX509 wraps a parsed certificate without a private key, for example
// the signer certificate embedded in a CMS structure.
func FromX509(cert *x509.Certificate, now time.Time) *Certificate {
	return newCertificate(cert, nil, now)
}

// X509 returns the parsed certificate.
func (c *Certificate) X509() *x509.Certificate { return c.cert }

// Address returns the first rfc822Name the certificate binds. It is zero
// for domain-bound certificates.
func (c *Certificate) Address() address.Address { return c.addr }

// Serial returns the serial number as lower-case hex.
func (c *Certificate) Serial() string { return hex.EncodeToString(c.cert.SerialNumber.Bytes()) }

// Issuer returns the issuer distinguished name.
func (c *Certificate) Issuer() string { return c.cert.Issuer.String() }

// NotBefore returns the start of the validity window.
func (c *Certificate) NotBefore() time.Time { return c.cert.NotBefore }

// NotAfter returns the end of the validity window.
func (c *Certificate) NotAfter() time.Time { return c.cert.NotAfter }

// Expired reports whether the certificate had expired when it was loaded.
func (c *Certificate) Expired() bool { return c.expired }

// ExpiredAt reports whether the certificate is outside its validity window at t.
func (c *Certificate) ExpiredAt(t time.Time) bool {
	return t.After(c.cert.NotAfter) || t.Before(c.cert.NotBefore)
}

// HasPrivateKey reports whether a private key is attached.
func (c *Certificate) HasPrivateKey() bool { return c.key != nil }

// PrivateKey returns the attached key, or nil. Only the crypto pipeline
// should call this.
func (c *Certificate) PrivateKey() crypto.Signer { return c.key }

// Binds reports whether the certificate is valid for a: either a matches
// an rfc822Name, or a's domain matches a dNSName (domain-bound certificate).
func (c *Certificate) Binds(a address.Address) bool {
	for _, e := range c.cert.EmailAddresses {
		if b, err := address.Parse(e); err == nil && b.Equal(a) {
			return true
		}
	}
	for _, d := range c.cert.DNSNames {
		if strings.EqualFold(d, a.Domain()) {
			return true
		}
	}
	return false
}

// HasBinding reports whether the certificate binds any address or domain.
func (c *Certificate) HasBinding() bool {
	return len(c.cert.EmailAddresses) > 0 || len(c.cert.DNSNames) > 0
}

// PEM returns the certificate (never the key) PEM-encoded.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw})
}

// Public returns a copy of c without its private key.
func (c *Certificate) Public() *Certificate {
	cp := *c
	cp.key = nil
	return &cp
}

func (c *Certificate) String() string {
	return fmt.Sprintf("certificate(%s serial=%s not_after=%s)", c.addr, c.Serial(), c.cert.NotAfter.UTC().Format(time.RFC3339))
}

// Info is the serialisable description of a certificate.
type Info struct {
	Address   string    `json:"address,omitempty"`
	Serial    string    `json:"serial"`
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	Expired   bool      `json:"expired"`
	HasKey    bool      `json:"has_private_key"`
}

// Info describes c without key material.
func (c *Certificate) Info() Info {
	return Info{
		Address:   c.addr.String(),
		Serial:    c.Serial(),
		Subject:   c.cert.Subject.String(),
		Issuer:    c.Issuer(),
		NotBefore: c.cert.NotBefore.UTC(),
		NotAfter:  c.cert.NotAfter.UTC(),
		Expired:   c.expired,
		HasKey:    c.key != nil,
	}
}

// MarshalJSON encodes Info.
func (c *Certificate) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Info())
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (c *Certificate) MarshalZerologObject(e *zerolog.Event) {
	e.Str("address", c.addr.String()).
		Str("serial", c.Serial()).
		Time("not_after", c.cert.NotAfter).
		Bool("expired", c.expired).
		Bool("has_key", c.key != nil)
}
