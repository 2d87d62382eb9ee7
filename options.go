package direct

import (
	"crypto/x509"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/hipaadirect/direct-go/internal/transport"
)

// Option configures the client.
type Option func(*clientConfig)

// clientConfig holds the programmatic configuration of a client.
type clientConfig struct {
	logger         zerolog.Logger
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	httpClient     *http.Client
	now            func() time.Time

	auditSink   AuditSink
	chainSecret []byte
	sealer      *Sealer

	certStore  CertStore
	identity   *Certificate
	recipients CertificateSource
	roots      *x509.CertPool
	keyBits    int

	backend transport.Backend
}

// WithLogger sets the structured logger. The default discards output.
func WithLogger(l zerolog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = l
	}
}

// WithMetrics registers the client's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *clientConfig) {
		c.registerer = reg
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The default
// is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *clientConfig) {
		c.tracerProvider = tp
	}
}

// WithHTTPClient sets the HTTP client used by the queue backend.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = client
	}
}

// WithClock overrides the time source used for certificate checks and
// message dates.
func WithClock(now func() time.Time) Option {
	return func(c *clientConfig) {
		c.now = now
	}
}

// WithAuditSink sets the audit sink, replacing the sinks named in the
// configuration. The client closes it on Close.
func WithAuditSink(s AuditSink) Option {
	return func(c *clientConfig) {
		c.auditSink = s
	}
}

// WithAuditChainSecret keys the audit hash chain with a MAC.
func WithAuditChainSecret(secret []byte) Option {
	return func(c *clientConfig) {
		c.chainSecret = secret
	}
}

// WithAuditSealer seals closed file-sink segments.
func WithAuditSealer(s *Sealer) Option {
	return func(c *clientConfig) {
		c.sealer = s
	}
}

// WithCertStore sets the certificate store holding the local identity and
// partner certificates.
func WithCertStore(s CertStore) Option {
	return func(c *clientConfig) {
		c.certStore = s
	}
}

// WithIdentity sets the local certificate. It must carry a private key.
func WithIdentity(cert *Certificate) Option {
	return func(c *clientConfig) {
		c.identity = cert
	}
}

// WithCertificateSource sets where recipient and expected signer
// certificates are looked up. The default is the certificate store.
func WithCertificateSource(src CertificateSource) Option {
	return func(c *clientConfig) {
		c.recipients = src
	}
}

// WithTrustAnchors enables chain validation of certificates and signers.
func WithTrustAnchors(roots *x509.CertPool) Option {
	return func(c *clientConfig) {
		c.roots = roots
	}
}

// WithKeyBits sets the RSA modulus size of generated certificates.
func WithKeyBits(bits int) Option {
	return func(c *clientConfig) {
		c.keyBits = bits
	}
}

// withBackend replaces the configured backend. Tests use it to inject a
// mock.
func withBackend(b transport.Backend) Option {
	return func(c *clientConfig) {
		c.backend = b
	}
}
