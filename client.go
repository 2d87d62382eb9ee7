package direct

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hipaadirect/direct-go/internal/address"
	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/audit/kafkasink"
	"github.com/hipaadirect/direct-go/internal/audit/pgsink"
	"github.com/hipaadirect/direct-go/internal/certs"
	"github.com/hipaadirect/direct-go/internal/config"
	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/message"
	"github.com/hipaadirect/direct-go/internal/metrics"
	"github.com/hipaadirect/direct-go/internal/router"
	"github.com/hipaadirect/direct-go/internal/smime"
	"github.com/hipaadirect/direct-go/internal/transport"
)

const tracerName = "github.com/hipaadirect/direct-go"

// Config is the client configuration. See [LoadConfig] for the YAML form.
type Config = config.Config

// LoadConfig reads a YAML configuration file after loading envFiles into
// the environment.
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	return config.Load(path, envFiles...)
}

// Re-exported component types.
type (
	Certificate        = certs.Certificate
	CertificateManager = certs.Manager
	CertStore          = certs.Store
	Validation         = certs.Validation

	AuditSink   = audit.Sink
	AuditEvent  = audit.Event
	AuditFilter = audit.Filter
	AuditKind   = audit.Kind
	Sealer      = audit.Sealer

	MessageSpec    = message.Spec
	AttachmentSpec = message.AttachmentSpec
	Message        = message.DirectMessage
	Attachment     = message.Attachment

	BackendKind     = transport.Kind
	Capability      = transport.Capability
	DeliveryReceipt = transport.DeliveryReceipt
)

// Backend kinds.
const (
	BackendPOP3  = transport.KindPOP3
	BackendIMAP  = transport.KindIMAP
	BackendQueue = transport.KindQueue
)

// Backend capabilities.
const (
	CapReceive     = transport.CapReceive
	CapSend        = transport.CapSend
	CapAcknowledge = transport.CapAcknowledge
	CapStatus      = transport.CapStatus
)

// CertificateSource returns the public certificate bound to a Direct
// address. A source that has no certificate for addr returns an error
// matching certs.ErrNotStored.
type CertificateSource interface {
	Certificate(ctx context.Context, addr string) (*Certificate, error)
}

// NewFileCertStore returns a certificate store rooted at dir.
func NewFileCertStore(dir string) (CertStore, error) {
	return certs.NewFileStore(dir)
}

// NewMemoryCertStore returns an in-memory certificate store.
func NewMemoryCertStore() CertStore {
	return certs.NewMemoryStore()
}

// NewFileAuditSink returns a JSONL audit sink writing one segment per UTC
// day into dir.
func NewFileAuditSink(dir string, sealer *Sealer) (AuditSink, error) {
	var opts []audit.FileOption
	if sealer != nil {
		opts = append(opts, audit.WithSealer(sealer))
	}
	return audit.NewFileSink(dir, opts...)
}

// NewMemoryAuditSink returns an in-memory audit sink for tests.
func NewMemoryAuditSink() *audit.MemorySink {
	return audit.NewMemorySink()
}

// Health reports backend reachability.
type Health struct {
	Backend   BackendKind `json:"backend"`
	Reachable bool        `json:"reachable"`
	Error     string      `json:"error,omitempty"`
}

// Client sends and receives Direct messages over one backend.
type Client struct {
	address          address.Address
	allowUnencrypted bool

	me       *Certificate
	ledger   *audit.Ledger
	certs    *certs.Manager
	source   CertificateSource
	pipeline *smime.Pipeline
	builder  *message.Builder
	router   *router.Router

	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu     sync.RWMutex
	closed bool
}

// New creates a client from cfg. The audit ledger is opened first; every
// later construction step is audited to it.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Client, error) {
	s, err := prepare(cfg, opts)
	if err != nil {
		return nil, err
	}
	ledger, err := s.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	c, err := build(ctx, s, ledger)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}
	s.logger.Info().
		Str("backend", string(c.router.Kind())).
		Stringer("capabilities", c.router.Capabilities()).
		Bool("allow_unencrypted", c.allowUnencrypted).
		Msg("direct client ready")
	return c, nil
}

// setup is a validated configuration plus resolved options.
type setup struct {
	conf   Config
	local  address.Address
	cc     *clientConfig
	logger zerolog.Logger
	m      *metrics.Metrics
}

func prepare(cfg *Config, opts []Option) (*setup, error) {
	if cfg == nil {
		return nil, errors.New("direct: config is required")
	}
	conf := *cfg
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("direct: %w", err)
	}
	local, err := address.Parse(conf.Address)
	if err != nil {
		return nil, fmt.Errorf("direct: %w", err)
	}

	cc := &clientConfig{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cc)
	}
	if cc.tracerProvider == nil {
		cc.tracerProvider = otel.GetTracerProvider()
	}
	s := &setup{
		conf:   conf,
		local:  local,
		cc:     cc,
		logger: cc.logger.With().Str("address", local.String()).Logger(),
	}
	if cc.registerer != nil {
		s.m = metrics.New(cc.registerer)
	}
	return s, nil
}

func (s *setup) openLedger(ctx context.Context) (*audit.Ledger, error) {
	sink := s.cc.auditSink
	if sink == nil {
		var err error
		if sink, err = openAuditSink(ctx, s.conf.Audit, s.cc.sealer); err != nil {
			return nil, err
		}
	}
	opts := []audit.Option{audit.WithLogger(s.logger), audit.WithMetrics(s.m), audit.WithClock(s.cc.now)}
	secret := s.cc.chainSecret
	if secret == nil && s.conf.Audit.ChainSecret != "" {
		secret = []byte(s.conf.Audit.ChainSecret)
	}
	if secret != nil {
		opts = append(opts, audit.WithChainSecret(secret))
	}
	ledger, err := audit.Open(ctx, sink, opts...)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("direct: open audit ledger: %w", err)
	}
	return ledger, nil
}

// certStore returns the store from options or certs.dir, or nil.
func (s *setup) certStore() (certs.Store, error) {
	if s.cc.certStore != nil {
		return s.cc.certStore, nil
	}
	if s.conf.Certs.Dir == "" {
		return nil, nil
	}
	fs, err := certs.NewFileStore(s.conf.Certs.Dir)
	if err != nil {
		return nil, fmt.Errorf("direct: %w", err)
	}
	return fs, nil
}

func (s *setup) trustAnchors() (*x509.CertPool, error) {
	if s.cc.roots != nil || len(s.conf.Certs.TrustAnchors) == 0 {
		return s.cc.roots, nil
	}
	return loadTrustAnchors(s.conf.Certs.TrustAnchors)
}

func (s *setup) manager(rec audit.Recorder, store certs.Store, roots *x509.CertPool) *certs.Manager {
	opts := []certs.Option{certs.WithClock(s.cc.now), certs.WithLogger(s.logger)}
	if store != nil {
		opts = append(opts, certs.WithStore(store))
	}
	if roots != nil {
		opts = append(opts, certs.WithTrustAnchors(roots))
	}
	if s.cc.keyBits > 0 {
		opts = append(opts, certs.WithKeyBits(s.cc.keyBits))
	}
	return certs.NewManager(rec, opts...)
}

func build(ctx context.Context, s *setup, ledger *audit.Ledger) (*Client, error) {
	conf, cc, logger, m, local := s.conf, s.cc, s.logger, s.m, s.local
	store, err := s.certStore()
	if err != nil {
		return nil, err
	}
	roots, err := s.trustAnchors()
	if err != nil {
		return nil, err
	}
	mgr := s.manager(ledger, store, roots)

	me, err := loadIdentity(ctx, mgr, conf, cc.identity, store != nil)
	if err != nil {
		return nil, err
	}
	if !me.HasPrivateKey() {
		return nil, &derrors.CertError{Op: "load", Kind: derrors.CertNoKey, Address: local.String()}
	}
	if !me.Binds(local) {
		return nil, &derrors.CertError{Op: "load", Kind: derrors.CertMismatch, Address: local.String(),
			Err: fmt.Errorf("identity certificate binds %s", me.Address())}
	}
	if me.Expired() {
		logger.Warn().Object("certificate", me).Msg("identity certificate expired; sending will fail")
	}

	source := cc.recipients
	if source == nil && store != nil {
		source = mgr
	}

	policy := smime.RecipientReject
	if conf.Warn() {
		policy = smime.RecipientWarn
	}
	pipelineOpts := []smime.Option{
		smime.WithRecipientPolicy(policy),
		smime.WithClock(cc.now),
		smime.WithLogger(logger),
		smime.WithMetrics(m),
	}
	if roots != nil {
		pipelineOpts = append(pipelineOpts, smime.WithTrustAnchors(roots))
	}

	rt, err := newRouter(conf, cc, logger, m)
	if err != nil {
		return nil, fmt.Errorf("direct: %w", err)
	}

	return &Client{
		address:          local,
		allowUnencrypted: conf.AllowUnencrypted,
		me:               me,
		ledger:           ledger,
		certs:            mgr,
		source:           source,
		pipeline:         smime.New(ledger, pipelineOpts...),
		builder: message.NewBuilder(ledger,
			message.WithRegistry(address.NewRegistry(conf.Domains...)),
			message.WithClock(cc.now),
			message.WithLogger(logger),
		),
		router:  rt,
		logger:  logger,
		metrics: m,
		tracer:  cc.tracerProvider.Tracer(tracerName),
	}, nil
}

func newRouter(conf Config, cc *clientConfig, logger zerolog.Logger, m *metrics.Metrics) (*router.Router, error) {
	if cc.backend != nil {
		return router.NewWithBackend(cc.backend, logger.With().Str("backend", string(cc.backend.Kind())).Logger(), m), nil
	}
	return router.New(conf.Kind(), router.Options{
		POP3:       conf.POP3.Backend(),
		IMAP:       conf.IMAP.Backend(),
		Queue:      conf.Queue.Backend(),
		SMTP:       conf.SMTP.Submitter(),
		HTTPClient: cc.httpClient,
		Logger:     logger,
		Metrics:    m,
	})
}

func loadIdentity(ctx context.Context, mgr *certs.Manager, conf Config, given *Certificate, haveStore bool) (*Certificate, error) {
	switch {
	case given != nil:
		return given, nil
	case conf.Identity.CertFile != "":
		certPEM, err := os.ReadFile(conf.Identity.CertFile)
		if err != nil {
			return nil, &derrors.CertError{Op: "load", Kind: derrors.CertFormat, Address: conf.Address, Err: err}
		}
		keyPEM, err := os.ReadFile(conf.Identity.KeyFile)
		if err != nil {
			return nil, &derrors.CertError{Op: "load", Kind: derrors.CertFormat, Address: conf.Address, Err: err}
		}
		return mgr.Load(ctx, certPEM, keyPEM)
	case haveStore:
		return mgr.LoadAddress(ctx, conf.Address)
	}
	return nil, errors.New("direct: no identity: set identity files, a certificate store or WithIdentity")
}

func loadTrustAnchors(paths []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("direct: read trust anchor: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("direct: no certificates in trust anchor %s", p)
		}
	}
	return pool, nil
}

// openAuditSink builds the sinks named in ac. The file sink, when set, is
// the readable primary and the other sinks mirror it.
func openAuditSink(ctx context.Context, ac config.AuditConfig, sealer *Sealer) (audit.Sink, error) {
	var sinks []audit.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if ac.Dir != "" {
		if sealer == nil && ac.SealKeyFile != "" {
			s, err := audit.LoadSealer(ac.SealKeyFile)
			if err != nil {
				return nil, fmt.Errorf("direct: %w", err)
			}
			sealer = s
		}
		fs, err := NewFileAuditSink(ac.Dir, sealer)
		if err != nil {
			return nil, fmt.Errorf("direct: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if ac.Postgres.DSN != "" {
		pg, err := pgsink.Connect(ctx, ac.Postgres.DSN)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("direct: %w", err)
		}
		sinks = append(sinks, pg)
	}
	if len(ac.Kafka.Brokers) > 0 {
		ks, err := kafkasink.New(ac.Kafka.Brokers, ac.Kafka.Topic)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("direct: %w", err)
		}
		sinks = append(sinks, ks)
	}

	switch len(sinks) {
	case 0:
		return nil, errors.New("direct: no audit sink: set audit.dir, audit.postgres.dsn or WithAuditSink")
	case 1:
		return sinks[0], nil
	}
	if _, ok := sinks[0].(*kafkasink.Sink); ok {
		closeAll()
		return nil, errors.New("direct: the kafka audit sink needs a file or postgres primary")
	}
	return audit.NewMultiSink(sinks[0], sinks[1:]...), nil
}

// checkClosed returns ErrClientClosed if the client has been closed.
func (c *Client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// span starts a traced client operation. end records err on the span.
func (c *Client) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("direct.backend", string(c.router.Kind())))
	ctx, span := c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ErrorKind(err))
		}
		span.End()
	}
}

// Address returns the local Direct address.
func (c *Client) Address() string { return c.address.String() }

// Identity returns the local certificate without its private key.
func (c *Client) Identity() *Certificate { return c.me.Public() }

// Backend returns the selected backend kind.
func (c *Client) Backend() BackendKind { return c.router.Kind() }

// Capabilities returns the operations the backend supports.
func (c *Client) Capabilities() Capability { return c.router.Capabilities() }

// Certificates returns the certificate manager. Its operations are
// audited to the client's ledger.
func (c *Client) Certificates() *CertificateManager { return c.certs }

// CheckCount returns the number of pending inbound envelopes without
// fetching content.
func (c *Client) CheckCount(ctx context.Context) (int, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	ctx, end := c.span(ctx, "direct.CheckCount")
	n, err := c.router.CheckCount(ctx)
	end(err)
	return n, err
}

// DeliveryStatus asks the backend for the current status of a message sent
// earlier, by the id of its DeliveryReceipt. Backends without status
// tracking return an UnsupportedOperationError.
func (c *Client) DeliveryStatus(ctx context.Context, receiptID string) (*DeliveryReceipt, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if receiptID == "" {
		return nil, &ValidationError{Violations: []string{"receipt id is empty"}}
	}
	ctx, end := c.span(ctx, "direct.DeliveryStatus", attribute.String("direct.receipt_id", receiptID))
	r, err := c.router.DeliveryStatus(ctx, receiptID)
	end(err)
	return r, err
}

// Health dials the backend and reports whether it is reachable.
func (c *Client) Health(ctx context.Context) Health {
	h := Health{Backend: c.router.Kind()}
	if err := c.checkClosed(); err != nil {
		h.Error = err.Error()
		return h
	}
	ctx, end := c.span(ctx, "direct.Health")
	err := c.router.Ping(ctx)
	end(err)
	h.Reachable = err == nil
	if err != nil {
		h.Error = ErrorKind(err)
	}
	return h
}

// AuditEvents returns a lazy, restartable sequence of audit events
// matching f. It fails with an error when the sink cannot be read back.
func (c *Client) AuditEvents(ctx context.Context, f AuditFilter) iter.Seq2[AuditEvent, error] {
	return c.ledger.Query(ctx, f)
}

// VerifyAudit recomputes the audit hash chain and returns the number of
// events checked.
func (c *Client) VerifyAudit(ctx context.Context) (int, error) {
	return c.ledger.Verify(ctx)
}

// Close flushes and closes the audit ledger. Further operations return
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ledger.Close()
}
