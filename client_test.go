package direct

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/certs"
	"github.com/hipaadirect/direct-go/internal/config"
	"github.com/hipaadirect/direct-go/internal/message"
	"github.com/hipaadirect/direct-go/internal/smime"
	"github.com/hipaadirect/direct-go/internal/transport"
	"github.com/hipaadirect/direct-go/internal/transport/mocks"
	"github.com/hipaadirect/direct-go/internal/transport/queuetest"
)

const (
	alice = "alice@clinic.direct"
	bob   = "bob@hospital.direct"
)

type nopRecorder struct{}

func (nopRecorder) Append(context.Context, audit.Event) error { return nil }

type fixture struct {
	store *certs.MemoryStore
	srv   *queuetest.Server
	url   string
}

// newFixture generates certificates for alice and bob into a shared store
// and starts a queue service.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ledger, err := audit.Open(ctx, audit.NewMemorySink())
	require.NoError(t, err)
	store := certs.NewMemoryStore()
	mgr := certs.NewManager(ledger, certs.WithStore(store), certs.WithKeyBits(1024))
	for _, addr := range []string{alice, bob} {
		_, err := mgr.Generate(ctx, addr, 30)
		require.NoError(t, err)
	}

	srv := queuetest.New("hisp", "s3cret")
	ts := srv.Start()
	t.Cleanup(ts.Close)
	return &fixture{store: store, srv: srv, url: ts.URL}
}

func (f *fixture) config(addr string) *Config {
	return &Config{
		Address: addr,
		Backend: "queue-rest",
		Queue: config.QueueConfig{
			BaseURL:  f.url,
			Username: "hisp",
			Password: "s3cret",
			Timeout:  5 * time.Second,
		},
	}
}

func (f *fixture) client(t *testing.T, addr string, opts ...Option) (*Client, *audit.MemorySink) {
	t.Helper()
	return f.clientWith(t, f.config(addr), opts...)
}

func (f *fixture) clientWith(t *testing.T, cfg *Config, opts ...Option) (*Client, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	opts = append([]Option{WithAuditSink(sink), WithCertStore(f.store)}, opts...)
	c, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, sink
}

// deliver moves every outbox message into the inbox, as a HISP would.
func (f *fixture) deliver() []string {
	var ids []string
	for _, m := range f.srv.Outbox() {
		ids = append(ids, f.srv.Enqueue(m.From, m.Data))
	}
	return ids
}

func referral() MessageSpec {
	return MessageSpec{
		To:      []string{bob},
		Subject: "Referral",
		Text:    "See attached",
		Attachments: []AttachmentSpec{
			{Filename: "lab.txt", ContentType: "text/plain", Content: []byte("0123456789")},
		},
	}
}

func countKind(events []audit.Event, kind audit.Kind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func lastOfKind(events []audit.Event, kind audit.Kind) (audit.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			return events[i], true
		}
	}
	return audit.Event{}, false
}

func TestScenarioA_SendQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c, sink := f.client(t, alice)

	receipt, err := c.Send(context.Background(), referral())
	require.NoError(t, err)
	assert.Equal(t, "queued", receipt.Status)
	assert.Equal(t, BackendQueue, receipt.Backend)
	assert.NotEmpty(t, receipt.ID)

	out := f.srv.Outbox()
	require.Len(t, out, 1)
	assert.Equal(t, alice, out[0].From)
	assert.Equal(t, []string{bob}, out[0].To)
	assert.True(t, smime.IsEnveloped(out[0].Data))
	assert.NotContains(t, string(out[0].Data), "See attached")
	assert.NotContains(t, string(out[0].Data), "0123456789")

	events := sink.Events()
	assert.Equal(t, 1, countKind(events, audit.KindMessageBuilt))
	assert.Equal(t, 1, countKind(events, audit.KindMessageSigned))
	assert.Equal(t, 1, countKind(events, audit.KindMessageEncrypted))
	assert.Equal(t, 1, countKind(events, audit.KindMessageSent))
	sent, _ := lastOfKind(events, audit.KindMessageSent)
	assert.True(t, sent.Outcome.Success)
	assert.Equal(t, out[0].MessageID, sent.CorrelationID)
	assert.Equal(t, "queued", sent.Attributes["status"])
	assert.Equal(t, alice, sent.Actor)

	n, err := c.VerifyAudit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(events), n)
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a, _ := f.client(t, alice)
	b, bobAudit := f.client(t, bob)

	_, err := a.Send(ctx, referral())
	require.NoError(t, err)
	ids := f.deliver()

	got, err := b.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	r := got[0]
	require.NoError(t, r.Err)
	assert.Equal(t, ids[0], r.EnvelopeID)
	assert.Equal(t, alice, r.From)
	assert.Equal(t, alice, r.SignerAddress)
	assert.False(t, r.Trusted)
	assert.Contains(t, r.Warnings, smime.WarnNoTrustAnchors)
	assert.Equal(t, "Referral", r.Message.Subject)
	assert.Equal(t, "See attached", r.Message.Text)
	require.Len(t, r.Message.Attachments, 1)
	att := r.Message.Attachments[0]
	assert.Equal(t, []byte("0123456789"), att.Content)
	assert.Equal(t, message.Digest([]byte("0123456789")), att.Digest)

	require.NoError(t, b.Acknowledge(ctx, r.EnvelopeID))
	err = b.Acknowledge(ctx, r.EnvelopeID)
	assert.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	events := bobAudit.Events()
	assert.Equal(t, 1, countKind(events, audit.KindMessageFetched))
	assert.Equal(t, 1, countKind(events, audit.KindMessageDecrypted))
	assert.Equal(t, 1, countKind(events, audit.KindMessageVerified))
	assert.Equal(t, 2, countKind(events, audit.KindMessageAcknowledged))
	ack, _ := lastOfKind(events, audit.KindMessageAcknowledged)
	assert.False(t, ack.Outcome.Success)
	assert.Equal(t, "not_found", ack.Outcome.ErrorKind)
	assert.Equal(t, r.EnvelopeID, ack.Attributes["envelope_id"])
}

func TestScenarioB_CountFetchAcknowledge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a, _ := f.client(t, alice)
	b, _ := f.client(t, bob)

	for range 3 {
		_, err := a.Send(ctx, referral())
		require.NoError(t, err)
	}
	ids := f.deliver()

	n, err := b.CheckCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := b.Fetch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[0], got[0].EnvelopeID)
	assert.Equal(t, ids[1], got[1].EnvelopeID)

	again, err := b.Fetch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, got[0].EnvelopeID, again[0].EnvelopeID)
	assert.Equal(t, got[1].EnvelopeID, again[1].EnvelopeID)

	require.NoError(t, b.Acknowledge(ctx, got[0].EnvelopeID))
	n, err = b.CheckCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestScenarioC_ExpiredIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	past := time.Now().AddDate(0, 0, -10)
	gen := certs.NewManager(nopRecorder{}, certs.WithKeyBits(1024), certs.WithClock(func() time.Time { return past }))
	expired, err := gen.Generate(ctx, alice, 1)
	require.NoError(t, err)

	c, sink := f.client(t, alice, WithIdentity(expired))

	v := c.Certificates().Validate(expired)
	assert.False(t, v.Valid)
	assert.Equal(t, []string{certs.ReasonExpired}, v.Reasons)

	_, err = c.Send(ctx, referral())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCertExpired)
	var ce *CertError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "sign", ce.Op)
	assert.Empty(t, f.srv.Outbox())

	events := sink.Events()
	signed, ok := lastOfKind(events, audit.KindMessageSigned)
	require.True(t, ok)
	assert.False(t, signed.Outcome.Success)
	assert.Equal(t, 0, countKind(events, audit.KindMessageEncrypted))
	require.Equal(t, 1, countKind(events, audit.KindMessageSent))
	sent, _ := lastOfKind(events, audit.KindMessageSent)
	assert.False(t, sent.Outcome.Success)
	assert.Equal(t, "cert_expired", sent.Outcome.ErrorKind)
	assert.Equal(t, signed.CorrelationID, sent.CorrelationID)
}

func TestFetch_FailedEnvelopeReportedInSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a, _ := f.client(t, alice)
	b, _ := f.client(t, bob)

	garbage := f.srv.Enqueue(alice, []byte("Subject: hi\r\n\r\nnot protected\r\n"))
	_, err := a.Send(ctx, referral())
	require.NoError(t, err)
	f.deliver()

	got, err := b.Fetch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, garbage, got[0].EnvelopeID)
	assert.ErrorIs(t, got[0].Err, ErrDecryptFailed)
	assert.Nil(t, got[0].Message)

	require.NoError(t, got[1].Err)
	assert.Equal(t, "Referral", got[1].Message.Subject)
}

func TestFetch_WrongRecipientFailsDecrypt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a, _ := f.client(t, alice)

	_, err := a.Send(ctx, referral())
	require.NoError(t, err)
	f.deliver()

	// alice cannot open a message encrypted for bob.
	got, err := a.Fetch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, ErrDecryptFailed)
}

func TestFetch_AuditFailureFailsCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	b, sink := f.client(t, bob)
	f.srv.Enqueue(alice, []byte("x"))

	sink.SetFailure(errors.New("disk full"))
	got, err := b.Fetch(ctx, 0)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrAuditWrite)
	assert.Equal(t, 1, f.srv.Pending())
}

func TestSend_AuditFailureFailsSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, sink := f.client(t, alice)

	sink.SetFailure(errors.New("disk full"))
	_, err := a.Send(context.Background(), referral())
	assert.ErrorIs(t, err, ErrAuditWrite)
	assert.Empty(t, f.srv.Outbox())
}

func TestSend_RecipientWithoutCertificate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, sink := f.client(t, alice)

	spec := referral()
	spec.To = append(spec.To, "carol@hospital.direct")
	_, err := a.Send(context.Background(), spec)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, ve.Violations[0], "carol@hospital.direct")
	assert.Empty(t, f.srv.Outbox())

	// The lookup fails before signing and the failure is audited.
	events := sink.Events()
	assert.Equal(t, 0, countKind(events, audit.KindMessageSigned))
	assert.Equal(t, 0, countKind(events, audit.KindMessageEncrypted))
	built, ok := lastOfKind(events, audit.KindMessageBuilt)
	require.True(t, ok)
	require.Equal(t, 1, countKind(events, audit.KindMessageSent))
	sent, _ := lastOfKind(events, audit.KindMessageSent)
	assert.False(t, sent.Outcome.Success)
	assert.Equal(t, "validation", sent.Outcome.ErrorKind)
	assert.Equal(t, built.CorrelationID, sent.CorrelationID)
	assert.Equal(t, string(message.StatePlaintext), sent.Attributes["state"])
}

func TestSend_InvalidSpec(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.client(t, alice)

	_, err := a.Send(context.Background(), MessageSpec{To: nil, Subject: "x"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAllowUnencrypted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	cfg := f.config(alice)
	cfg.AllowUnencrypted = true
	a, sink := f.clientWith(t, cfg)
	_, err := a.Send(ctx, referral())
	require.NoError(t, err)
	assert.Equal(t, 0, countKind(sink.Events(), audit.KindMessageEncrypted))
	f.deliver()

	lenient := f.config(bob)
	lenient.AllowUnencrypted = true
	bl, _ := f.clientWith(t, lenient)
	got, err := bl.Fetch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, got[0].Err)
	assert.Equal(t, alice, got[0].SignerAddress)

	strict, _ := f.client(t, bob)
	got, err = strict.Fetch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, ErrDecryptFailed)
}

func TestClient_HealthAndClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c, _ := f.client(t, bob)

	h := c.Health(ctx)
	assert.True(t, h.Reachable)
	assert.Equal(t, BackendQueue, h.Backend)

	f.srv.FailWith(http.StatusServiceUnavailable)
	h = c.Health(ctx)
	assert.False(t, h.Reachable)
	assert.NotEmpty(t, h.Error)
	f.srv.FailWith(0)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err := c.Fetch(ctx, 1)
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = c.Send(ctx, referral())
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, c.Acknowledge(ctx, "x"), ErrClientClosed)
	_, err = c.CheckCount(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.False(t, c.Health(ctx).Reachable)
}

func TestClient_DeliveryStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	c, _ := f.client(t, alice)
	require.True(t, c.Capabilities().Has(CapStatus))

	rcpt, err := c.Send(ctx, referral())
	require.NoError(t, err)
	f.srv.SetStatus(rcpt.ID, "delivered")

	st, err := c.DeliveryStatus(ctx, rcpt.ID)
	require.NoError(t, err)
	assert.Equal(t, rcpt.ID, st.ID)
	assert.Equal(t, "delivered", st.Status)
	assert.Equal(t, BackendQueue, st.Backend)

	_, err = c.DeliveryStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.DeliveryStatus(ctx, "")
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, c.Close())
	_, err = c.DeliveryStatus(ctx, rcpt.ID)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_ReceiveOnlyBackend(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	backend.EXPECT().Kind().Return(transport.KindPOP3).AnyTimes()
	backend.EXPECT().Capabilities().Return(transport.CapReceive | transport.CapAcknowledge).AnyTimes()

	f := newFixture(t)
	c, sink := f.client(t, alice, withBackend(backend))
	assert.Equal(t, BackendPOP3, c.Backend())
	assert.False(t, c.Capabilities().Has(transport.CapSend))

	_, err := c.Send(context.Background(), referral())
	assert.ErrorIs(t, err, ErrUnsupported)
	var ue *UnsupportedOperationError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "send", ue.Op)

	sent, ok := lastOfKind(sink.Events(), audit.KindMessageSent)
	require.True(t, ok)
	assert.False(t, sent.Outcome.Success)
	assert.Equal(t, "pop3", sent.Attributes["backend"])

	_, err = c.DeliveryStatus(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestClient_FetchTransportFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	backend.EXPECT().Kind().Return(transport.KindIMAP).AnyTimes()
	backend.EXPECT().Capabilities().Return(transport.CapReceive | transport.CapAcknowledge).AnyTimes()
	backend.EXPECT().
		Fetch(gomock.Any(), transport.FetchOptions{Limit: 5}).
		Return(nil, &ConnectError{Backend: "imap", Op: "fetch", Err: errors.New("connection refused")})

	f := newFixture(t)
	c, sink := f.client(t, bob, withBackend(backend))

	got, err := c.Fetch(context.Background(), 5)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrConnect)
	assert.True(t, IsRetryable(err))

	fetched, ok := lastOfKind(sink.Events(), audit.KindMessageFetched)
	require.True(t, ok)
	assert.False(t, fetched.Outcome.Success)
	assert.Equal(t, "connect", fetched.Outcome.ErrorKind)
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := New(ctx, nil)
	assert.Error(t, err)

	_, err = New(ctx, &Config{Address: "nope", Backend: "queue"})
	assert.Error(t, err)

	_, err = New(ctx, f.config(alice), WithCertStore(f.store))
	assert.ErrorContains(t, err, "no audit sink")

	_, err = New(ctx, f.config(alice), WithAuditSink(audit.NewMemorySink()))
	assert.ErrorContains(t, err, "no identity")

	_, err = New(ctx, f.config("carol@clinic.direct"), WithAuditSink(audit.NewMemorySink()), WithCertStore(f.store))
	assert.ErrorIs(t, err, certs.ErrNotStored)

	bobCert, err := certs.NewManager(nopRecorder{}, certs.WithStore(f.store)).LoadAddress(ctx, bob)
	require.NoError(t, err)
	_, err = New(ctx, f.config(alice), WithAuditSink(audit.NewMemorySink()), WithIdentity(bobCert))
	assert.ErrorIs(t, err, ErrCertMismatch)

	_, err = New(ctx, f.config(alice), WithAuditSink(audit.NewMemorySink()), WithIdentity(bobCert.Public()))
	assert.ErrorIs(t, err, ErrCertNoKey)
}

func TestClient_AuditEventsQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a, _ := f.client(t, alice)
	_, err := a.Send(ctx, referral())
	require.NoError(t, err)

	var kinds []AuditKind
	for e, err := range a.AuditEvents(ctx, AuditFilter{Kinds: []AuditKind{audit.KindMessageSent}}) {
		require.NoError(t, err)
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []AuditKind{audit.KindMessageSent}, kinds)
}

func TestProvision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	sink := audit.NewMemorySink()

	cfg := f.config("carol@clinic.direct")
	cert, err := Provision(ctx, cfg, 90, WithCertStore(f.store), WithAuditSink(sink), WithKeyBits(1024))
	require.NoError(t, err)
	assert.Equal(t, "carol@clinic.direct", cert.Address().String())
	assert.True(t, cert.HasPrivateKey())

	ev, ok := lastOfKind(sink.Events(), audit.KindCertOperation)
	require.True(t, ok)
	assert.Equal(t, "generate", ev.Attributes["op"])

	c, _ := f.clientWith(t, cfg)
	assert.Equal(t, cert.Serial(), c.Identity().Serial())
	assert.False(t, c.Identity().HasPrivateKey())

	_, err = Provision(ctx, cfg, 0, WithCertStore(f.store), WithAuditSink(audit.NewMemorySink()))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = Provision(ctx, f.config("dave@clinic.direct"), 30, WithAuditSink(audit.NewMemorySink()))
	assert.ErrorContains(t, err, "certs.dir")
}
