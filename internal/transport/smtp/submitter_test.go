package smtp

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/transport"
)

type delivery struct {
	from string
	to   []string
	data string
}

type mta struct {
	mu        sync.Mutex
	delivered []delivery
	reject    string
}

func (m *mta) NewSession(*gosmtp.Conn) (gosmtp.Session, error) { return &session{mta: m}, nil }

type session struct {
	mta *mta
	cur delivery
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if to == s.mta.reject {
		return &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = string(b)
	s.mta.mu.Lock()
	s.mta.delivered = append(s.mta.delivered, s.cur)
	s.mta.mu.Unlock()
	return nil
}

func (s *session) Reset()        { s.cur = delivery{} }
func (s *session) Logout() error { return nil }

func startMTA(t *testing.T, m *mta) (string, int) {
	t.Helper()
	srv := gosmtp.NewServer(m)
	srv.Domain = "hisp.test"
	srv.AllowInsecureAuth = true
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { srv.Close() })
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func newSubmitter(t *testing.T, host string, port int) *Submitter {
	t.Helper()
	s, err := New(Config{Host: host, Port: port, Security: transport.SecurityNone, Timeout: 5 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestSubmitter_Submit(t *testing.T) {
	t.Parallel()
	m := &mta{}
	host, port := startMTA(t, m)
	s := newSubmitter(t, host, port)

	receipt, err := s.Submit(context.Background(), transport.Outbound{
		MessageID: "abc@clinic.direct",
		From:      "alice@clinic.direct",
		To:        []string{"bob@hospital.direct", "carol@hospital.direct"},
		Data:      []byte("From: alice@clinic.direct\r\nSubject: x\r\n\r\nhello\r\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc@clinic.direct", receipt.ID)
	assert.Equal(t, StatusSent, receipt.Status)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.delivered, 1)
	got := m.delivered[0]
	assert.Equal(t, "alice@clinic.direct", got.from)
	assert.Equal(t, []string{"bob@hospital.direct", "carol@hospital.direct"}, got.to)
	assert.True(t, strings.Contains(got.data, "hello"))
}

func TestSubmitter_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	msg := transport.Outbound{MessageID: "x@clinic.direct", From: "alice@clinic.direct", To: []string{"nobody@hospital.direct"}, Data: []byte("\r\n")}

	t.Run("recipient rejected", func(t *testing.T) {
		t.Parallel()
		host, port := startMTA(t, &mta{reject: "nobody@hospital.direct"})
		_, err := newSubmitter(t, host, port).Submit(ctx, msg)
		assert.ErrorIs(t, err, derrors.ErrProtocol)
	})

	t.Run("refused", func(t *testing.T) {
		t.Parallel()
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()
		_, err = newSubmitter(t, "127.0.0.1", port).Submit(ctx, msg)
		assert.ErrorIs(t, err, derrors.ErrConnect)
	})

	t.Run("no recipients", func(t *testing.T) {
		t.Parallel()
		_, err := newSubmitter(t, "127.0.0.1", 1).Submit(ctx, transport.Outbound{})
		assert.ErrorIs(t, err, derrors.ErrProtocol)
	})
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Host: "smtp.example"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 587, s.cfg.Port)
	assert.Equal(t, transport.SecurityStartTLS, s.cfg.Security)

	s, err = New(Config{Host: "smtp.example", Security: transport.SecurityTLS}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 465, s.cfg.Port)

	_, err = New(Config{}, zerolog.Nop())
	assert.Error(t, err)
}
