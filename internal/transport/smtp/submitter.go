// Package smtp submits outbound Direct envelopes to a mail submission agent.
//
// A Submitter gives the POP3 and IMAP backends their send capability. Each
// Submit dials, optionally upgrades and authenticates, sends one message
// and quits.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/hipaadirect/direct-go/internal/transport"
)

const kind transport.Kind = "smtp"

// StatusSent is the receipt status of an accepted submission.
const StatusSent = "sent"

// Config holds the submission server parameters.
type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	Security      transport.Security
	TLSSkipVerify bool
	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string
	Timeout   time.Duration
}

// Submitter implements transport.Submitter over SMTP.
type Submitter struct {
	cfg    Config
	logger zerolog.Logger
}

// New returns a Submitter. Port defaults to 465 for implicit TLS and 587
// otherwise.
func New(cfg Config, logger zerolog.Logger) (*Submitter, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Security == "" {
		cfg.Security = transport.SecurityStartTLS
	}
	if cfg.Port == 0 {
		cfg.Port = 587
		if cfg.Security == transport.SecurityTLS {
			cfg.Port = 465
		}
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultTimeout
	}
	return &Submitter{cfg: cfg, logger: logger}, nil
}

// Submit implements transport.Submitter.
func (s *Submitter) Submit(ctx context.Context, msg transport.Outbound) (*transport.DeliveryReceipt, error) {
	if len(msg.To) == 0 {
		return nil, transport.Protocol(kind, "send", "no recipients", nil)
	}
	ctx, cancel := transport.Bound(ctx, s.cfg.Timeout)
	defer cancel()

	dialer := transport.NewDialer(ctx)
	stop := transport.CloseOnDone(ctx, dialer.Close)
	defer func() {
		stop()
		dialer.Close()
	}()

	fail := func(step string, err error) error {
		// The server answered; the submission was refused rather than lost.
		var se *gosmtp.SMTPError
		if errors.As(err, &se) && step != "auth" && ctx.Err() == nil {
			return transport.Protocol(kind, "send", fmt.Sprintf("%s rejected (%d)", step, se.Code), err)
		}
		return transport.Classify(ctx, kind, "send", s.cfg.Timeout, fmt.Errorf("%s: %w", step, err))
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fail("dial", err)
	}
	tlsConfig := &tls.Config{ServerName: s.cfg.Host, InsecureSkipVerify: s.cfg.TLSSkipVerify, MinVersion: tls.VersionTLS12}

	var c *gosmtp.Client
	switch s.cfg.Security {
	case transport.SecurityTLS:
		c = gosmtp.NewClient(tls.Client(conn, tlsConfig))
	case transport.SecurityStartTLS:
		c, err = gosmtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, fail("starttls", err)
		}
	default:
		c = gosmtp.NewClient(conn)
	}
	defer c.Close()

	if err := c.Hello(s.cfg.LocalName); err != nil {
		return nil, fail("hello", err)
	}
	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return nil, fail("auth", err)
		}
	}
	if err := c.SendMail(msg.From, msg.To, bytes.NewReader(msg.Data)); err != nil {
		return nil, fail("data", err)
	}
	if err := c.Quit(); err != nil {
		s.logger.Debug().Err(err).Msg("smtp quit")
	}

	s.logger.Debug().Str("message_id", msg.MessageID).Int("recipients", len(msg.To)).Msg("smtp submitted")
	return &transport.DeliveryReceipt{ID: msg.MessageID, Status: StatusSent, Backend: kind}, nil
}
