// Package pop3 implements the POP3 transport backend.
//
// Envelopes are returned in ascending message-number order and identified
// by UIDL. Acknowledge marks the message deleted; the deletion is committed
// when the session ends with QUIT. A session that fails is closed without
// QUIT, so the server discards any pending deletions.
package pop3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hipaadirect/direct-go/internal/transport"
)

// Config holds the POP3 connection parameters.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS enables implicit TLS (POP3S).
	TLS           bool
	TLSSkipVerify bool
	Timeout       time.Duration
	// AutoDeleteOnFetch deletes every fetched message when the fetch
	// session ends. Messages lost between fetch and processing cannot be
	// recovered.
	AutoDeleteOnFetch bool
}

// Backend reads a POP3 maildrop.
type Backend struct {
	cfg       Config
	submitter transport.Submitter
	logger    zerolog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithSubmitter enables Send through s.
func WithSubmitter(s transport.Submitter) Option {
	return func(b *Backend) { b.submitter = s }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New returns a POP3 backend.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Host == "" {
		return nil, errors.New("pop3: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 110
		if cfg.TLS {
			cfg.Port = 995
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultTimeout
	}
	b := &Backend{cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Kind implements transport.Backend.
func (b *Backend) Kind() transport.Kind { return transport.KindPOP3 }

// Capabilities implements transport.Backend.
func (b *Backend) Capabilities() transport.Capability {
	c := transport.CapReceive | transport.CapAcknowledge
	if b.submitter != nil {
		c |= transport.CapSend
	}
	return c
}

// session runs fn on a fresh authenticated connection. QUIT is sent only
// when fn succeeds.
func (b *Backend) session(ctx context.Context, op string, fn func(*conn) error) error {
	ctx, cancel := transport.Bound(ctx, b.cfg.Timeout)
	defer cancel()

	dialer := transport.NewDialer(ctx)
	stop := transport.CloseOnDone(ctx, dialer.Close)
	defer func() {
		stop()
		dialer.Close()
	}()

	c, err := dial(dialer, b.cfg)
	if err != nil {
		return transport.Classify(ctx, transport.KindPOP3, op, b.cfg.Timeout, err)
	}
	if err := c.auth(b.cfg.Username, b.cfg.Password); err != nil {
		return transport.Classify(ctx, transport.KindPOP3, op, b.cfg.Timeout, fmt.Errorf("auth: %w", err))
	}
	if err := fn(c); err != nil {
		return transport.Classify(ctx, transport.KindPOP3, op, b.cfg.Timeout, err)
	}
	if err := c.quit(); err != nil {
		return transport.Classify(ctx, transport.KindPOP3, op, b.cfg.Timeout, err)
	}
	return nil
}

// CheckCount implements transport.Backend.
func (b *Backend) CheckCount(ctx context.Context) (int, error) {
	var n int
	err := b.session(ctx, "check_count", func(c *conn) error {
		count, _, err := c.stat()
		n = count
		return err
	})
	return n, err
}

// Fetch implements transport.Backend.
func (b *Backend) Fetch(ctx context.Context, opts transport.FetchOptions) ([]transport.Envelope, error) {
	var out []transport.Envelope
	err := b.session(ctx, "fetch", func(c *conn) error {
		ids, err := c.uidl()
		if err != nil {
			return err
		}
		for _, m := range ids {
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
			if m.UID == "" {
				return transport.Protocol(transport.KindPOP3, "fetch", "empty UIDL for message "+strconv.Itoa(m.ID), nil)
			}
			data, err := c.retr(m.ID)
			if err != nil {
				return fmt.Errorf("message %d: %w", m.ID, err)
			}
			if !opts.Filter.MatchHeader(data) {
				continue
			}
			out = append(out, transport.Envelope{
				ID:      m.UID,
				Seq:     m.ID,
				Data:    data,
				Size:    len(data),
				Backend: transport.KindPOP3,
			})
			if b.cfg.AutoDeleteOnFetch {
				if err := c.dele(m.ID); err != nil {
					return fmt.Errorf("message %d: %w", m.ID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug().Int("count", len(out)).Bool("auto_delete", b.cfg.AutoDeleteOnFetch).Msg("pop3 fetch")
	return out, nil
}

// Acknowledge implements transport.Backend. Only deletion is supported.
func (b *Backend) Acknowledge(ctx context.Context, id string, policy transport.AckPolicy) error {
	if policy != transport.AckDefault && policy != transport.AckDelete {
		return transport.Unsupported(transport.KindPOP3, "acknowledge "+string(policy))
	}
	return b.session(ctx, "acknowledge", func(c *conn) error {
		ids, err := c.uidl()
		if err != nil {
			return err
		}
		for _, m := range ids {
			if m.UID == id {
				return c.dele(m.ID)
			}
		}
		return transport.NotFound(transport.KindPOP3, id)
	})
}

// Send implements transport.Backend.
func (b *Backend) Send(ctx context.Context, msg transport.Outbound) (*transport.DeliveryReceipt, error) {
	if b.submitter == nil {
		return nil, transport.Unsupported(transport.KindPOP3, "send")
	}
	return b.submitter.Submit(ctx, msg)
}

// Ping implements transport.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	return b.session(ctx, "ping", func(c *conn) error { return c.noop() })
}
