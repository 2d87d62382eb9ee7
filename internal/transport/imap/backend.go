// Package imap implements the IMAP transport backend.
//
// Envelopes are unseen messages in the configured mailbox, returned in
// ascending UID order and identified by UID. The mailbox is selected
// read-only and bodies are fetched with BODY.PEEK[], so fetching never sets
// \Seen. Acknowledge marks the message read (the default), moves it to the
// processed mailbox, or deletes and expunges it.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"

	"github.com/hipaadirect/direct-go/internal/transport"
)

// Config holds the IMAP connection parameters.
type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	Security      transport.Security
	TLSSkipVerify bool
	Mailbox       string
	// ProcessedMailbox is the destination of AckMove.
	ProcessedMailbox string
	// AckPolicy is used when Acknowledge is called with AckDefault.
	AckPolicy transport.AckPolicy
	Timeout   time.Duration
}

// Backend reads an IMAP mailbox.
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

// New returns an IMAP backend.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Host == "" {
		return nil, errors.New("imap: host is required")
	}
	if cfg.Security == "" {
		cfg.Security = transport.SecurityTLS
	}
	if cfg.Port == 0 {
		cfg.Port = 143
		if cfg.Security == transport.SecurityTLS {
			cfg.Port = 993
		}
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.ProcessedMailbox == "" {
		cfg.ProcessedMailbox = "Processed"
	}
	if cfg.AckPolicy == transport.AckDefault {
		cfg.AckPolicy = transport.AckMarkRead
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
func (b *Backend) Kind() transport.Kind { return transport.KindIMAP }

// Capabilities implements transport.Backend.
func (b *Backend) Capabilities() transport.Capability {
	c := transport.CapReceive | transport.CapAcknowledge
	if b.submitter != nil {
		c |= transport.CapSend
	}
	return c
}

func (b *Backend) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: b.cfg.Host, InsecureSkipVerify: b.cfg.TLSSkipVerify, MinVersion: tls.VersionTLS12}
}

// session runs fn on a fresh logged-in connection and logs out afterwards.
func (b *Backend) session(ctx context.Context, op string, fn func(*client.Client) error) error {
	ctx, cancel := transport.Bound(ctx, b.cfg.Timeout)
	defer cancel()

	dialer := transport.NewDialer(ctx)
	stop := transport.CloseOnDone(ctx, dialer.Close)
	defer func() {
		stop()
		dialer.Close()
	}()

	addr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
	var (
		c   *client.Client
		err error
	)
	if b.cfg.Security == transport.SecurityTLS {
		c, err = client.DialWithDialerTLS(dialer, addr, b.tlsConfig())
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return transport.Classify(ctx, transport.KindIMAP, op, b.cfg.Timeout, fmt.Errorf("dial: %w", err))
	}
	c.Timeout = b.cfg.Timeout

	if b.cfg.Security == transport.SecurityStartTLS {
		if err := c.StartTLS(b.tlsConfig()); err != nil {
			return transport.Classify(ctx, transport.KindIMAP, op, b.cfg.Timeout, fmt.Errorf("starttls: %w", err))
		}
	}
	if err := c.Login(b.cfg.Username, b.cfg.Password); err != nil {
		return transport.Classify(ctx, transport.KindIMAP, op, b.cfg.Timeout, fmt.Errorf("login: %w", err))
	}
	if err := fn(c); err != nil {
		return transport.Classify(ctx, transport.KindIMAP, op, b.cfg.Timeout, err)
	}
	if err := c.Logout(); err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		b.logger.Debug().Err(err).Str("op", op).Msg("imap logout")
	}
	return nil
}

func criteria(f transport.Filter) *goimap.SearchCriteria {
	sc := goimap.NewSearchCriteria()
	sc.WithoutFlags = []string{goimap.SeenFlag, goimap.DeletedFlag}
	if f.From != "" {
		sc.Header.Add("From", f.From)
	}
	if !f.Since.IsZero() {
		sc.Since = f.Since
	}
	return sc
}

func (b *Backend) pending(c *client.Client, f transport.Filter) ([]uint32, error) {
	if _, err := c.Select(b.cfg.Mailbox, true); err != nil {
		return nil, fmt.Errorf("select %s: %w", b.cfg.Mailbox, err)
	}
	uids, err := c.UidSearch(criteria(f))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	slices.Sort(uids)
	return uids, nil
}

// CheckCount implements transport.Backend.
func (b *Backend) CheckCount(ctx context.Context) (int, error) {
	var n int
	err := b.session(ctx, "check_count", func(c *client.Client) error {
		uids, err := b.pending(c, transport.Filter{})
		n = len(uids)
		return err
	})
	return n, err
}

// Fetch implements transport.Backend.
func (b *Backend) Fetch(ctx context.Context, opts transport.FetchOptions) ([]transport.Envelope, error) {
	var out []transport.Envelope
	err := b.session(ctx, "fetch", func(c *client.Client) error {
		uids, err := b.pending(c, opts.Filter)
		if err != nil {
			return err
		}
		if opts.Limit > 0 && len(uids) > opts.Limit {
			uids = uids[:opts.Limit]
		}
		if len(uids) == 0 {
			return nil
		}

		set := new(goimap.SeqSet)
		set.AddNum(uids...)
		section := &goimap.BodySectionName{Peek: true}
		items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchInternalDate, goimap.FetchRFC822Size, section.FetchItem()}

		messages := make(chan *goimap.Message, len(uids))
		done := make(chan error, 1)
		go func() { done <- c.UidFetch(set, items, messages) }()

		byUID := make(map[uint32]transport.Envelope, len(uids))
		for msg := range messages {
			data, err := body(msg)
			if err != nil {
				return transport.Protocol(transport.KindIMAP, "fetch", fmt.Sprintf("uid %d", msg.Uid), err)
			}
			byUID[msg.Uid] = transport.Envelope{
				ID:         strconv.FormatUint(uint64(msg.Uid), 10),
				Seq:        int(msg.Uid),
				Data:       data,
				Size:       len(data),
				ReceivedAt: msg.InternalDate,
				Backend:    transport.KindIMAP,
			}
		}
		if err := <-done; err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		for _, uid := range uids {
			if env, ok := byUID[uid]; ok {
				out = append(out, env)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func body(msg *goimap.Message) ([]byte, error) {
	for _, lit := range msg.Body {
		if lit == nil {
			continue
		}
		return io.ReadAll(lit)
	}
	return nil, errors.New("response carried no body section")
}

// Acknowledge implements transport.Backend.
func (b *Backend) Acknowledge(ctx context.Context, id string, policy transport.AckPolicy) error {
	if policy == transport.AckDefault {
		policy = b.cfg.AckPolicy
	}
	switch policy {
	case transport.AckMarkRead, transport.AckMove, transport.AckDelete:
	default:
		return transport.Unsupported(transport.KindIMAP, "acknowledge "+string(policy))
	}
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || uid == 0 {
		return transport.NotFound(transport.KindIMAP, id)
	}

	return b.session(ctx, "acknowledge", func(c *client.Client) error {
		if _, err := c.Select(b.cfg.Mailbox, false); err != nil {
			return fmt.Errorf("select %s: %w", b.cfg.Mailbox, err)
		}
		set := new(goimap.SeqSet)
		set.AddNum(uint32(uid))
		sc := criteria(transport.Filter{})
		sc.Uid = set
		found, err := c.UidSearch(sc)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		if len(found) == 0 {
			return transport.NotFound(transport.KindIMAP, id)
		}

		switch policy {
		case transport.AckMarkRead:
			return rejected(c, "store \\Seen", addFlag(c, set, goimap.SeenFlag))
		case transport.AckMove:
			if err := addFlag(c, set, goimap.SeenFlag); err != nil {
				return rejected(c, "store \\Seen", err)
			}
			err := b.move(c, set)
			if err != nil && c.State() != goimap.LogoutState {
				// Leave the message pending.
				_ = c.UidStore(set, goimap.FormatFlagsOp(goimap.RemoveFlags, true), []any{goimap.SeenFlag}, nil)
			}
			return err
		default:
			return b.expunge(c, set)
		}
	})
}

func addFlag(c *client.Client, set *goimap.SeqSet, flag string) error {
	return c.UidStore(set, goimap.FormatFlagsOp(goimap.AddFlags, true), []any{flag}, nil)
}

func (b *Backend) expunge(c *client.Client, set *goimap.SeqSet) error {
	if err := addFlag(c, set, goimap.DeletedFlag); err != nil {
		return rejected(c, "store \\Deleted", err)
	}
	return rejected(c, "expunge", c.Expunge(nil))
}

// move uses UID MOVE and falls back to COPY, \Deleted and EXPUNGE when the
// server refuses it. go-imap already falls back when MOVE is not
// advertised; some servers advertise it and then reject it per mailbox.
func (b *Backend) move(c *client.Client, set *goimap.SeqSet) error {
	dest := b.cfg.ProcessedMailbox
	err := c.UidMove(set, dest)
	if err == nil || !isRejection(c, err) {
		return err
	}
	b.logger.Debug().Err(err).Str("mailbox", dest).Msg("imap move refused, copying")
	if err := c.UidCopy(set, dest); err != nil {
		return rejected(c, "copy to "+dest, err)
	}
	return b.expunge(c, set)
}

// isRejection reports whether err is a tagged NO or BAD reply. go-imap
// returns those as plain errors on a connection that is still open, while
// I/O failures carry net.Error, io.EOF or close the connection.
func isRejection(c *client.Client, err error) bool {
	if err == nil || c.State() == goimap.LogoutState {
		return false
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return false
	}
	return true
}

// rejected turns a server rejection into a ProtocolError so it is not
// retried as a connection failure.
func rejected(c *client.Client, what string, err error) error {
	if !isRejection(c, err) {
		return err
	}
	return transport.Protocol(transport.KindIMAP, "acknowledge", what+" rejected", err)
}

// Send implements transport.Backend.
func (b *Backend) Send(ctx context.Context, msg transport.Outbound) (*transport.DeliveryReceipt, error) {
	if b.submitter == nil {
		return nil, transport.Unsupported(transport.KindIMAP, "send")
	}
	return b.submitter.Submit(ctx, msg)
}

// Ping implements transport.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	return b.session(ctx, "ping", func(c *client.Client) error { return c.Noop() })
}
