// Package queue implements the queue REST transport backend.
//
// The service keeps a FIFO inbox and an outbox per account:
//
//	GET    /inbox        pending item metadata in enqueue order
//	GET    /inbox/{id}   raw envelope bytes
//	DELETE /inbox/{id}   acknowledge (permanent removal)
//	POST   /outbox       enqueue a message for delivery
//	GET    /outbox/{id}  delivery status
//
// Requests use HTTP Basic authentication. Listing and reading never
// consume items.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/transport"
)

// Config holds the queue connection parameters.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Item is inbox metadata returned by GET /inbox.
type Item struct {
	ID         string    `json:"id"`
	From       string    `json:"from,omitempty"`
	Size       int       `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
}

// SendRequest is the POST /outbox body.
type SendRequest struct {
	MessageID string   `json:"message_id"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	Data      []byte   `json:"data"`
}

// Status is the outbox delivery status.
type Status struct {
	ID      string    `json:"id"`
	Status  string    `json:"status"`
	Updated time.Time `json:"updated_at,omitzero"`
}

// Backend talks to a queue REST service.
type Backend struct {
	baseURL    string
	username   string
	password   string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New returns a queue backend.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("queue: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("queue: invalid base URL: %w", err)
	}
	b := &Backend{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		logger:     zerolog.Nop(),
	}
	if b.timeout <= 0 {
		b.timeout = transport.DefaultTimeout
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Kind implements transport.Backend.
func (b *Backend) Kind() transport.Kind { return transport.KindQueue }

// Capabilities implements transport.Backend.
func (b *Backend) Capabilities() transport.Capability {
	return transport.CapReceive | transport.CapSend | transport.CapAcknowledge | transport.CapStatus
}

func (b *Backend) list(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := b.do(ctx, request{method: http.MethodGet, path: "/inbox"}, &items); err != nil {
		return nil, b.classify(ctx, "list", "", err)
	}
	return items, nil
}

// CheckCount implements transport.Backend.
func (b *Backend) CheckCount(ctx context.Context) (int, error) {
	ctx, cancel := transport.Bound(ctx, b.timeout)
	defer cancel()
	items, err := b.list(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Fetch implements transport.Backend. Items removed between listing and
// reading are skipped.
func (b *Backend) Fetch(ctx context.Context, opts transport.FetchOptions) ([]transport.Envelope, error) {
	ctx, cancel := transport.Bound(ctx, b.timeout)
	defer cancel()

	items, err := b.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []transport.Envelope
	for i, it := range items {
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
		if !matches(opts.Filter, it) {
			continue
		}
		var data []byte
		path := "/inbox/" + url.PathEscape(it.ID)
		if err := b.do(ctx, request{method: http.MethodGet, path: path, accept: "message/rfc822"}, &data); err != nil {
			err = b.classify(ctx, "fetch", it.ID, err)
			if errors.Is(err, derrors.ErrNotFound) {
				b.logger.Debug().Str("id", it.ID).Msg("item consumed during fetch")
				continue
			}
			return nil, err
		}
		out = append(out, transport.Envelope{
			ID:         it.ID,
			Seq:        i + 1,
			Data:       data,
			Size:       len(data),
			ReceivedAt: it.ReceivedAt,
			Backend:    transport.KindQueue,
		})
	}
	return out, nil
}

func matches(f transport.Filter, it Item) bool {
	if f.From != "" && !strings.EqualFold(f.From, it.From) {
		return false
	}
	return f.Since.IsZero() || !it.ReceivedAt.Before(f.Since)
}

// Acknowledge implements transport.Backend. Only permanent removal is
// supported.
func (b *Backend) Acknowledge(ctx context.Context, id string, policy transport.AckPolicy) error {
	if policy != transport.AckDefault && policy != transport.AckDelete {
		return transport.Unsupported(transport.KindQueue, "acknowledge "+string(policy))
	}
	ctx, cancel := transport.Bound(ctx, b.timeout)
	defer cancel()
	path := "/inbox/" + url.PathEscape(id)
	if err := b.do(ctx, request{method: http.MethodDelete, path: path}, nil); err != nil {
		return b.classify(ctx, "acknowledge", id, err)
	}
	return nil
}

// Send implements transport.Backend.
func (b *Backend) Send(ctx context.Context, msg transport.Outbound) (*transport.DeliveryReceipt, error) {
	ctx, cancel := transport.Bound(ctx, b.timeout)
	defer cancel()
	req := SendRequest{MessageID: msg.MessageID, From: msg.From, To: msg.To, Data: msg.Data}
	var st Status
	if err := b.do(ctx, request{method: http.MethodPost, path: "/outbox", body: req}, &st); err != nil {
		return nil, b.classify(ctx, "send", "", err)
	}
	if st.ID == "" || st.Status == "" {
		return nil, transport.Protocol(transport.KindQueue, "send", "receipt missing id or status", nil)
	}
	return &transport.DeliveryReceipt{ID: st.ID, Status: st.Status, Backend: transport.KindQueue}, nil
}

// DeliveryStatus implements transport.StatusTracker.
func (b *Backend) DeliveryStatus(ctx context.Context, id string) (*transport.DeliveryReceipt, error) {
	ctx, cancel := transport.Bound(ctx, b.timeout)
	defer cancel()
	var st Status
	path := "/outbox/" + url.PathEscape(id)
	if err := b.do(ctx, request{method: http.MethodGet, path: path}, &st); err != nil {
		return nil, b.classify(ctx, "status", id, err)
	}
	if st.Status == "" {
		return nil, transport.Protocol(transport.KindQueue, "status", "status missing", nil)
	}
	if st.ID == "" {
		st.ID = id
	}
	return &transport.DeliveryReceipt{ID: st.ID, Status: st.Status, Backend: transport.KindQueue, Updated: st.Updated}, nil
}

// Ping implements transport.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	ctx, cancel := transport.Bound(ctx, b.timeout)
	defer cancel()
	_, err := b.list(ctx)
	return err
}
