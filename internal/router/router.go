// Package router selects one transport backend at construction and exposes
// the union of backend operations behind a capability check.
package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hipaadirect/direct-go/internal/metrics"
	"github.com/hipaadirect/direct-go/internal/transport"
	"github.com/hipaadirect/direct-go/internal/transport/imap"
	"github.com/hipaadirect/direct-go/internal/transport/pop3"
	"github.com/hipaadirect/direct-go/internal/transport/queue"
	"github.com/hipaadirect/direct-go/internal/transport/smtp"
)

// Options carries the configuration of every backend variant. Only the
// one matching the selected kind is used.
type Options struct {
	POP3  pop3.Config
	IMAP  imap.Config
	Queue queue.Config
	// SMTP, when Host is set, gives the POP3 and IMAP backends a send
	// capability.
	SMTP smtp.Config

	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Router dispatches to the selected backend. It is immutable after New and
// safe for concurrent use.
type Router struct {
	backend transport.Backend
	status  transport.StatusTracker
	caps    transport.Capability
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New builds the backend for kind.
func New(kind transport.Kind, opts Options) (*Router, error) {
	logger := opts.Logger.With().Str("backend", string(kind)).Logger()

	var submitter transport.Submitter
	if opts.SMTP.Host != "" && kind != transport.KindQueue {
		s, err := smtp.New(opts.SMTP, logger)
		if err != nil {
			return nil, err
		}
		submitter = s
	}

	var (
		b   transport.Backend
		err error
	)
	switch kind {
	case transport.KindPOP3:
		popts := []pop3.Option{pop3.WithLogger(logger)}
		if submitter != nil {
			popts = append(popts, pop3.WithSubmitter(submitter))
		}
		b, err = pop3.New(opts.POP3, popts...)
	case transport.KindIMAP:
		iopts := []imap.Option{imap.WithLogger(logger)}
		if submitter != nil {
			iopts = append(iopts, imap.WithSubmitter(submitter))
		}
		b, err = imap.New(opts.IMAP, iopts...)
	case transport.KindQueue:
		qopts := []queue.Option{queue.WithLogger(logger)}
		if opts.HTTPClient != nil {
			qopts = append(qopts, queue.WithHTTPClient(opts.HTTPClient))
		}
		b, err = queue.New(opts.Queue, qopts...)
	default:
		return nil, fmt.Errorf("router: unknown backend kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return NewWithBackend(b, logger, opts.Metrics), nil
}

// NewWithBackend wraps an already constructed backend.
func NewWithBackend(b transport.Backend, logger zerolog.Logger, m *metrics.Metrics) *Router {
	r := &Router{backend: b, caps: b.Capabilities(), logger: logger, metrics: m}
	r.status, _ = b.(transport.StatusTracker)
	return r
}

// Kind returns the selected backend kind.
func (r *Router) Kind() transport.Kind { return r.backend.Kind() }

// Capabilities returns the capability set captured at construction.
func (r *Router) Capabilities() transport.Capability { return r.caps }

func (r *Router) require(op string, c transport.Capability) error {
	if r.caps.Has(c) {
		return nil
	}
	return transport.Unsupported(r.backend.Kind(), op)
}

func (r *Router) observe(op string, start time.Time, err error) {
	r.metrics.ObserveTransport(string(r.backend.Kind()), op, start, err == nil)
	if err != nil {
		r.logger.Debug().Err(err).Str("op", op).Dur("elapsed", time.Since(start)).Msg("backend operation failed")
	}
}

// CheckCount returns the number of pending inbound items.
func (r *Router) CheckCount(ctx context.Context) (n int, err error) {
	if err := r.require("check_count", transport.CapReceive); err != nil {
		return 0, err
	}
	defer func(start time.Time) { r.observe("check_count", start, err) }(time.Now())
	return r.backend.CheckCount(ctx)
}

// Fetch returns pending envelopes in backend-native order.
func (r *Router) Fetch(ctx context.Context, opts transport.FetchOptions) (envs []transport.Envelope, err error) {
	if err := r.require("fetch", transport.CapReceive); err != nil {
		return nil, err
	}
	defer func(start time.Time) { r.observe("fetch", start, err) }(time.Now())
	return r.backend.Fetch(ctx, opts)
}

// Acknowledge consumes id using the backend's configured policy.
func (r *Router) Acknowledge(ctx context.Context, id string, policy transport.AckPolicy) (err error) {
	if err := r.require("acknowledge", transport.CapAcknowledge); err != nil {
		return err
	}
	defer func(start time.Time) { r.observe("acknowledge", start, err) }(time.Now())
	return r.backend.Acknowledge(ctx, id, policy)
}

// Send delivers msg.
func (r *Router) Send(ctx context.Context, msg transport.Outbound) (receipt *transport.DeliveryReceipt, err error) {
	if err := r.require("send", transport.CapSend); err != nil {
		return nil, err
	}
	defer func(start time.Time) { r.observe("send", start, err) }(time.Now())
	return r.backend.Send(ctx, msg)
}

// DeliveryStatus returns the current status of a sent message.
func (r *Router) DeliveryStatus(ctx context.Context, id string) (receipt *transport.DeliveryReceipt, err error) {
	if err := r.require("delivery_status", transport.CapStatus); err != nil {
		return nil, err
	}
	if r.status == nil {
		return nil, transport.Unsupported(r.backend.Kind(), "delivery_status")
	}
	defer func(start time.Time) { r.observe("delivery_status", start, err) }(time.Now())
	return r.status.DeliveryStatus(ctx, id)
}

// Ping checks reachability and credentials.
func (r *Router) Ping(ctx context.Context) (err error) {
	defer func(start time.Time) { r.observe("ping", start, err) }(time.Now())
	return r.backend.Ping(ctx)
}
