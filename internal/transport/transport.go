// Package transport defines the backend abstraction used to move Direct
// envelopes over POP3, IMAP and queue REST services.
//
// Backends hold configuration only. Every operation dials its own
// connection, authenticates, performs the operation and disconnects before
// returning, on success and on every failure path. A connection is never
// shared between goroutines.
//
// Fetch never consumes items unless a backend is explicitly configured to
// auto-delete, so repeated fetches without an acknowledge return the same
// envelopes in the same order.
package transport

//go:generate mockgen -source=transport.go -destination=mocks/mocks.go -package=mocks Backend,Submitter

import (
	"context"
	"strings"
	"time"
)

// Kind names a backend variant.
type Kind string

const (
	KindPOP3  Kind = "pop3"
	KindIMAP  Kind = "imap"
	KindQueue Kind = "queue"
)

// ParseKind accepts the configuration spellings of a backend kind.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pop3", "pop3-like":
		return KindPOP3, true
	case "imap", "imap-like":
		return KindIMAP, true
	case "queue", "queue-rest", "rest":
		return KindQueue, true
	}
	return "", false
}

// Capability is a set of operations a backend supports.
type Capability uint8

const (
	CapReceive Capability = 1 << iota
	CapSend
	CapAcknowledge
	// CapStatus means the backend implements StatusTracker.
	CapStatus
)

// Has reports whether c includes every bit of want.
func (c Capability) Has(want Capability) bool { return c&want == want }

func (c Capability) String() string {
	var parts []string
	if c.Has(CapReceive) {
		parts = append(parts, "receive")
	}
	if c.Has(CapSend) {
		parts = append(parts, "send")
	}
	if c.Has(CapAcknowledge) {
		parts = append(parts, "acknowledge")
	}
	if c.Has(CapStatus) {
		parts = append(parts, "status")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// AckPolicy selects how Acknowledge consumes an item.
type AckPolicy string

const (
	// AckDefault uses the backend's configured policy.
	AckDefault AckPolicy = ""
	// AckDelete removes the item permanently.
	AckDelete AckPolicy = "delete"
	// AckMarkRead flags the item as seen and leaves it in place.
	AckMarkRead AckPolicy = "mark_read"
	// AckMove moves the item to the processed folder.
	AckMove AckPolicy = "move"
)

// Envelope is wire bytes plus the backend identity used to acknowledge them.
type Envelope struct {
	// ID is the UIDL, UID or queue id.
	ID string
	// Seq is the position in backend-native order.
	Seq        int
	Data       []byte
	Size       int
	ReceivedAt time.Time
	Backend    Kind
}

// Filter narrows Fetch. Zero fields match everything.
type Filter struct {
	From  string
	Since time.Time
}

// FetchOptions configures Fetch. A Limit of zero or less returns every
// pending item.
type FetchOptions struct {
	Limit  int
	Filter Filter
}

// Outbound is a message handed to a backend for delivery.
type Outbound struct {
	MessageID string
	From      string
	To        []string
	Data      []byte
}

// DeliveryReceipt is returned by Send.
type DeliveryReceipt struct {
	ID      string    `json:"id"`
	Status  string    `json:"status"`
	Backend Kind      `json:"backend,omitempty"`
	Updated time.Time `json:"updated_at,omitzero"`
}

// Backend moves envelopes to and from a mail-like service.
type Backend interface {
	Kind() Kind
	Capabilities() Capability
	// CheckCount returns the number of pending inbound items without
	// fetching content.
	CheckCount(ctx context.Context) (int, error)
	// Fetch returns up to opts.Limit pending items in backend-native order.
	Fetch(ctx context.Context, opts FetchOptions) ([]Envelope, error)
	// Acknowledge consumes id. An unknown or already consumed id returns a
	// NotFoundError.
	Acknowledge(ctx context.Context, id string, policy AckPolicy) error
	// Send delivers msg.
	Send(ctx context.Context, msg Outbound) (*DeliveryReceipt, error)
	// Ping dials and authenticates without touching any item.
	Ping(ctx context.Context) error
}

// StatusTracker reports the delivery status of a sent message by receipt
// id. Backends that implement it advertise CapStatus.
type StatusTracker interface {
	DeliveryStatus(ctx context.Context, id string) (*DeliveryReceipt, error)
}

// Submitter delivers outbound messages for receive-only backends.
type Submitter interface {
	Submit(ctx context.Context, msg Outbound) (*DeliveryReceipt, error)
}
