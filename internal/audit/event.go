package audit

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/hipaadirect/direct-go/internal/derrors"
)

// Kind identifies the audited operation.
type Kind string

const (
	KindCertOperation       Kind = "CERT_OPERATION"
	KindMessageBuilt        Kind = "MESSAGE_BUILT"
	KindMessageSigned       Kind = "MESSAGE_SIGNED"
	KindMessageEncrypted    Kind = "MESSAGE_ENCRYPTED"
	KindMessageSent         Kind = "MESSAGE_SENT"
	KindMessageFetched      Kind = "MESSAGE_FETCHED"
	KindMessageDecrypted    Kind = "MESSAGE_DECRYPTED"
	KindMessageVerified     Kind = "MESSAGE_VERIFIED"
	KindMessageAcknowledged Kind = "MESSAGE_ACKNOWLEDGED"
)

// Outcome records whether the audited operation succeeded.
type Outcome struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Event is one ledger record. Events are immutable once appended.
type Event struct {
	ID            string            `json:"id"`
	Seq           uint64            `json:"seq"`
	Timestamp     time.Time         `json:"timestamp"`
	Kind          Kind              `json:"kind"`
	Actor         string            `json:"actor,omitempty"`
	Outcome       Outcome           `json:"outcome"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	PrevHash      string            `json:"prev_hash"`
	Hash          string            `json:"hash"`
}

// NewEvent returns an unsealed event for kind. A non-nil err marks the
// outcome failed and records the error kind; crypto failures also record
// their internal detail.
func NewEvent(kind Kind, correlationID string, err error) Event {
	e := Event{
		Kind:          kind,
		CorrelationID: correlationID,
		Outcome:       Outcome{Success: err == nil, ErrorKind: derrors.Kind(err)},
	}
	var ce *derrors.CryptoError
	if errors.As(err, &ce) {
		e = e.With("detail", ce.Detail())
	}
	return e
}

// With returns a copy of e with the given key/value pairs added to its
// attributes. A trailing key without value is ignored.
func (e Event) With(kv ...string) Event {
	attrs := make(map[string]string, len(e.Attributes)+len(kv)/2)
	maps.Copy(attrs, e.Attributes)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			attrs[kv[i]] = kv[i+1]
		}
	}
	if len(attrs) == 0 {
		attrs = nil
	}
	e.Attributes = attrs
	return e
}

// WithActor returns a copy of e attributed to actor.
func (e Event) WithActor(actor string) Event {
	e.Actor = actor
	return e
}

// Filter selects events in Query. Zero fields match everything.
type Filter struct {
	Kinds         []Kind
	CorrelationID string
	Since         time.Time
	Until         time.Time
	FromSeq       uint64
}

// Match reports whether e passes f.
func (f Filter) Match(e Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return e.Seq >= f.FromSeq
}
