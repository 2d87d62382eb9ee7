// Package message builds and parses the canonical MIME form of Direct messages.
package message

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/hipaadirect/direct-go/internal/address"
)

// DigestHeader carries the hex SHA-256 of an attachment's content.
const DigestHeader = "X-Content-SHA256"

// State is the security state of a DirectMessage payload.
type State string

const (
	StatePlaintext          State = "PLAINTEXT"
	StateSigned             State = "SIGNED"
	StateEncrypted          State = "ENCRYPTED"
	StateSignedAndEncrypted State = "SIGNED_AND_ENCRYPTED"
)

// Attachment is a file carried by a message.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
	Digest      string
	Content     []byte
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DirectMessage is a message and its current payload. Payload is the MIME
// entity for the current State: the canonical entity when PLAINTEXT, a
// signed-data entity when SIGNED, an enveloped-data entity when encrypted.
type DirectMessage struct {
	From        address.Address
	To          []address.Address
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
	MessageID   string
	Date        time.Time
	State       State
	Payload     []byte
}

// Transition returns a copy of m carrying payload in state.
func (m *DirectMessage) Transition(state State, payload []byte) *DirectMessage {
	cp := *m
	cp.State = state
	cp.Payload = payload
	return &cp
}

// Recipients returns the To addresses as strings.
func (m *DirectMessage) Recipients() []string {
	out := make([]string, len(m.To))
	for i, a := range m.To {
		out[i] = a.String()
	}
	return out
}

func (m *DirectMessage) routingHeader() mail.Header {
	var h mail.Header
	h.Set("MIME-Version", "1.0")
	h.SetDate(m.Date)
	h.SetAddressList("From", []*mail.Address{{Address: m.From.String()}})
	to := make([]*mail.Address, len(m.To))
	for i, a := range m.To {
		to[i] = &mail.Address{Address: a.String()}
	}
	h.SetAddressList("To", to)
	h.SetSubject(m.Subject)
	h.SetMessageID(m.MessageID)
	return h
}

// Wire renders the RFC 5322 bytes handed to a backend. For protected
// states the routing headers are placed above the payload entity headers.
func (m *DirectMessage) Wire() ([]byte, error) {
	if m.State == StatePlaintext {
		return append([]byte(nil), m.Payload...), nil
	}
	br := bufio.NewReader(bytes.NewReader(m.Payload))
	inner, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read payload header: %w", err)
	}
	h := m.routingHeader()
	fields := inner.Fields()
	for fields.Next() {
		h.Add(fields.Key(), fields.Value())
	}
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h.Header.Header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	return buf.Bytes(), nil
}

// Envelope holds the routing headers readable without decrypting.
type Envelope struct {
	From      string
	To        []string
	Subject   string
	MessageID string
	Date      time.Time
}

// ReadEnvelope parses the outer routing headers of wire bytes.
func ReadEnvelope(wire []byte) (Envelope, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(wire)))
	if err != nil {
		return Envelope{}, fmt.Errorf("read header: %w", err)
	}
	mh := mail.Header{Header: gomessage.Header{Header: h}}
	var env Envelope
	if from, err := mh.AddressList("From"); err == nil && len(from) > 0 {
		env.From = from[0].Address
	}
	if to, err := mh.AddressList("To"); err == nil {
		for _, a := range to {
			env.To = append(env.To, a.Address)
		}
	}
	env.Subject, _ = mh.Subject()
	env.MessageID, _ = mh.MessageID()
	env.Date, _ = mh.Date()
	return env, nil
}
