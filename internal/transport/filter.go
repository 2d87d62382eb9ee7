package transport

import (
	"bufio"
	"bytes"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// IsZero reports whether f matches everything.
func (f Filter) IsZero() bool { return f.From == "" && f.Since.IsZero() }

// MatchHeader applies f to the routing headers of raw message bytes, for
// backends that cannot filter on the server.
func (f Filter) MatchHeader(data []byte) bool {
	if f.IsZero() {
		return true
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return false
	}
	mh := mail.Header{Header: gomessage.Header{Header: h}}
	if f.From != "" {
		from, err := mh.AddressList("From")
		if err != nil || len(from) == 0 || !strings.EqualFold(from[0].Address, f.From) {
			return false
		}
	}
	if !f.Since.IsZero() {
		d, err := mh.Date()
		if err != nil || d.Before(f.Since) {
			return false
		}
	}
	return true
}
