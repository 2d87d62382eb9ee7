package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/hipaadirect/direct-go/internal/address"
	"github.com/hipaadirect/direct-go/internal/derrors"
)

// Parse reads a canonical entity back into a PLAINTEXT message. Attachment
// digests carried in DigestHeader are recomputed; a mismatch is an
// integrity failure.
func Parse(entity []byte) (*DirectMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(entity))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read entity: %w", err)
	}
	defer mr.Close()

	msg := &DirectMessage{State: StatePlaintext, Payload: append([]byte(nil), entity...)}
	if err := readHeader(msg, mr.Header); err != nil {
		return nil, err
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return nil, fmt.Errorf("read part: %w", err)
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("read part body: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := h.ContentType()
			switch {
			case ct == "text/plain" && msg.Text == "":
				msg.Text = string(body)
			case ct == "text/html" && msg.HTML == "":
				msg.HTML = string(body)
			default:
				a, err := attachment(msg.MessageID, len(msg.Attachments), params["name"], ct, h.Get(DigestHeader), body)
				if err != nil {
					return nil, err
				}
				msg.Attachments = append(msg.Attachments, a)
			}
		case *mail.AttachmentHeader:
			ct, _, _ := h.ContentType()
			name, _ := h.Filename()
			a, err := attachment(msg.MessageID, len(msg.Attachments), name, ct, h.Get(DigestHeader), body)
			if err != nil {
				return nil, err
			}
			msg.Attachments = append(msg.Attachments, a)
		}
	}
	return msg, nil
}

func readHeader(msg *DirectMessage, h mail.Header) error {
	from, err := h.AddressList("From")
	if err != nil || len(from) == 0 {
		return &derrors.ValidationError{Violations: []string{"from: missing or malformed header"}}
	}
	if msg.From, err = address.Parse(from[0].Address); err != nil {
		return &derrors.ValidationError{Violations: []string{"from: " + err.Error()}}
	}
	to, _ := h.AddressList("To")
	for _, t := range to {
		if a, err := address.Parse(t.Address); err == nil {
			msg.To = append(msg.To, a)
		}
	}
	msg.Subject, _ = h.Subject()
	msg.MessageID, _ = h.MessageID()
	msg.Date, _ = h.Date()
	return nil
}

// attachment checks body against its digest header. The integrity error
// names the attachment by position only; filenames can carry PHI and the
// cause ends up in the audit trail.
func attachment(messageID string, index int, name, ct, want string, body []byte) (Attachment, error) {
	got := Digest(body)
	if want != "" && !strings.EqualFold(strings.TrimSpace(want), got) {
		return Attachment{}, derrors.NewCryptoError(derrors.OpVerify, "integrity", messageID,
			fmt.Errorf("attachment %d: digest mismatch", index))
	}
	if ct == "" {
		ct = defaultAttachmentType
	}
	return Attachment{Filename: name, ContentType: ct, Size: len(body), Digest: got, Content: body}, nil
}
