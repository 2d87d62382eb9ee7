package message

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"github.com/hipaadirect/direct-go/internal/address"
	"github.com/hipaadirect/direct-go/internal/audit"
	"github.com/hipaadirect/direct-go/internal/derrors"
)

const defaultAttachmentType = "application/octet-stream"

// AttachmentSpec is an attachment to include in a new message.
type AttachmentSpec struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Spec describes a message to build.
type Spec struct {
	From        string
	To          []string
	Subject     string
	Text        string
	HTML        string
	Attachments []AttachmentSpec
}

// Builder validates specs and renders canonical PLAINTEXT messages.
type Builder struct {
	rec      audit.Recorder
	registry *address.Registry
	rand     io.Reader
	now      func() time.Time
	logger   zerolog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithRegistry restricts senders to registered domains.
func WithRegistry(r *address.Registry) BuilderOption {
	return func(b *Builder) { b.registry = r }
}

// WithClock overrides the Date header source.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder returns a Builder auditing to rec.
func NewBuilder(rec audit.Recorder, opts ...BuilderOption) *Builder {
	b := &Builder{rec: rec, rand: rand.Reader, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewMessageID returns 128 random bits in hex at domain.
func NewMessageID(r io.Reader, domain string) (string, error) {
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return "", fmt.Errorf("message id entropy: %w", err)
	}
	return hex.EncodeToString(raw[:]) + "@" + domain, nil
}

// Build validates spec, collecting every violation, and returns a
// PLAINTEXT message with its canonical entity as Payload.
func (b *Builder) Build(ctx context.Context, spec Spec) (*DirectMessage, error) {
	msg, err := b.build(spec)
	var id string
	if msg != nil {
		id = msg.MessageID
	}
	ev := audit.NewEvent(audit.KindMessageBuilt, id, err).With(
		"recipients", strconv.Itoa(len(spec.To)),
		"attachments", strconv.Itoa(len(spec.Attachments)),
	)
	if aerr := b.rec.Append(ctx, ev); aerr != nil {
		return nil, aerr
	}
	if err != nil {
		b.logger.Debug().Err(err).Msg("message rejected")
		return nil, err
	}
	b.logger.Debug().Str("message_id", id).Int("recipients", len(msg.To)).Msg("message built")
	return msg, nil
}

func (b *Builder) build(spec Spec) (*DirectMessage, error) {
	var v []string

	from, err := address.Parse(spec.From)
	if err != nil {
		v = append(v, "from: "+err.Error())
	} else if !b.registry.Allows(from) {
		v = append(v, fmt.Sprintf("from: domain %q is not a registered Direct domain", from.Domain()))
	}

	if len(spec.To) == 0 {
		v = append(v, "to: at least one recipient is required")
	}
	to := make([]address.Address, 0, len(spec.To))
	seen := make(map[string]bool, len(spec.To))
	for i, r := range spec.To {
		a, err := address.Parse(r)
		if err != nil {
			v = append(v, fmt.Sprintf("to[%d]: %v", i, err))
			continue
		}
		key := a.String()
		if seen[key] {
			v = append(v, fmt.Sprintf("to[%d]: duplicate recipient %s", i, key))
			continue
		}
		seen[key] = true
		to = append(to, a)
	}

	if spec.Text == "" && spec.HTML == "" && len(spec.Attachments) == 0 {
		v = append(v, "body: text, html or at least one attachment is required")
	}

	atts := make([]Attachment, 0, len(spec.Attachments))
	for i, as := range spec.Attachments {
		if as.Filename == "" {
			v = append(v, fmt.Sprintf("attachments[%d]: filename is required", i))
		}
		ct := as.ContentType
		if ct == "" {
			ct = defaultAttachmentType
		}
		if _, _, err := mime.ParseMediaType(ct); err != nil {
			v = append(v, fmt.Sprintf("attachments[%d]: invalid content type %q", i, as.ContentType))
		}
		atts = append(atts, Attachment{
			Filename:    as.Filename,
			ContentType: ct,
			Size:        len(as.Content),
			Digest:      Digest(as.Content),
			Content:     append([]byte(nil), as.Content...),
		})
	}

	if len(v) > 0 {
		return nil, &derrors.ValidationError{Violations: v}
	}

	id, err := NewMessageID(b.rand, from.Domain())
	if err != nil {
		return nil, err
	}
	msg := &DirectMessage{
		From:        from,
		To:          to,
		Subject:     spec.Subject,
		Text:        spec.Text,
		HTML:        spec.HTML,
		Attachments: atts,
		MessageID:   id,
		Date:        b.now().UTC().Truncate(time.Second),
		State:       StatePlaintext,
	}
	payload, err := render(msg)
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	return msg, nil
}

// render writes the canonical multipart/mixed entity for msg.
func render(msg *DirectMessage) ([]byte, error) {
	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, msg.routingHeader())
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	if msg.Text != "" || msg.HTML != "" {
		tw, err := mw.CreateInline()
		if err != nil {
			return nil, fmt.Errorf("create inline: %w", err)
		}
		for _, part := range []struct{ ct, body string }{{"text/plain", msg.Text}, {"text/html", msg.HTML}} {
			if part.body == "" {
				continue
			}
			var h mail.InlineHeader
			h.SetContentType(part.ct, map[string]string{"charset": "utf-8"})
			w, err := tw.CreatePart(h)
			if err != nil {
				return nil, fmt.Errorf("create %s part: %w", part.ct, err)
			}
			if _, err := io.WriteString(w, part.body); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
		}
		if err := tw.Close(); err != nil {
			return nil, err
		}
	}

	for _, a := range msg.Attachments {
		var h mail.AttachmentHeader
		h.SetContentType(a.ContentType, nil)
		h.SetFilename(a.Filename)
		h.Set(DigestHeader, a.Digest)
		w, err := mw.CreateAttachment(h)
		if err != nil {
			return nil, fmt.Errorf("create attachment %q: %w", a.Filename, err)
		}
		if _, err := w.Write(a.Content); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}
