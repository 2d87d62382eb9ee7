package smime

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

const (
	mediaType       = "application/pkcs7-mime"
	legacyMediaType = "application/x-pkcs7-mime"
	attachmentName  = "smime.p7m"

	typeSigned    = "signed-data"
	typeEnveloped = "enveloped-data"
)

// wrap renders der as a base64 application/pkcs7-mime entity.
func wrap(smimeType string, der []byte) ([]byte, error) {
	var h gomessage.Header
	h.SetContentType(mediaType, map[string]string{"smime-type": smimeType, "name": attachmentName})
	h.SetContentDisposition("attachment", map[string]string{"filename": attachmentName})
	h.Set("Content-Transfer-Encoding", "base64")

	var buf bytes.Buffer
	w, err := gomessage.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create entity: %w", err)
	}
	if _, err := w.Write(der); err != nil {
		return nil, fmt.Errorf("write entity: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close entity: %w", err)
	}
	return buf.Bytes(), nil
}

// unwrapped is a decoded pkcs7-mime entity.
type unwrapped struct {
	smimeType string
	messageID string
	der       []byte
}

// unwrap decodes an application/pkcs7-mime entity. The entity may carry
// routing headers above its content headers.
func unwrap(data []byte) (*unwrapped, error) {
	e, err := gomessage.Read(bytes.NewReader(data))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read entity: %w", err)
	}
	ct, params, err := e.Header.ContentType()
	if err != nil {
		return nil, fmt.Errorf("content type: %w", err)
	}
	if ct != mediaType && ct != legacyMediaType {
		return nil, fmt.Errorf("content type %q is not %s", ct, mediaType)
	}
	der, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	u := &unwrapped{smimeType: params["smime-type"], der: der}
	if id := e.Header.Get("Message-Id"); id != "" {
		u.messageID = trimAngles(id)
	}
	return u, nil
}

func trimAngles(s string) string {
	if len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		return s[1 : len(s)-1]
	}
	return s
}

// IsEnveloped reports whether data is an enveloped-data entity.
func IsEnveloped(data []byte) bool {
	return isSMIME(data, typeEnveloped)
}

// IsSigned reports whether data is an opaque signed-data entity.
func IsSigned(data []byte) bool {
	return isSMIME(data, typeSigned)
}

func isSMIME(data []byte, smimeType string) bool {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return false
	}
	ct, params, err := (&gomessage.Header{Header: h}).ContentType()
	if err != nil || (ct != mediaType && ct != legacyMediaType) {
		return false
	}
	return params["smime-type"] == smimeType
}

// wellFormed reports whether data is a complete MIME entity. Every part
// is read and every body decoded, so a broken header, a missing closing
// boundary or a bad transfer encoding is an error.
func wellFormed(data []byte) error {
	e, err := gomessage.Read(bytes.NewReader(data))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return fmt.Errorf("read entity: %w", err)
	}
	return drain(e)
}

func drain(e *gomessage.Entity) error {
	mr := e.MultipartReader()
	if mr == nil {
		if _, err := io.Copy(io.Discard, e.Body); err != nil {
			return fmt.Errorf("decode body: %w", err)
		}
		return nil
	}
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if err := drain(p); err != nil {
			return err
		}
	}
}
