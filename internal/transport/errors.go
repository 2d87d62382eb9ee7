package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hipaadirect/direct-go/internal/derrors"
)

// DefaultTimeout bounds each backend call when none is configured.
const DefaultTimeout = 30 * time.Second

// Bound returns ctx limited by timeout. A non-positive timeout uses
// DefaultTimeout.
func Bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// CloseOnDone calls closeFn when ctx is done. The returned stop function must be
// called once the operation finishes; it reports whether the close was
// prevented.
func CloseOnDone(ctx context.Context, closeFn func()) (stop func() bool) {
	return context.AfterFunc(ctx, closeFn)
}

// Classify maps a raw error from a backend operation onto the transport
// taxonomy. Errors already in the taxonomy pass through unchanged. ctx is
// the bounded operation context; a done context wins over the raw error
// because tearing the connection down produces secondary I/O errors.
func Classify(ctx context.Context, backend Kind, op string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	var de derrors.DirectError
	if errors.As(err, &de) {
		return err
	}
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return &derrors.TimeoutError{Backend: string(backend), Op: op, Timeout: timeout}
	case errors.Is(ctxErr, context.Canceled):
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &derrors.TimeoutError{Backend: string(backend), Op: op, Timeout: timeout}
	}
	return &derrors.ConnectError{Backend: string(backend), Op: op, Err: err}
}

// Protocol returns a ProtocolError for a malformed or unexpected response.
func Protocol(backend Kind, op, msg string, err error) error {
	return &derrors.ProtocolError{Backend: string(backend), Op: op, Message: msg, Err: err}
}

// NotFound returns a NotFoundError for id.
func NotFound(backend Kind, id string) error {
	return &derrors.NotFoundError{Backend: string(backend), ID: id}
}

// Unsupported returns an UnsupportedOperationError.
func Unsupported(backend Kind, op string) error {
	return &derrors.UnsupportedOperationError{Backend: string(backend), Op: op}
}
