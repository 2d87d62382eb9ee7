package direct

import (
	"errors"

	"github.com/hipaadirect/direct-go/internal/derrors"
)

// Sentinel errors for errors.Is() checks. They are shared with the internal
// packages so a single set of values matches every component.
var (
	ErrValidation     = derrors.ErrValidation
	ErrCertGeneration = derrors.ErrCertGeneration
	ErrCertFormat     = derrors.ErrCertFormat
	ErrCertExpired    = derrors.ErrCertExpired
	ErrCertMismatch   = derrors.ErrCertMismatch
	ErrCertNoKey      = derrors.ErrCertNoKey
	ErrSignFailed     = derrors.ErrSignFailed
	ErrEncryptFailed  = derrors.ErrEncryptFailed
	ErrDecryptFailed  = derrors.ErrDecryptFailed
	ErrVerifyFailed   = derrors.ErrVerifyFailed
	ErrIntegrity      = derrors.ErrIntegrity
	ErrTransport      = derrors.ErrTransport
	ErrConnect        = derrors.ErrConnect
	ErrProtocol       = derrors.ErrProtocol
	ErrUnsupported    = derrors.ErrUnsupported
	ErrNotFound       = derrors.ErrNotFound
	ErrTimeout        = derrors.ErrTimeout
	ErrAuditWrite     = derrors.ErrAuditWrite

	// ErrClientClosed is returned when operations are attempted on a closed client.
	ErrClientClosed = errors.New("client has been closed")

	// ErrNotProtected is returned by Send when a message would leave
	// without being signed and encrypted.
	ErrNotProtected = errors.New("message is not signed and encrypted")
)

// DirectError is implemented by all errors in the taxonomy.
type DirectError = derrors.DirectError

// Error types. Match them with errors.As.
type (
	ValidationError           = derrors.ValidationError
	CertError                 = derrors.CertError
	CryptoError               = derrors.CryptoError
	ConnectError              = derrors.ConnectError
	ProtocolError             = derrors.ProtocolError
	UnsupportedOperationError = derrors.UnsupportedOperationError
	NotFoundError             = derrors.NotFoundError
	TimeoutError              = derrors.TimeoutError
	AuditWriteError           = derrors.AuditWriteError
)

// ErrorKind returns the stable kind string recorded in audit outcomes, or
// "" for a nil error.
func ErrorKind(err error) string {
	return derrors.Kind(err)
}

// IsRetryable reports whether err is a transient transport failure the
// caller may retry with backoff. Crypto failures are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnect) || errors.Is(err, ErrTimeout)
}
