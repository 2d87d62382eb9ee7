// Package derrors provides the error taxonomy shared by every Direct component.
//
// The root package re-exports these types through aliases so callers match
// with errors.Is and errors.As against a single set of sentinels.
package derrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for errors.Is() checks
var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrCertGeneration is returned when a keypair or certificate cannot be created.
	ErrCertGeneration = errors.New("certificate generation failed")

	// ErrCertFormat is returned when certificate or key bytes cannot be parsed.
	ErrCertFormat = errors.New("malformed certificate or key")

	// ErrCertExpired is returned when an expired certificate is used to sign
	// or as a recipient under the reject policy.
	ErrCertExpired = errors.New("certificate expired")

	// ErrCertMismatch is returned when a private key does not belong to its certificate.
	ErrCertMismatch = errors.New("private key does not match certificate")

	// ErrCertNoKey is returned when an operation needs a private key the certificate lacks.
	ErrCertNoKey = errors.New("certificate has no private key")

	// ErrSignFailed is matched by signing failures.
	ErrSignFailed = errors.New("signing failed")

	// ErrEncryptFailed is matched by encryption failures.
	ErrEncryptFailed = errors.New("encryption failed")

	// ErrDecryptFailed is matched by every decryption failure.
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrVerifyFailed is matched by signature verification failures.
	ErrVerifyFailed = errors.New("signature verification failed")

	// ErrIntegrity is returned when an attachment digest does not match its content.
	ErrIntegrity = errors.New("content integrity check failed")

	// ErrTransport is matched by every transport error.
	ErrTransport = errors.New("transport error")

	// ErrConnect is matched by ConnectError.
	ErrConnect = errors.New("backend connection failed")

	// ErrProtocol is matched by ProtocolError.
	ErrProtocol = errors.New("backend protocol error")

	// ErrUnsupported is matched by UnsupportedOperationError.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrNotFound is matched by NotFoundError.
	ErrNotFound = errors.New("item not found")

	// ErrTimeout is matched by TimeoutError.
	ErrTimeout = errors.New("operation timed out")

	// ErrAuditWrite is matched by AuditWriteError.
	ErrAuditWrite = errors.New("audit write failed")
)

// DirectError is implemented by all errors in the taxonomy.
type DirectError interface {
	error
	DirectError() // marker method
}

// ValidationError collects every problem found in a single input.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Violations, "; "))
}

// Is implements errors.Is for sentinel error matching.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DirectError implements the DirectError interface.
func (e *ValidationError) DirectError() {}

// CertKind classifies a CertError.
type CertKind string

const (
	CertGeneration CertKind = "generation"
	CertFormat     CertKind = "format"
	CertExpired    CertKind = "expired"
	CertMismatch   CertKind = "mismatch"
	CertNoKey      CertKind = "no_key"
)

// CertError describes a certificate lifecycle or usage failure.
type CertError struct {
	Op      string // "generate", "load", "sign", "encrypt"
	Kind    CertKind
	Address string
	Err     error
}

func (e *CertError) Error() string {
	var b strings.Builder
	b.WriteString("certificate ")
	b.WriteString(e.Op)
	if e.Address != "" {
		b.WriteString(" for ")
		b.WriteString(e.Address)
	}
	b.WriteString(": ")
	b.WriteString(e.sentinel().Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CertError) sentinel() error {
	switch e.Kind {
	case CertGeneration:
		return ErrCertGeneration
	case CertExpired:
		return ErrCertExpired
	case CertMismatch:
		return ErrCertMismatch
	case CertNoKey:
		return ErrCertNoKey
	default:
		return ErrCertFormat
	}
}

// Unwrap returns the underlying error.
func (e *CertError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *CertError) Is(target error) bool {
	return target == e.sentinel()
}

// DirectError implements the DirectError interface.
func (e *CertError) DirectError() {}

// CryptoOp names the pipeline stage that failed.
type CryptoOp string

const (
	OpSign    CryptoOp = "sign"
	OpEncrypt CryptoOp = "encrypt"
	OpDecrypt CryptoOp = "decrypt"
	OpVerify  CryptoOp = "verify"
)

// CryptoError is a signing, encryption, decryption or verification failure.
//
// For decrypt neither the message nor Kind says whether the key was wrong,
// the data corrupt or the entity not enveloped: Kind is always
// DecryptKind. The specific kind and the underlying cause stay reachable
// through Detail for audit records and are not exposed through Unwrap.
type CryptoError struct {
	Op        CryptoOp
	Kind      string // e.g. "signer_mismatch", "integrity"
	MessageID string
	detail    string
	cause     error
}

// DecryptKind is the Kind of every decrypt CryptoError.
const DecryptKind = "undecryptable"

// NewCryptoError returns a CryptoError carrying an internal cause.
func NewCryptoError(op CryptoOp, kind, messageID string, cause error) *CryptoError {
	e := &CryptoError{Op: op, Kind: kind, MessageID: messageID, detail: kind, cause: cause}
	if op == OpDecrypt {
		e.Kind = DecryptKind
	}
	return e
}

func (e *CryptoError) Error() string {
	switch e.Op {
	case OpDecrypt:
		return ErrDecryptFailed.Error()
	case OpSign:
		return fmt.Sprintf("%s: %s", ErrSignFailed, e.Kind)
	case OpEncrypt:
		return fmt.Sprintf("%s: %s", ErrEncryptFailed, e.Kind)
	default:
		if e.Kind == "integrity" {
			return ErrIntegrity.Error()
		}
		return fmt.Sprintf("%s: %s", ErrVerifyFailed, e.Kind)
	}
}

// Detail returns the internal cause for audit trails. It must not be sent
// to remote parties.
func (e *CryptoError) Detail() string {
	kind := e.detail
	if kind == "" {
		kind = e.Kind
	}
	if e.cause == nil {
		return kind
	}
	return kind + ": " + e.cause.Error()
}

// Is implements errors.Is for sentinel error matching.
func (e *CryptoError) Is(target error) bool {
	switch e.Op {
	case OpSign:
		return target == ErrSignFailed
	case OpEncrypt:
		return target == ErrEncryptFailed
	case OpDecrypt:
		return target == ErrDecryptFailed
	default:
		if e.Kind == "integrity" && target == ErrIntegrity {
			return true
		}
		return target == ErrVerifyFailed
	}
}

// DirectError implements the DirectError interface.
func (e *CryptoError) DirectError() {}

// ConnectError is a dial, TLS, authentication or network failure.
type ConnectError struct {
	Backend string
	Op      string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s %s: connect: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect || target == ErrTransport
}

// DirectError implements the DirectError interface.
func (e *ConnectError) DirectError() {}

// ProtocolError is an unexpected or malformed backend response.
type ProtocolError struct {
	Backend string
	Op      string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: protocol: %s: %v", e.Backend, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: protocol: %s", e.Backend, e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol || target == ErrTransport
}

// DirectError implements the DirectError interface.
func (e *ProtocolError) DirectError() {}

// UnsupportedOperationError is returned when a backend lacks a capability.
type UnsupportedOperationError struct {
	Backend string
	Op      string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: %s not supported", e.Backend, e.Op)
}

// Is implements errors.Is for sentinel error matching.
func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupported || target == ErrTransport
}

// DirectError implements the DirectError interface.
func (e *UnsupportedOperationError) DirectError() {}

// NotFoundError is returned when an id is unknown or already consumed.
type NotFoundError struct {
	Backend string
	ID      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: item %q not found", e.Backend, e.ID)
}

// Is implements errors.Is for sentinel error matching.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound || target == ErrTransport
}

// DirectError implements the DirectError interface.
func (e *NotFoundError) DirectError() {}

// TimeoutError represents an operation that exceeded its deadline.
type TimeoutError struct {
	Backend string
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s %s timed out after %v", e.Backend, e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s %s timed out", e.Backend, e.Op)
}

// Is implements errors.Is for sentinel error matching.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == ErrTransport
}

// DirectError implements the DirectError interface.
func (e *TimeoutError) DirectError() {}

// AuditWriteError means an audit record could not be made durable. The
// operation that produced it must be treated as failed.
type AuditWriteError struct {
	Kind string
	Err  error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write failed for %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *AuditWriteError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *AuditWriteError) Is(target error) bool {
	return target == ErrAuditWrite
}

// DirectError implements the DirectError interface.
func (e *AuditWriteError) DirectError() {}

// Kind returns the stable kind string recorded in audit outcomes.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var (
		ve *ValidationError
		ce *CertError
		cr *CryptoError
		co *ConnectError
		pe *ProtocolError
		ue *UnsupportedOperationError
		ne *NotFoundError
		te *TimeoutError
		ae *AuditWriteError
	)
	switch {
	case errors.As(err, &ae):
		return "audit_write"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ce):
		return "cert_" + string(ce.Kind)
	case errors.As(err, &cr):
		return string(cr.Op) + "_failed"
	case errors.As(err, &co):
		return "connect"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &ue):
		return "unsupported"
	case errors.As(err, &ne):
		return "not_found"
	case errors.As(err, &te):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
