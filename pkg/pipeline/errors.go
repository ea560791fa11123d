package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure for exit-code mapping and for
// deciding whether the run aborts or merely audits and continues.
type ErrorKind string

const (
	// ErrConfig is a malformed config, unknown enum value, or duplicate id.
	ErrConfig ErrorKind = "config_error"

	// ErrInputFormat is a malformed scenario or tail input.
	ErrInputFormat ErrorKind = "input_format"

	// ErrAuditTampered means hash-chain verification failed on an existing entry.
	ErrAuditTampered ErrorKind = "audit_tampered"

	// ErrAuditUnsigned means require_signing is set and an entry lacks a signature.
	ErrAuditUnsigned ErrorKind = "audit_unsigned"

	// ErrExportSink is a single sink failure; recoverable.
	ErrExportSink ErrorKind = "export_sink_error"

	// ErrExternalService is a webhook/HTTP infra failure; recoverable via retry/DLQ.
	ErrExternalService ErrorKind = "external_service_error"

	// ErrStore is a risk-store failure; fails the run.
	ErrStore ErrorKind = "store_error"
)

// Error is a classified pipeline error carrying the offending path and
// enough context to render a single diagnostic line naming the
// category and offending key.
type Error struct {
	Kind    ErrorKind
	Message string
	Path    string
	Err     error
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s (path=%s)%s", e.Kind, e.Message, e.Path, e.unwrapSuffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Kind, e.Message, e.unwrapSuffix())
}

func (e *Error) unwrapSuffix() string {
	if e.Err == nil {
		return ""
	}
	return ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail attaches a context field to the error, returning e for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Fatal reports whether the error's kind aborts the run per §7's
// propagation policy.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case ErrConfig, ErrAuditTampered, ErrAuditUnsigned, ErrStore:
		return true
	default:
		return false
	}
}

func newError(kind ErrorKind, path, message string, err error) *Error {
	return &Error{Kind: kind, Path: path, Message: message, Err: err}
}

func NewConfigError(path, message string, err error) *Error {
	return newError(ErrConfig, path, message, err)
}

func NewInputFormatError(path, message string, err error) *Error {
	return newError(ErrInputFormat, path, message, err)
}

func NewAuditTamperedError(path, message string, err error) *Error {
	return newError(ErrAuditTampered, path, message, err)
}

func NewAuditUnsignedError(path, message string, err error) *Error {
	return newError(ErrAuditUnsigned, path, message, err)
}

func NewExportSinkError(path, message string, err error) *Error {
	return newError(ErrExportSink, path, message, err)
}

func NewExternalServiceError(path, message string, err error) *Error {
	return newError(ErrExternalService, path, message, err)
}

func NewStoreError(path, message string, err error) *Error {
	return newError(ErrStore, path, message, err)
}

// ExitCode maps an error's kind to the CLI exit code from spec §6.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case ErrConfig, ErrInputFormat:
			return 2
		case ErrAuditTampered, ErrAuditUnsigned:
			return 3
		case ErrStore, ErrExportSink, ErrExternalService:
			return 4
		}
	}
	return 4
}
