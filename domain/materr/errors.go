// Package materr defines the coded error taxonomy shared by the
// validator, the log and the matcher. User-visible failures carry a
// stable numeric code next to a template message and its parameters.
package materr

import (
	"errors"
	"fmt"
)

// Kind classifies how an error propagates: validation and conflict
// errors go back to the caller and never reach the log, transient
// errors are retried at the log boundary, capacity errors signal a full
// producer buffer, fatal errors abort startup.
type Kind uint8

const (
	KindValidation Kind = iota
	KindConflict
	KindCapacity
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindCapacity:
		return "capacity"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Code is a stable numeric failure identifier, composed as
// object<<20 | part<<8 | class.
type Code uint32

func mkCode(obj, part, class uint32) Code {
	return Code(obj<<20 | part<<8 | class)
}

// Error objects.
const (
	objAccount = 2
	objOrder   = 9
	objScript  = 11
	objService = 12
)

var (
	CodeInvalidSignature         = mkCode(objOrder, 0x01, 0x02)
	CodeOrderOutdated            = mkCode(objOrder, 0x02, 0x04)
	CodeOrderDuplicate           = mkCode(objOrder, 0x03, 0x09)
	CodeOrderVersionDenied       = mkCode(objOrder, 0x05, 0x09)
	CodeUnexpectedFeeAsset       = mkCode(objOrder, 0x06, 0x09)
	CodeFeeNotEnough             = mkCode(objOrder, 0x06, 0x06)
	CodePriceTickInvalid         = mkCode(objOrder, 0x07, 0x06)
	CodeInvalidPrice             = mkCode(objOrder, 0x07, 0x02)
	CodeDeviantOrderPrice        = mkCode(objOrder, 0x10, 0x0f) // 9441295
	CodeDeviantOrderMatcherFee   = mkCode(objOrder, 0x11, 0x0f) // 9441551
	CodeOrderNotFound            = mkCode(objOrder, 0x08, 0x04)
	CodeOrderTerminal            = mkCode(objOrder, 0x08, 0x09)
	CodeCancelNotAllowed         = mkCode(objOrder, 0x09, 0x09)
	CodeSelfTrade                = mkCode(objOrder, 0x0a, 0x09)
	CodeAddressBlacklisted       = mkCode(objAccount, 0x01, 0x09)
	CodeBalanceNotEnough         = mkCode(objAccount, 0x02, 0x06)
	CodeAssetPairDenied          = mkCode(objScript, 0x01, 0x09)
	CodeAssetNotFound            = mkCode(objScript, 0x02, 0x04)
	CodeAssetScriptDeniedOrder   = mkCode(objScript, 0x07, 0x02) // 11536130
	CodeAccountScriptDeniedOrder = mkCode(objScript, 0x08, 0x02)
	CodeMarketStatusMismatch     = mkCode(objService, 0x01, 0x09)
	CodeServiceStarting          = mkCode(objService, 0x02, 0x09)
	CodeServiceStopping          = mkCode(objService, 0x03, 0x09)
	CodeQueueFull                = mkCode(objService, 0x04, 0x07)
	CodeQueueUnavailable         = mkCode(objService, 0x05, 0x07)
)

// Error is a coded failure. Params hold the template values referenced
// by Message so clients can render localized text.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Params  map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.cause)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two coded errors by code, so sentinel comparisons with
// errors.Is work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func newErr(kind Kind, code Code, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg}
}

func Validation(code Code, format string, args ...any) *Error {
	return newErr(KindValidation, code, fmt.Sprintf(format, args...))
}

func Conflict(code Code, format string, args ...any) *Error {
	return newErr(KindConflict, code, fmt.Sprintf(format, args...))
}

func Capacity(code Code, format string, args ...any) *Error {
	return newErr(KindCapacity, code, fmt.Sprintf(format, args...))
}

func Transient(code Code, cause error, format string, args ...any) *Error {
	e := newErr(KindTransient, code, fmt.Sprintf(format, args...))
	e.cause = cause
	return e
}

func Fatal(cause error, format string, args ...any) *Error {
	e := newErr(KindFatal, 0, fmt.Sprintf(format, args...))
	e.cause = cause
	return e
}

// WithParams attaches template parameters and returns the same error.
func (e *Error) WithParams(params map[string]any) *Error {
	e.Params = params
	return e
}

// KindOf reports the kind of a coded error, or KindFatal for anything
// uncoded.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// CodeOf extracts the numeric code, 0 when the error is not coded.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsValidation reports whether the error must be returned to the caller
// instead of being written to the log.
func IsValidation(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindConflict
}

// IsTransient reports whether the error is retryable at the log
// boundary.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
