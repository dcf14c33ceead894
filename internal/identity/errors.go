package identity

import (
	"errors"
	"strings"
)

// ErrorKind is the closed set of provider failures the flows distinguish.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidPhoneNumber
	KindInvalidCode
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidPhoneNumber:
		return "invalid_phone_number"
	case KindInvalidCode:
		return "invalid_code"
	default:
		return "unknown"
	}
}

// Error is a provider failure after normalisation.
//
// Code keeps the provider's own error code (e.g. "SESSION_EXPIRED") for
// logging; Kind is what callers switch on.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" && e.Message != "" && e.Message != e.Code {
		return "identity: " + e.Code + ": " + e.Message
	}
	if e.Code != "" {
		return "identity: " + e.Code
	}
	return "identity: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// codeKinds maps provider error codes onto kinds. Codes not listed here are
// KindUnknown.
var codeKinds = map[string]ErrorKind{
	"INVALID_PHONE_NUMBER": KindInvalidPhoneNumber,
	"MISSING_PHONE_NUMBER": KindInvalidPhoneNumber,
	"INVALID_CODE":         KindInvalidCode,
	"MISSING_CODE":         KindInvalidCode,
}

// refreshRejectedCodes are the secure-token errors after which a refresh
// token will never work again.
var refreshRejectedCodes = map[string]bool{
	"INVALID_REFRESH_TOKEN": true,
	"MISSING_REFRESH_TOKEN": true,
	"TOKEN_EXPIRED":         true,
	"USER_DISABLED":         true,
	"USER_NOT_FOUND":        true,
}

// FromCode builds an *Error from a raw provider error message such as
// "INVALID_PHONE_NUMBER : TOO_SHORT". The part before " : " is the code.
func FromCode(raw string) *Error {
	raw = strings.TrimSpace(raw)
	code, detail, found := strings.Cut(raw, " : ")
	code = strings.TrimSpace(code)
	if !found {
		detail = raw
	}

	kind, ok := codeKinds[code]
	if !ok {
		kind = KindUnknown
	}
	return &Error{Kind: kind, Code: code, Message: strings.TrimSpace(detail)}
}

// Unknown wraps an unexpected failure (transport error, malformed response).
func Unknown(message string, err error) *Error {
	return &Error{Kind: KindUnknown, Message: message, Err: err}
}

// KindOf returns the kind of the provider error in err's chain, or
// KindUnknown when err carries none.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsRefreshRejected reports whether the provider definitively refused a
// refresh token. Transport failures, 5xx answers and quota errors are not
// rejections: the same token may work on the next attempt.
func IsRefreshRejected(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return refreshRejectedCodes[pe.Code]
}

// IsInvalidPhoneNumber reports whether the provider rejected the number.
func IsInvalidPhoneNumber(err error) bool { return KindOf(err) == KindInvalidPhoneNumber }

// IsInvalidCode reports whether the provider rejected the verification code.
func IsInvalidCode(err error) bool { return KindOf(err) == KindInvalidCode }
