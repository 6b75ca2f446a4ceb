// Package neterr holds the failure codes surfaced by the network mediator.
// Codes follow Chromium's net error numbering so a host can render the same
// error pages a browser would.
package neterr

import (
	"errors"
	"fmt"
)

// Code is a negative Chromium net error number.
type Code int

const (
	ErrFailed                Code = -2
	ErrAborted               Code = -3
	ErrInvalidArgument       Code = -4
	ErrTimedOut              Code = -7
	ErrNotImplemented        Code = -11
	ErrConnectionReset       Code = -101
	ErrConnectionRefused     Code = -102
	ErrNameNotResolved       Code = -105
	ErrInternetDisconnected  Code = -106
	ErrConnectionTimedOut    Code = -118
	ErrCertCommonNameInvalid Code = -200
	ErrCertDateInvalid       Code = -201
	ErrCertAuthorityInvalid  Code = -202
	ErrInvalidURL            Code = -300
	ErrUnknownURLScheme      Code = -302
	ErrNetworkIOSuspended    Code = -331
)

var names = map[Code]string{
	ErrFailed:                "ERR_FAILED",
	ErrAborted:               "ERR_ABORTED",
	ErrInvalidArgument:       "ERR_INVALID_ARGUMENT",
	ErrTimedOut:              "ERR_TIMED_OUT",
	ErrNotImplemented:        "ERR_NOT_IMPLEMENTED",
	ErrConnectionReset:       "ERR_CONNECTION_RESET",
	ErrConnectionRefused:     "ERR_CONNECTION_REFUSED",
	ErrNameNotResolved:       "ERR_NAME_NOT_RESOLVED",
	ErrInternetDisconnected:  "ERR_INTERNET_DISCONNECTED",
	ErrConnectionTimedOut:    "ERR_CONNECTION_TIMED_OUT",
	ErrCertCommonNameInvalid: "ERR_CERT_COMMON_NAME_INVALID",
	ErrCertDateInvalid:       "ERR_CERT_DATE_INVALID",
	ErrCertAuthorityInvalid:  "ERR_CERT_AUTHORITY_INVALID",
	ErrInvalidURL:            "ERR_INVALID_URL",
	ErrUnknownURLScheme:      "ERR_UNKNOWN_URL_SCHEME",
	ErrNetworkIOSuspended:    "ERR_NETWORK_IO_SUSPENDED",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("ERR_%d", int(c))
}

// Error is a classified failure in the {code, debug} shape hosts consume.
type Error struct {
	Code  Code   `json:"code"`
	Debug string `json:"debug,omitempty"`
	Cause error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Debug != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Debug)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New returns an Error with the given code and diagnostic text.
func New(code Code, debug string) *Error {
	return &Error{Code: code, Debug: debug}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Debug: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. The debug text is err's message.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Debug: err.Error(), Cause: err}
}

// From returns err as an *Error. Unclassified errors become ErrFailed so a
// code is always available at the adapter boundary.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		return ne
	}
	return Wrap(ErrFailed, err)
}

// CodeOf returns the code carried by err, ErrFailed for unclassified errors
// and 0 for nil.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	return From(err).Code
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	var ne *Error
	return errors.As(err, &ne) && ne.Code == code
}
