// Package xerr is the module's error type, a drop-in-flavored replacement
// for the standard errors package in the style of the teacher's
// common/errors: a chainable *Error carrying a message, an optional wrapped
// cause, and a severity that also sets the xlog level when the error is
// recorded through Log.
package xerr

import (
	"fmt"
	"strings"

	"github.com/relaymode/proxycore/xlog"
)

// Error is a chainable error with an optional inner cause and severity.
type Error struct {
	message       string
	inner         error
	severity      xlog.Severity
	sentinel      *Kind
	suggestedAddr string
}

// Kind is a comparable error class, the equivalent of the teacher's
// taxonomy in spec.md §7 (MalformedMode, AddressInUse, ...). errors.Is
// matches on Kind, not on message text.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

var (
	KindMalformedMode      = &Kind{"malformed mode"}
	KindInvalidAddress     = &Kind{"invalid address"}
	KindInvalidPort        = &Kind{"invalid port"}
	KindUnknownMode        = &Kind{"unknown mode"}
	KindAlreadyRunning     = &Kind{"already running"}
	KindNotRunning         = &Kind{"not running"}
	KindAddressInUse       = &Kind{"address in use"}
	KindBindFailed         = &Kind{"bind failed"}
	KindDrainFailed        = &Kind{"drain failed"}
	KindPlatformLookup     = &Kind{"platform lookup failed"}
	KindMalformedDatagram  = &Kind{"malformed datagram"}
	KindDuplicateModeTag   = &Kind{"duplicate mode tag registered"}
)

// New returns a plain *Error at Info severity, the default the teacher uses
// until AtWarning/AtError raises it.
func New(msg string) *Error {
	return &Error{message: msg, severity: xlog.SeverityInfo}
}

// Of returns a new *Error tagged with the given Kind so that errors.Is can
// later recognize it regardless of the human-readable message wrapped
// around it.
func Of(k *Kind, msg string) *Error {
	return &Error{message: msg, severity: xlog.SeverityInfo, sentinel: k}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.message)
	if e.inner != nil {
		b.WriteString(": ")
		b.WriteString(e.inner.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is/errors.As see through the chain.
func (e *Error) Unwrap() error { return e.inner }

// Is reports whether target is the Kind this error (or any error it wraps)
// was constructed with.
func (e *Error) Is(target error) bool {
	k, ok := target.(*Kind)
	return ok && e.sentinel == k
}

// Base attaches an underlying cause, mirroring the teacher's Error.Base.
func (e *Error) Base(cause error) *Error {
	e.inner = cause
	return e
}

func (e *Error) AtDebug() *Error   { e.severity = xlog.SeverityDebug; return e }
func (e *Error) AtInfo() *Error    { e.severity = xlog.SeverityInfo; return e }
func (e *Error) AtWarning() *Error { e.severity = xlog.SeverityWarning; return e }
func (e *Error) AtError() *Error   { e.severity = xlog.SeverityError; return e }

// Severity returns the effective severity of this error.
func (e *Error) Severity() xlog.Severity { return e.severity }

// Suggest attaches an opportunistically-probed actually-free address, for a
// caller that wants to retry once automatically instead of parsing it back
// out of the message text.
func (e *Error) Suggest(addr string) *Error {
	e.suggestedAddr = addr
	return e
}

// SuggestedAddr returns the actually-free address probed for this error, or
// "" if none was found (or none was probed for).
func (e *Error) SuggestedAddr() string { return e.suggestedAddr }

// Log records this error through xlog at its own severity.
func (e *Error) Log() *Error {
	xlog.Record(&xlog.Message{Severity: e.severity, Content: e.Error()})
	return e
}

// Withf builds a formatted *Error the way the teacher's New(msg...) does
// with variadic args, but with an explicit Printf-style format since this
// module favors static error text over call-site concatenation.
func Withf(format string, args ...interface{}) *Error {
	return New(fmt.Sprintf(format, args...))
}

// Off builds a Kind-tagged *Error with Printf-style formatting of the
// message, so `errors.Is(err, xerr.KindNotRunning)` recognizes it.
func Off(k *Kind, format string, args ...interface{}) *Error {
	return Of(k, fmt.Sprintf(format, args...))
}
