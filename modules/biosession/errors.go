package biosession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrDriverPanic is wrapped by DriverError when a driver call panicked.
	ErrDriverPanic = errors.New("biosession: driver panicked")

	// ErrNilDriver is returned by New when no driver is supplied.
	ErrNilDriver = errors.New("biosession: driver is required")
)

// ErrorCategory represents the classification of driver failures for telemetry
type ErrorCategory int

const (
	// ErrCategoryTransport indicates link failures (radio, socket, timeout)
	ErrCategoryTransport ErrorCategory = iota
	// ErrCategoryPermission indicates the OS or device refused access
	ErrCategoryPermission
	// ErrCategoryProtocol indicates the device answered with something unexpected
	ErrCategoryProtocol
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryTransport:
		return "transport"
	case ErrCategoryPermission:
		return "permission"
	case ErrCategoryProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// DriverError is a classified driver failure.
//
// It is never returned from Session.Connect: a failed connect is observed
// as ConnectionState Error and the cause is read back via Session.LastError.
type DriverError struct {
	// Op is the driver call that failed ("connect", "subscribe", "start")
	Op       string
	Category ErrorCategory
	Err      error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("biosession: driver %s failed [%s]: %v", e.Op, e.Category, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

func newDriverError(op string, err error) *DriverError {
	return &DriverError{Op: op, Category: ClassifyDriverError(err), Err: err}
}

// ClassifyDriverError categorizes a driver error.
//
// Classification is based on error message heuristics: vendor SDKs rarely
// expose typed errors, so keyword matching is the only portable signal.
// Permission is checked first (most specific), then protocol, then transport.
func ClassifyDriverError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCategoryTransport
	}

	msg := strings.ToLower(err.Error())

	if containsAny(msg, permissionKeywords) {
		return ErrCategoryPermission
	}
	if errors.Is(err, ErrDriverPanic) || containsAny(msg, protocolKeywords) {
		return ErrCategoryProtocol
	}
	if containsAny(msg, transportKeywords) || containsWord(msg, transportWords) {
		return ErrCategoryTransport
	}
	return ErrCategoryUnknown
}

var permissionKeywords = []string{
	"permission",
	"denied",
	"unauthorized",
	"not allowed",
	"forbidden",
	"not paired",
}

var protocolKeywords = []string{
	"protocol",
	"unexpected",
	"malformed",
	"decode",
	"version",
	"unsupported",
	"invalid frame",
	"panicked",
}

var transportKeywords = []string{
	"bluetooth",
	"connection",
	"timeout",
	"timed out",
	"unreachable",
	"not found",
	"no such device",
	"broken pipe",
	"socket",
}

// transportWords only match whole words ("ble" is inside "unable").
var transportWords = []string{"ble", "eof"}

func containsWord(s string, words []string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
