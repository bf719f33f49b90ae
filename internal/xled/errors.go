package xled

import (
	"errors"
	"fmt"
)

// ValidationError describes a user-supplied invalid value, caught before any
// network traffic happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UnreachableError wraps a transport-level failure: the device produced no
// HTTP response at all, or not in time.
type UnreachableError struct {
	Host string
	Err  error
}

func (e *UnreachableError) Error() string {
	if e == nil {
		return "device unreachable"
	}
	return fmt.Sprintf("device %s unreachable: %v", e.Host, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RejectedError means the device answered and refused the request, either at
// the HTTP layer or with an application status code.
type RejectedError struct {
	Host    string
	Op      string
	Status  int
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	if e == nil {
		return "device rejected request"
	}
	detail := e.Message
	if detail == "" && e.Code != 0 {
		detail = fmt.Sprintf("application code %d", e.Code)
	}
	if detail == "" {
		detail = fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("device %s rejected %s: %s", e.Host, e.Op, detail)
}

// ProtocolError means the device answered with something the client cannot
// interpret: malformed JSON, a server-side failure or an unexpected
// application code on a read.
type ProtocolError struct {
	Host   string
	Op     string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "protocol error"
	}
	if e.Err != nil {
		return fmt.Sprintf("device %s: unexpected %s response: %s: %v", e.Host, e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("device %s: unexpected %s response: %s", e.Host, e.Op, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func IsUnreachable(err error) bool {
	var target *UnreachableError
	return errors.As(err, &target)
}

func IsRejected(err error) bool {
	var target *RejectedError
	return errors.As(err, &target)
}

func IsProtocol(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// Error kinds used in poll diagnostics and API error payloads.
const (
	KindUnreachable = "unreachable"
	KindRejected    = "rejected"
	KindProtocol    = "protocol"
	KindInvalid     = "invalid"
)

// Kind maps an error to its short class. Unknown errors count as protocol
// errors since they still mean the exchange did not complete as expected.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUnreachable(err):
		return KindUnreachable
	case IsRejected(err):
		return KindRejected
	case IsValidation(err):
		return KindInvalid
	default:
		return KindProtocol
	}
}
