package apiclient

import (
	"errors"
	"fmt"
)

// Kind classifies why a call did not produce a value.
type Kind int

const (
	// KindTransport means no response was received. The request may not have been built or sent.
	KindTransport Kind = iota + 1
	// KindServer means the API answered with a non-2xx status.
	KindServer
	// KindDecode means a 2xx response body could not be decoded.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is the failure half of every call made through Client.
type Error struct {
	Kind   Kind
	Status int
	// Code, Message and Reason mirror the "code", "message" and "error" fields of the server's error body.
	Code    string
	Message string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindServer:
		text := e.Message
		if text == "" {
			text = e.Reason
		}
		if text == "" {
			return fmt.Sprintf("api: unexpected status %d", e.Status)
		}
		return fmt.Sprintf("api: status %d: %s", e.Status, text)
	default:
		if e.Err != nil {
			return fmt.Sprintf("api: %s: %v", e.Kind, e.Err)
		}
		return "api: " + e.Kind.String() + " failure"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MessageOf returns the server's "message" (then "error") text for err, or fallback when the
// failure carried no server text.
func MessageOf(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Kind == KindServer {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if apiErr.Reason != "" {
			return apiErr.Reason
		}
	}
	return fallback
}

// ReasonOf is MessageOf with the "error" field taking precedence over "message".
func ReasonOf(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Kind == KindServer {
		if apiErr.Reason != "" {
			return apiErr.Reason
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}
	return fallback
}

// IsStatus reports whether err is a server failure with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == KindServer && apiErr.Status == status
}
