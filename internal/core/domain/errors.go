package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a transcoding error.
type ErrorKind string

const (
	// ErrorKindDecode is malformed vendor JSON in strict mode.
	ErrorKindDecode ErrorKind = "decode"

	// ErrorKindEncode is a failure serializing an internally built payload.
	ErrorKindEncode ErrorKind = "encode"

	// ErrorKindCorrelationMiss is a delta/done frame for an id that was never added.
	ErrorKindCorrelationMiss ErrorKind = "correlation_miss"

	// ErrorKindUpstream is a non-success response from the upstream vendor.
	ErrorKindUpstream ErrorKind = "upstream"

	// ErrorKindUnsupported is an unknown protocol or operation.
	ErrorKindUnsupported ErrorKind = "unsupported"
)

// StreamError is the canonical error of the transcoder.
type StreamError struct {
	Kind ErrorKind `json:"type"`

	// Protocol is the wire protocol the error originated from, if known.
	Protocol Protocol `json:"protocol,omitempty"`

	Message string `json:"message"`

	// StatusCode is the upstream HTTP status for ErrorKindUpstream.
	StatusCode int `json:"-"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	prefix := string(e.Kind)
	if e.Protocol != "" {
		prefix = fmt.Sprintf("%s (%s)", e.Kind, e.Protocol)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the HTTP status used when the error reaches an
// HTTP client.
func (e *StreamError) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindDecode:
		return http.StatusBadRequest
	case ErrorKindUnsupported:
		return http.StatusNotFound
	case ErrorKindUpstream:
		if e.StatusCode != 0 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithProtocol sets the originating protocol.
func (e *StreamError) WithProtocol(p Protocol) *StreamError {
	e.Protocol = p
	return e
}

// NewDecodeError reports a malformed frame.
func NewDecodeError(p Protocol, message string, err error) *StreamError {
	return &StreamError{Kind: ErrorKindDecode, Protocol: p, Message: message, Err: err}
}

// NewEncodeError reports a payload that could not be serialized.
func NewEncodeError(p Protocol, message string, err error) *StreamError {
	return &StreamError{Kind: ErrorKindEncode, Protocol: p, Message: message, Err: err}
}

// NewCorrelationMiss reports a frame referencing an unregistered id.
func NewCorrelationMiss(p Protocol, id string) *StreamError {
	return &StreamError{Kind: ErrorKindCorrelationMiss, Protocol: p, Message: fmt.Sprintf("no registration for %q", id)}
}

// NewUpstreamError reports a failed upstream response.
func NewUpstreamError(status int, body string) *StreamError {
	return &StreamError{Kind: ErrorKindUpstream, StatusCode: status, Message: fmt.Sprintf("upstream status %d: %s", status, body)}
}

// NewUnsupportedError reports an unknown protocol or operation.
func NewUnsupportedError(message string) *StreamError {
	return &StreamError{Kind: ErrorKindUnsupported, Message: message}
}

// IsKind reports whether err is a StreamError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// ToStreamError converts any error to a StreamError, wrapping unknown
// errors as encode failures.
func ToStreamError(err error) *StreamError {
	if err == nil {
		return nil
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	return &StreamError{Kind: ErrorKindEncode, Message: err.Error(), Err: err}
}
