// Package apierr defines the gateway error taxonomy and its mapping onto the
// OpenAI-compatible JSON error envelope.
//
// Every failure the gateway reports to a client is one of the kinds below, so
// callers can always tell a caller-fixable input error (4xx) from a gateway or
// provider failure (5xx).
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// KindMalformedRequest — client input violates the unified schema.
	KindMalformedRequest Kind = iota
	// KindUnknownModel — no registry pattern matches the requested model.
	KindUnknownModel
	// KindUnsupportedParameter — the target provider cannot express a
	// requested field and no safe default exists.
	KindUnsupportedParameter
	// KindUpstreamUnavailable — transport-level failure reaching a provider.
	KindUpstreamUnavailable
	// KindUpstreamProtocol — the provider returned an unparseable or
	// unexpected shape; treated as a provider-contract violation.
	KindUpstreamProtocol
	// KindInternal — gateway-side failure (serialization, panic recovery).
	KindInternal
)

// Wire-level "type" strings, matching the OpenAI error format.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeProviderError  = "provider_error"
	TypeServerError    = "server_error"
)

// Wire-level "code" strings.
const (
	CodeMalformedRequest     = "malformed_request"
	CodeUnknownModel         = "unknown_model"
	CodeUnsupportedParameter = "unsupported_parameter"
	CodeUpstreamUnavailable  = "upstream_unavailable"
	CodeUpstreamProtocol     = "upstream_protocol_error"
	CodeRequestTimeout       = "request_timeout"
	CodeInternalError        = "internal_error"
)

// Error is the structured gateway error. Provider is the adapter name when the
// failure originated upstream, empty otherwise.
type Error struct {
	Kind     Kind
	Message  string
	Provider string

	// UpstreamStatus is the HTTP status the provider returned, when known.
	UpstreamStatus int
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return e.Message
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Upstream creates a KindUpstreamUnavailable error from a provider failure.
// status is the provider's HTTP status, or 0 for transport-level failures.
func Upstream(provider string, status int, message string) *Error {
	return &Error{
		Kind:           KindUpstreamUnavailable,
		Message:        message,
		Provider:       provider,
		UpstreamStatus: status,
	}
}

// Protocol creates a KindUpstreamProtocol error: the provider answered, but
// with a shape the adapter could not interpret.
func Protocol(provider, message string) *Error {
	return &Error{Kind: KindUpstreamProtocol, Message: message, Provider: provider}
}

// KindOf extracts the Kind from err. Unrecognised errors are KindInternal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// httpStatus maps a Kind to the client-facing HTTP status code.
func (e *Error) httpStatus() int {
	switch e.Kind {
	case KindMalformedRequest, KindUnsupportedParameter:
		return fasthttp.StatusBadRequest
	case KindUnknownModel:
		return fasthttp.StatusNotFound
	case KindUpstreamUnavailable:
		if e.UpstreamStatus == fasthttp.StatusTooManyRequests {
			return fasthttp.StatusTooManyRequests
		}
		return fasthttp.StatusBadGateway
	case KindUpstreamProtocol:
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

func (e *Error) wireType() string {
	switch e.Kind {
	case KindMalformedRequest, KindUnknownModel, KindUnsupportedParameter:
		return TypeInvalidRequest
	case KindUpstreamUnavailable, KindUpstreamProtocol:
		return TypeProviderError
	default:
		return TypeServerError
	}
}

func (e *Error) wireCode() string {
	switch e.Kind {
	case KindMalformedRequest:
		return CodeMalformedRequest
	case KindUnknownModel:
		return CodeUnknownModel
	case KindUnsupportedParameter:
		return CodeUnsupportedParameter
	case KindUpstreamUnavailable:
		return CodeUpstreamUnavailable
	case KindUpstreamProtocol:
		return CodeUpstreamProtocol
	default:
		return CodeInternalError
	}
}

type envelope struct {
	Error payload `json:"error"`
}

type payload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Write renders err as a JSON error response. Non-taxonomy errors are reported
// as internal server errors.
func Write(ctx *fasthttp.RequestCtx, err error) {
	var ge *Error
	if !errors.As(err, &ge) {
		ge = &Error{Kind: KindInternal, Message: err.Error()}
	}

	if ge.UpstreamStatus == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}

	writeEnvelope(ctx, ge.httpStatus(), ge.Message, ge.wireType(), ge.wireCode())
}

// WriteTimeout writes a 504 for an upstream deadline expiry.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	writeEnvelope(ctx, fasthttp.StatusGatewayTimeout,
		"provider request timed out", TypeProviderError, CodeRequestTimeout)
}

func writeEnvelope(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: payload{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}
