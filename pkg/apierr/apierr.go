// Package apierr provides the tagged error taxonomy used across arbstr and
// its rendering into the OpenAI-compatible JSON error envelope.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType is the fixed "type" field value of every error envelope.
const ErrorType = "arbstr_error"

// Kind places an error in the taxonomy. Each kind maps to one HTTP status,
// except KindUpstream which carries the upstream's own status.
type Kind int

// Kind constants.
const (
	KindBadRequest Kind = iota
	KindNoProviders
	KindNoPolicyMatch
	KindCircuitOpen
	KindUpstream
	KindTransport
	KindTimeout
	KindInternal
	KindNotFound
)

type (
	// Error is the structured error surfaced to clients. Upstream errors
	// additionally hold the verbatim body so the OpenAI-compatible error
	// surface of the provider is preserved.
	Error struct {
		Kind    Kind
		Message string
		Status  int    // upstream HTTP status; KindUpstream only
		Body    []byte // verbatim upstream body; KindUpstream only
		Err     error  // wrapped cause, optional
	}

	apiError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	}
	envelope struct {
		Error apiError `json:"error"`
	}
)

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to the status the client receives.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest, KindNoProviders, KindNoPolicyMatch:
		return fasthttp.StatusBadRequest
	case KindCircuitOpen:
		return fasthttp.StatusServiceUnavailable
	case KindUpstream:
		if e.Status > 0 {
			return e.Status
		}
		return fasthttp.StatusBadGateway
	case KindTransport:
		return fasthttp.StatusBadGateway
	case KindTimeout:
		return fasthttp.StatusGatewayTimeout
	case KindNotFound:
		return fasthttp.StatusNotFound
	default:
		return fasthttp.StatusInternalServerError
	}
}

// BadRequest reports a malformed or unroutable client request.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf("Invalid request: "+format, args...)}
}

// NoProviders reports that no configured provider serves the model.
func NoProviders(model string) *Error {
	return &Error{Kind: KindNoProviders, Message: fmt.Sprintf("No providers available for model '%s'", model)}
}

// NoPolicyMatch reports that policy constraints eliminated every candidate.
func NoPolicyMatch(policy string) *Error {
	return &Error{Kind: KindNoPolicyMatch, Message: fmt.Sprintf("No providers match policy constraints (policy '%s')", policy)}
}

// CircuitOpen reports that every candidate circuit rejected the request.
func CircuitOpen(model string) *Error {
	return &Error{Kind: KindCircuitOpen, Message: fmt.Sprintf("All providers for model '%s' have open circuits", model)}
}

// Upstream wraps a non-2xx provider response for verbatim passthrough.
func Upstream(status int, body []byte) *Error {
	return &Error{
		Kind:    KindUpstream,
		Message: fmt.Sprintf("Upstream request failed with status %d", status),
		Status:  status,
		Body:    body,
	}
}

// Transport reports a network-level failure after all candidates were tried.
func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Message: fmt.Sprintf("Upstream request failed: %v", err), Err: err}
}

// Timeout reports that the wrapping request deadline expired.
func Timeout(msg string) *Error {
	return &Error{Kind: KindTimeout, Message: msg}
}

// Internal reports a database, configuration, or invariant failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf("Internal error: %v", err), Err: err}
}

// NotFound reports a stats/requests query referencing an unknown model or provider.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Write renders the envelope with the given status as both HTTP status and
// the envelope's integer "code" field.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: apiError{
		Message: message,
		Type:    ErrorType,
		Code:    status,
	}})
	ctx.SetBody(body)
}

// WriteError renders an *Error. Upstream errors pass the provider body
// through verbatim under the provider's status; everything else gets
// the arbstr envelope.
func WriteError(ctx *fasthttp.RequestCtx, e *Error) {
	if e.Kind == KindUpstream && len(e.Body) > 0 {
		ctx.SetStatusCode(e.HTTPStatus())
		ctx.SetContentType("application/json")
		ctx.SetBody(e.Body)
		return
	}
	Write(ctx, e.HTTPStatus(), e.Message)
}
