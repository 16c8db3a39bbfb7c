// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeNotFoundError     = "not_found_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeUpstreamTimeout    = "upstream_timeout"
	CodeNotImplemented     = "not_implemented"
	CodeInvalidRequest     = "invalid_request"
	CodeModelNotFound      = "model_not_found"
	CodeRequestDenied      = "request_denied"
	CodeNoHealthyBackend   = "no_healthy_backend"
	CodeAllProvidersFailed = "all_providers_failed"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteValidation writes a 400 for malformed request bodies.
func WriteValidation(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteAuth writes a 401 for missing or invalid credentials.
func WriteAuth(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteDenied writes a 403 for a routing-rule denial.
func WriteDenied(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusForbidden, msg, TypePermissionError, CodeRequestDenied)
}

// WriteModelNotFound writes a 404 when no provider serves the model.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound, "model not available: "+model, TypeNotFoundError, CodeModelNotFound)
}

// WriteRequestTimeout writes a 408 when the client's own deadline expired
// before any upstream attempt completed.
func WriteRequestTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusRequestTimeout, "request deadline exceeded", TypeInvalidRequest, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 with a Retry-After header.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteNoHealthyBackend writes a 503 when every candidate is unhealthy or
// circuit-broken.
func WriteNoHealthyBackend(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "no healthy backend available", TypeProviderError, CodeNoHealthyBackend)
}

// WriteExhausted writes a 502 when the provider plan is exhausted.
func WriteExhausted(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeAllProvidersFailed)
}

// WriteTimeout writes a 504 when the upstream did not answer in time.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeUpstreamTimeout)
}

// WriteInternal writes an opaque 500.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal error", TypeServerError, CodeInternalError)
}

// WriteProviderError maps a terminal upstream status onto the client response.
//
//	Provider 429        → 429 + Retry-After: 60
//	Provider 5xx        → 502
//	Provider other 4xx  → same status (auth, policy, validation pass through)
//	Unknown             → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus == fasthttp.StatusUnauthorized:
		Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
	case providerStatus == fasthttp.StatusForbidden:
		Write(ctx, fasthttp.StatusForbidden, msg, TypePermissionError, CodeRequestDenied)
	case providerStatus >= 400 && providerStatus < 500:
		Write(ctx, providerStatus, msg, TypeInvalidRequest, CodeInvalidRequest)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}
