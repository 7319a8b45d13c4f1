package errors

import "net/http"

// Code is a machine-readable error identifier surfaced in the response
// envelope. Codes are stable: merchant integrations branch on them.
type Code string

// Authentication failures.
const (
	CodeMissingAPIKey           Code = "MissingApiKey"
	CodeInvalidAPIKey           Code = "InvalidApiKey"
	CodeNotApproved             Code = "NotApproved"
	CodeNoSigningSecret         Code = "NoSigningSecret"
	CodeMissingSignatureHeaders Code = "MissingSignatureHeaders"
	CodeInvalidTimestamp        Code = "InvalidTimestamp"
	CodeRequestExpired          Code = "RequestExpired"
	CodeReplayDetected          Code = "ReplayDetected"
	CodeInvalidSignature        Code = "InvalidSignature"
)

// Authorization failures.
const (
	CodeIPNotAllowed Code = "IpNotAllowed"
	CodeForbidden    Code = "Forbidden"
)

// Request validation failures.
const (
	CodeMissingParams Code = "MissingParams"
	CodeInvalidAmount Code = "InvalidAmount"
	CodeInvalidQris   Code = "InvalidQris"
	CodeInvalidURL    Code = "InvalidUrl"
)

// State and availability.
const (
	CodeNotFound            Code = "NotFound"
	CodeConflict            Code = "Conflict"
	CodeNoSuffixAvailable   Code = "NoSuffixAvailable"
	CodeRateLimit           Code = "RateLimit"
	CodeUpstreamUnavailable Code = "UpstreamUnavailable"
)

// Internal bug or unexpected store failure.
const (
	CodeInternal Code = "Internal"
)

// IsRetryable reports whether the caller should retry the same request.
// Auth and validation failures are terminal; only transient availability
// problems warrant a retry.
func (c Code) IsRetryable() bool {
	switch c {
	case CodeUpstreamUnavailable, CodeRateLimit, CodeInternal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the code to its HTTP response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeMissingParams, CodeInvalidAmount, CodeInvalidQris, CodeInvalidURL,
		CodeInvalidTimestamp, CodeMissingSignatureHeaders:
		return http.StatusBadRequest

	case CodeMissingAPIKey, CodeInvalidAPIKey, CodeNoSigningSecret,
		CodeRequestExpired, CodeInvalidSignature:
		return http.StatusUnauthorized

	case CodeNotApproved, CodeIPNotAllowed, CodeForbidden:
		return http.StatusForbidden

	case CodeNotFound:
		return http.StatusNotFound

	case CodeReplayDetected, CodeConflict, CodeNoSuffixAvailable:
		return http.StatusConflict

	case CodeRateLimit:
		return http.StatusTooManyRequests

	case CodeUpstreamUnavailable:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
