package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// ERROR TAXONOMY
// Every error that crosses the public boundary wraps exactly one of these
// sentinels so handlers can map it to a stable code without string matching.
// ============================================================================

var (
	ErrNotFound           = errors.New("not-found")
	ErrNotAuthorized      = errors.New("not-authorized")
	ErrInvalidArgument    = errors.New("invalid-argument")
	ErrPreconditionFailed = errors.New("precondition-failed")
	ErrNotEligible        = errors.New("not-eligible")
	ErrVerificationFailed = errors.New("verification-failed")
	ErrTimeout            = errors.New("timeout")
	ErrRateLimited        = errors.New("rate-limited")
	ErrUpstream           = errors.New("upstream-error")
	ErrProtocol           = errors.New("protocol-error")
	ErrInternal           = errors.New("internal-error")
)

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

// InvalidArgumentf wraps ErrInvalidArgument with a formatted detail message.
func InvalidArgumentf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidArgument}, args...)...)
}

// PreconditionFailedf wraps ErrPreconditionFailed with a formatted detail message.
func PreconditionFailedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrPreconditionFailed}, args...)...)
}

// NotEligiblef wraps ErrNotEligible with a formatted detail message.
func NotEligiblef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotEligible}, args...)...)
}

// Protocolf wraps ErrProtocol with a formatted detail message.
func Protocolf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrProtocol}, args...)...)
}

// NotAuthorizedf wraps ErrNotAuthorized with a formatted detail message.
func NotAuthorizedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotAuthorized}, args...)...)
}

// Upstreamf wraps ErrUpstream with a formatted detail message.
func Upstreamf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrUpstream}, args...)...)
}

// TrustVerificationError carries the structured payload of a failed trust
// check so TACP handlers can report the missing capabilities verbatim.
type TrustVerificationError struct {
	AgentID              string   `json:"agent_id"`
	Reason               string   `json:"reason"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	MissingCapabilities  []string `json:"missing_capabilities,omitempty"`
}

func (e *TrustVerificationError) Error() string {
	return fmt.Sprintf("trust verification failed for %s: %s", e.AgentID, e.Reason)
}

// CodeOf returns the stable wire code for an error.
func CodeOf(err error) string {
	var tve *TrustVerificationError
	if errors.As(err, &tve) {
		return "trust-verification-failed"
	}
	for _, sentinel := range []error{
		ErrNotFound, ErrNotAuthorized, ErrInvalidArgument, ErrPreconditionFailed,
		ErrNotEligible, ErrVerificationFailed, ErrTimeout, ErrRateLimited,
		ErrUpstream, ErrProtocol,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ErrInternal.Error()
}

// HTTPStatus maps an error to its public HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "not-found":
		return http.StatusNotFound
	case "not-authorized":
		return http.StatusForbidden
	case "invalid-argument":
		return http.StatusBadRequest
	case "precondition-failed", "not-eligible":
		return http.StatusConflict
	case "verification-failed", "trust-verification-failed":
		return http.StatusUnprocessableEntity
	case "timeout":
		return http.StatusGatewayTimeout
	case "rate-limited":
		return http.StatusTooManyRequests
	case "upstream-error":
		return http.StatusBadGateway
	case "protocol-error":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
