package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode classifies remote API failures.
type ErrorCode string

const (
	CodeForbidden         ErrorCode = "forbidden"
	CodeNotFound          ErrorCode = "not-found"
	CodeRateLimited       ErrorCode = "rate-limited"
	CodeInvalidTransition ErrorCode = "invalid-transition"
	CodeUnauthorized      ErrorCode = "unauthorized"
	CodeServer            ErrorCode = "server"
	CodeOther             ErrorCode = "other"
)

var (
	ErrForbidden         = errors.New("broadcast api: forbidden")
	ErrNotFound          = errors.New("broadcast api: not found")
	ErrRateLimited       = errors.New("broadcast api: rate limited")
	ErrInvalidTransition = errors.New("broadcast api: invalid transition")
	ErrUnauthorized      = errors.New("broadcast api: unauthorized")

	// ErrAuthentication means the account's credentials are missing, expired
	// without a refresh token, or could not be refreshed.
	ErrAuthentication = errors.New("broadcast authentication failed")
)

// APIError is a non-2xx response from the remote API.
type APIError struct {
	Operation string
	Status    int
	Reason    string
	Message   string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Operation, e.Status, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %d: %s", e.Operation, e.Status, e.Message)
}

// Code maps the HTTP status and reason to an ErrorCode.
func (e *APIError) Code() ErrorCode {
	switch e.Reason {
	case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded":
		return CodeRateLimited
	case "redundantTransition", "invalidTransition":
		return CodeInvalidTransition
	}
	switch {
	case e.Status == http.StatusUnauthorized:
		return CodeUnauthorized
	case e.Status == http.StatusForbidden:
		return CodeForbidden
	case e.Status == http.StatusNotFound:
		return CodeNotFound
	case e.Status == http.StatusTooManyRequests:
		return CodeRateLimited
	case e.Status >= 500:
		return CodeServer
	default:
		return CodeOther
	}
}

// Is lets callers match APIError values against the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrForbidden:
		return e.Code() == CodeForbidden
	case ErrNotFound:
		return e.Code() == CodeNotFound
	case ErrRateLimited:
		return e.Code() == CodeRateLimited
	case ErrInvalidTransition:
		return e.Code() == CodeInvalidTransition
	case ErrUnauthorized:
		return e.Code() == CodeUnauthorized
	}
	return false
}

// CodeOf returns the ErrorCode carried by err, or an empty code when err is
// not an APIError.
func CodeOf(err error) ErrorCode {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code()
	}
	return ""
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

func parseAPIError(operation string, status int, body []byte) *APIError {
	apiErr := &APIError{Operation: operation, Status: status}
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && (envelope.Error.Message != "" || len(envelope.Error.Errors) > 0) {
		apiErr.Message = envelope.Error.Message
		if len(envelope.Error.Errors) > 0 {
			apiErr.Reason = envelope.Error.Errors[0].Reason
			if apiErr.Message == "" {
				apiErr.Message = envelope.Error.Errors[0].Message
			}
		}
		return apiErr
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	apiErr.Message = msg
	return apiErr
}
