package kiro

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorType 上游错误分类
type ErrorType int

const (
	ErrorUnknown ErrorType = iota
	ErrorAccountSuspended
	ErrorRateLimited
	ErrorContentTooLong
	ErrorAuthFailed
	ErrorServiceUnavailable
	ErrorModelUnavailable
)

// String 返回错误类型的字符串表示
func (t ErrorType) String() string {
	switch t {
	case ErrorAccountSuspended:
		return "account_suspended"
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorContentTooLong:
		return "content_too_long"
	case ErrorAuthFailed:
		return "auth_failed"
	case ErrorServiceUnavailable:
		return "service_unavailable"
	case ErrorModelUnavailable:
		return "model_unavailable"
	default:
		return "unknown"
	}
}

// UpstreamError is a classified upstream failure. The decision flags tell
// the orchestrator what to do; Message is safe to show downstream.
type UpstreamError struct {
	Type       ErrorType
	StatusCode int // upstream status, 0 for transport failures
	Message    string
	Body       string

	DisableAccount bool
	SwitchAccount  bool
	RetrySame      bool
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Type, e.Message)
}

// DownstreamStatus maps the classification to the HTTP status surfaced to
// clients. The per-dialect error type strings live in the protocol
// packages.
func (e *UpstreamError) DownstreamStatus() int {
	switch e.Type {
	case ErrorAccountSuspended:
		return http.StatusForbidden
	case ErrorRateLimited:
		return http.StatusTooManyRequests
	case ErrorContentTooLong:
		return http.StatusBadRequest
	case ErrorAuthFailed:
		return http.StatusUnauthorized
	case ErrorServiceUnavailable, ErrorModelUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

const maxBodyExcerpt = 500

// Classify maps an upstream HTTP status and body to the failure taxonomy.
// Order matters: body signals that pin a specific cause win over the
// generic status buckets.
func Classify(status int, body string) *UpstreamError {
	lower := strings.ToLower(body)
	excerpt := body
	if len(excerpt) > maxBodyExcerpt {
		excerpt = excerpt[:maxBodyExcerpt]
	}

	switch {
	case status == http.StatusForbidden &&
		(strings.Contains(lower, "suspended") || strings.Contains(lower, "blocked")):
		return &UpstreamError{
			Type:           ErrorAccountSuspended,
			StatusCode:     status,
			Message:        "Account suspended or blocked upstream",
			Body:           excerpt,
			DisableAccount: true,
			SwitchAccount:  true,
		}

	case status == http.StatusTooManyRequests ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests"):
		return &UpstreamError{
			Type:          ErrorRateLimited,
			StatusCode:    status,
			Message:       "Rate limited, please retry later",
			Body:          excerpt,
			SwitchAccount: true,
		}

	case strings.Contains(lower, "content_length_exceeds_threshold") ||
		strings.Contains(lower, "too long"):
		return &UpstreamError{
			Type:       ErrorContentTooLong,
			StatusCode: status,
			Message:    "Request content too long",
			Body:       excerpt,
			RetrySame:  true,
		}

	case status == http.StatusUnauthorized ||
		strings.Contains(lower, "invalid token") ||
		strings.Contains(lower, "unauthorized"):
		return &UpstreamError{
			Type:          ErrorAuthFailed,
			StatusCode:    status,
			Message:       "Authentication failed",
			Body:          excerpt,
			SwitchAccount: true,
		}

	case strings.Contains(lower, "model_temporarily_unavailable") ||
		strings.Contains(lower, "high load"):
		return &UpstreamError{
			Type:          ErrorModelUnavailable,
			StatusCode:    status,
			Message:       "Model temporarily unavailable",
			Body:          excerpt,
			SwitchAccount: true,
			RetrySame:     true,
		}

	case status >= 500:
		return &UpstreamError{
			Type:       ErrorServiceUnavailable,
			StatusCode: status,
			Message:    "Upstream service unavailable",
			Body:       excerpt,
			RetrySame:  true,
		}

	default:
		return &UpstreamError{
			Type:       ErrorUnknown,
			StatusCode: status,
			Message:    fmt.Sprintf("Unexpected upstream error (status %d)", status),
			Body:       excerpt,
		}
	}
}

// ClassifyTransport maps a transport-level failure (timeout, connection
// reset, DNS) to the taxonomy. Cancellation is not retryable: it means the
// downstream client went away.
func ClassifyTransport(err error) *UpstreamError {
	if errors.Is(err, context.Canceled) {
		return &UpstreamError{
			Type:    ErrorUnknown,
			Message: "Request canceled",
			Body:    err.Error(),
		}
	}
	message := "Upstream connection failed"
	if errors.Is(err, context.DeadlineExceeded) {
		message = "Upstream request timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		message = "Upstream request timed out"
	}
	return &UpstreamError{
		Type:      ErrorServiceUnavailable,
		Message:   message,
		Body:      err.Error(),
		RetrySame: true,
	}
}
