package kiro

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestClassify_Table(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    ErrorType
		disable bool
		switch_ bool
		retry   bool
	}{
		{"suspended", 403, `{"message":"Your account is suspended"}`, ErrorAccountSuspended, true, true, false},
		{"blocked", 403, "access blocked for this account", ErrorAccountSuspended, true, true, false},
		{"plain 403", 403, "forbidden", ErrorUnknown, false, false, false},
		{"429", 429, "", ErrorRateLimited, false, true, false},
		{"quota body", 400, "monthly quota exhausted", ErrorRateLimited, false, true, false},
		{"rate limit body", 400, "rate limit exceeded for resource", ErrorRateLimited, false, true, false},
		{"content length", 400, `{"reason":"CONTENT_LENGTH_EXCEEDS_THRESHOLD","message":"content_length_exceeds_threshold"}`, ErrorContentTooLong, false, false, true},
		{"too long", 400, "Input is too long for this model", ErrorContentTooLong, false, false, true},
		{"401", 401, "", ErrorAuthFailed, false, true, false},
		{"invalid token", 400, "invalid token provided", ErrorAuthFailed, false, true, false},
		{"model unavailable", 500, "MODEL_TEMPORARILY_UNAVAILABLE", ErrorModelUnavailable, false, true, true},
		{"high load", 400, "server under high load, retry later", ErrorModelUnavailable, false, true, true},
		{"500", 500, "internal failure", ErrorServiceUnavailable, false, false, true},
		{"502", 502, "", ErrorServiceUnavailable, false, false, true},
		{"503", 503, "", ErrorServiceUnavailable, false, false, true},
		{"504", 504, "", ErrorServiceUnavailable, false, false, true},
		{"unknown", 418, "teapot", ErrorUnknown, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.status, tt.body)
			if got.Type != tt.want {
				t.Fatalf("type = %v, want %v", got.Type, tt.want)
			}
			if got.DisableAccount != tt.disable {
				t.Errorf("disable = %v, want %v", got.DisableAccount, tt.disable)
			}
			if got.SwitchAccount != tt.switch_ {
				t.Errorf("switch = %v, want %v", got.SwitchAccount, tt.switch_)
			}
			if got.RetrySame != tt.retry {
				t.Errorf("retry = %v, want %v", got.RetrySame, tt.retry)
			}
			if got.Message == "" {
				t.Error("classified error should carry a user message")
			}
		})
	}
}

func TestClassify_CaseInsensitive(t *testing.T) {
	got := Classify(403, "ACCOUNT SUSPENDED BY ADMINISTRATOR")
	if got.Type != ErrorAccountSuspended {
		t.Fatalf("type = %v, want account_suspended", got.Type)
	}
}

func TestClassify_BodyExcerptTruncated(t *testing.T) {
	body := make([]byte, 2000)
	for i := range body {
		body[i] = 'x'
	}
	got := Classify(500, string(body))
	if len(got.Body) != maxBodyExcerpt {
		t.Fatalf("excerpt length = %d, want %d", len(got.Body), maxBodyExcerpt)
	}
}

func TestDownstreamStatus(t *testing.T) {
	tests := []struct {
		typ  ErrorType
		want int
	}{
		{ErrorAccountSuspended, http.StatusForbidden},
		{ErrorRateLimited, http.StatusTooManyRequests},
		{ErrorContentTooLong, http.StatusBadRequest},
		{ErrorAuthFailed, http.StatusUnauthorized},
		{ErrorServiceUnavailable, http.StatusServiceUnavailable},
		{ErrorModelUnavailable, http.StatusServiceUnavailable},
		{ErrorUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		e := &UpstreamError{Type: tt.typ}
		if got := e.DownstreamStatus(); got != tt.want {
			t.Errorf("%v status = %d, want %d", tt.typ, got, tt.want)
		}
	}
}

func TestClassifyTransport(t *testing.T) {
	timeout := ClassifyTransport(context.DeadlineExceeded)
	if timeout.Type != ErrorServiceUnavailable || !timeout.RetrySame {
		t.Fatalf("deadline exceeded should be a retryable service error, got %+v", timeout)
	}

	canceled := ClassifyTransport(context.Canceled)
	if canceled.RetrySame || canceled.SwitchAccount {
		t.Fatalf("cancellation must not be retried, got %+v", canceled)
	}

	conn := ClassifyTransport(errors.New("dial tcp: connection refused"))
	if conn.Type != ErrorServiceUnavailable || !conn.RetrySame {
		t.Fatalf("connection failure should be retryable, got %+v", conn)
	}
}

func TestErrorTypeStrings(t *testing.T) {
	tests := []struct {
		typ  ErrorType
		want string
	}{
		{ErrorAccountSuspended, "account_suspended"},
		{ErrorRateLimited, "rate_limited"},
		{ErrorContentTooLong, "content_too_long"},
		{ErrorAuthFailed, "auth_failed"},
		{ErrorServiceUnavailable, "service_unavailable"},
		{ErrorModelUnavailable, "model_unavailable"},
		{ErrorUnknown, "unknown"},
		{ErrorType(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("ErrorType(%d).String() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
