package kiro

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kirogate/kirogate/internal/domain/credential"
)

func TestAuthClient_RefreshSocial(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken":  "new-access",
			"refreshToken": "new-refresh",
			"expiresAt":    time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer server.Close()

	auth := NewAuthClient(nil)
	auth.socialURLFormat = server.URL + "/%s/refreshToken"

	updated, err := auth.Refresh(context.Background(), credential.Tokens{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		AuthMethod:   "social",
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if gotBody["refreshToken"] != "old-refresh" {
		t.Fatalf("request body = %v", gotBody)
	}
	if updated.AccessToken != "new-access" || updated.RefreshToken != "new-refresh" {
		t.Fatalf("updated tokens = %+v", updated)
	}
	if updated.ExpiresAt.IsZero() {
		t.Fatal("expiry should be set from the reply")
	}
}

func TestAuthClient_RefreshIdC(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken": "idc-access",
			"expiresIn":   3600,
		})
	}))
	defer server.Close()

	auth := NewAuthClient(nil)
	auth.idcURLFormat = server.URL + "/%s/token"

	before := time.Now()
	updated, err := auth.Refresh(context.Background(), credential.Tokens{
		RefreshToken: "idc-refresh",
		AuthMethod:   "idc",
		ClientID:     "client-1",
		Region:       "eu-west-1",
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if gotBody["clientId"] != "client-1" || gotBody["grantType"] != "refresh_token" {
		t.Fatalf("request body = %v", gotBody)
	}
	if updated.AccessToken != "idc-access" {
		t.Fatalf("access token = %q", updated.AccessToken)
	}
	if updated.RefreshToken != "idc-refresh" {
		t.Fatal("refresh token should be kept when the reply omits it")
	}
	if updated.ExpiresAt.Before(before.Add(59 * time.Minute)) {
		t.Fatalf("expiry = %v, want about an hour out", updated.ExpiresAt)
	}
}

func TestAuthClient_RefreshIdCRequiresClientID(t *testing.T) {
	auth := NewAuthClient(nil)
	_, err := auth.Refresh(context.Background(), credential.Tokens{
		RefreshToken: "r",
		AuthMethod:   "idc",
	})
	if err == nil {
		t.Fatal("idc refresh without clientId should fail")
	}
}

func TestAuthClient_RefreshErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	auth := NewAuthClient(nil)
	auth.socialURLFormat = server.URL + "/%s/refreshToken"

	_, err := auth.Refresh(context.Background(), credential.Tokens{RefreshToken: "r"})
	if err == nil {
		t.Fatal("expected an error for a 400 reply")
	}
}

func TestAuthClient_RefreshRequiresToken(t *testing.T) {
	auth := NewAuthClient(nil)
	if _, err := auth.Refresh(context.Background(), credential.Tokens{}); err == nil {
		t.Fatal("refresh without a refresh token should fail")
	}
}
