package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kirogate/kirogate/internal/domain/credential"
)

const (
	defaultAuthRegion  = "us-east-1"
	authRequestTimeout = 30 * time.Second

	socialRefreshURLFormat = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	idcTokenURLFormat      = "https://oidc.%s.amazonaws.com/token"
)

// AuthClient refreshes credential tokens against the provider's auth
// endpoints. Social logins use the desktop refresh endpoint; IAM Identity
// Center logins use the regional OIDC token endpoint.
type AuthClient struct {
	http   *http.Client
	logger *zap.Logger

	socialURLFormat string
	idcURLFormat    string
}

// NewAuthClient 创建令牌刷新客户端
func NewAuthClient(logger *zap.Logger) *AuthClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthClient{
		http:            &http.Client{Timeout: authRequestTimeout},
		logger:          logger.With(zap.String("component", "kiro_auth")),
		socialURLFormat: socialRefreshURLFormat,
		idcURLFormat:    idcTokenURLFormat,
	}
}

var _ credential.TokenRefresher = (*AuthClient)(nil)

// Refresh exchanges the refresh token for fresh credentials. The returned
// record keeps the input's method/region/client metadata with the rotated
// token fields applied.
func (a *AuthClient) Refresh(ctx context.Context, tokens credential.Tokens) (credential.Tokens, error) {
	if tokens.RefreshToken == "" {
		return credential.Tokens{}, fmt.Errorf("no refresh token")
	}
	region := tokens.Region
	if region == "" {
		region = defaultAuthRegion
	}
	if strings.EqualFold(tokens.AuthMethod, "idc") {
		return a.refreshIdC(ctx, region, tokens)
	}
	return a.refreshSocial(ctx, region, tokens)
}

type socialRefreshReply struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (a *AuthClient) refreshSocial(ctx context.Context, region string, tokens credential.Tokens) (credential.Tokens, error) {
	reqBody := map[string]string{"refreshToken": tokens.RefreshToken}
	endpoint := fmt.Sprintf(a.socialURLFormat, region)

	var reply socialRefreshReply
	if err := a.postJSON(ctx, endpoint, reqBody, &reply); err != nil {
		return credential.Tokens{}, err
	}
	if reply.AccessToken == "" {
		return credential.Tokens{}, fmt.Errorf("refresh reply missing accessToken")
	}

	updated := tokens
	updated.AccessToken = reply.AccessToken
	if reply.RefreshToken != "" {
		updated.RefreshToken = reply.RefreshToken
	}
	updated.ExpiresAt = resolveExpiry(reply.ExpiresAt, reply.ExpiresIn)
	return updated, nil
}

type idcTokenReply struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (a *AuthClient) refreshIdC(ctx context.Context, region string, tokens credential.Tokens) (credential.Tokens, error) {
	if tokens.ClientID == "" {
		return credential.Tokens{}, fmt.Errorf("idc refresh requires a clientId")
	}
	reqBody := map[string]string{
		"clientId":     tokens.ClientID,
		"refreshToken": tokens.RefreshToken,
		"grantType":    "refresh_token",
	}
	endpoint := fmt.Sprintf(a.idcURLFormat, region)

	var reply idcTokenReply
	if err := a.postJSON(ctx, endpoint, reqBody, &reply); err != nil {
		return credential.Tokens{}, err
	}
	if reply.AccessToken == "" {
		return credential.Tokens{}, fmt.Errorf("oidc reply missing accessToken")
	}

	updated := tokens
	updated.AccessToken = reply.AccessToken
	if reply.RefreshToken != "" {
		updated.RefreshToken = reply.RefreshToken
	}
	updated.ExpiresAt = resolveExpiry("", reply.ExpiresIn)
	return updated, nil
}

func (a *AuthClient) postJSON(ctx context.Context, endpoint string, reqBody, reply interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal refresh request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create refresh request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("read refresh reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		excerpt := string(raw)
		if len(excerpt) > maxBodyExcerpt {
			excerpt = excerpt[:maxBodyExcerpt]
		}
		return fmt.Errorf("refresh endpoint returned %d: %s", resp.StatusCode, excerpt)
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("decode refresh reply: %w", err)
	}
	return nil
}

// resolveExpiry prefers an absolute RFC3339 expiresAt, falls back to a
// relative expiresIn, and reports zero when neither is given.
func resolveExpiry(expiresAt string, expiresIn int64) time.Time {
	if expiresAt != "" {
		if t, err := time.Parse(time.RFC3339, expiresAt); err == nil {
			return t
		}
	}
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Time{}
}
