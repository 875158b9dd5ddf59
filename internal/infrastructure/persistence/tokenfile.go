package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kirogate/kirogate/internal/domain/credential"
	"github.com/kirogate/kirogate/pkg/errors"
)

// tokenRecord is the typed view of an IDE token file. The files may carry
// more fields than these; Save keeps the extras intact.
type tokenRecord struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	AuthMethod   string `json:"authMethod"`
	Region       string `json:"region"`
	ClientID     string `json:"clientId"`
	ProfileArn   string `json:"profileArn"`
}

// TokenFiles implements credential.TokenStore over the IDE's JSON token
// files.
type TokenFiles struct{}

// NewTokenFiles 创建令牌文件仓储
func NewTokenFiles() *TokenFiles {
	return &TokenFiles{}
}

var _ credential.TokenStore = (*TokenFiles)(nil)

// Load reads and parses a token file.
func (t *TokenFiles) Load(path string) (credential.Tokens, error) {
	raw, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return credential.Tokens{}, errors.NewNotFoundError("token file not found: " + path)
		}
		return credential.Tokens{}, errors.NewInternalErrorWithCause("read token file", err)
	}
	var rec tokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return credential.Tokens{}, errors.NewInvalidInputErrorWithCause("parse token file", err)
	}

	tokens := credential.Tokens{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		AuthMethod:   rec.AuthMethod,
		Region:       rec.Region,
		ClientID:     rec.ClientID,
		ProfileArn:   rec.ProfileArn,
	}
	if rec.ExpiresAt != "" {
		if ts, err := time.Parse(time.RFC3339, rec.ExpiresAt); err == nil {
			tokens.ExpiresAt = ts
		}
	}
	return tokens, nil
}

// Save writes rotated tokens back to the file. The file is re-read first
// so fields this gateway does not model (IDE-private metadata) survive the
// write-back.
func (t *TokenFiles) Save(path string, tokens credential.Tokens) error {
	full := ExpandPath(path)

	merged := map[string]interface{}{}
	if raw, err := os.ReadFile(full); err == nil {
		_ = json.Unmarshal(raw, &merged)
	}

	merged["accessToken"] = tokens.AccessToken
	if tokens.RefreshToken != "" {
		merged["refreshToken"] = tokens.RefreshToken
	}
	if !tokens.ExpiresAt.IsZero() {
		merged["expiresAt"] = tokens.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if tokens.AuthMethod != "" {
		merged["authMethod"] = tokens.AuthMethod
	}
	if tokens.Region != "" {
		merged["region"] = tokens.Region
	}
	if tokens.ClientID != "" {
		merged["clientId"] = tokens.ClientID
	}
	if tokens.ProfileArn != "" {
		merged["profileArn"] = tokens.ProfileArn
	}

	raw, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return errors.NewInternalErrorWithCause("encode token file", err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.NewInternalErrorWithCause("create token dir", err)
	}
	if err := os.WriteFile(full, raw, 0o600); err != nil {
		return errors.NewInternalErrorWithCause("write token file", err)
	}
	return nil
}

// TokenCandidate is one usable token file found by a directory scan.
type TokenCandidate struct {
	Path            string `json:"path"`
	Name            string `json:"name"`
	ExpiresAt       string `json:"expires,omitempty"`
	AuthMethod      string `json:"auth_method"`
	Region          string `json:"region"`
	HasRefreshToken bool   `json:"has_refresh_token"`
}

// ScanDir lists candidate token files under dir (typically
// ~/.aws/sso/cache). A candidate is any JSON file carrying an accessToken;
// unreadable or malformed files are skipped.
func (t *TokenFiles) ScanDir(dir string) ([]TokenCandidate, error) {
	full := ExpandPath(dir)
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewInternalErrorWithCause("scan token dir", err)
	}

	var found []TokenCandidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(full, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec tokenRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.AccessToken == "" {
			continue
		}

		cand := TokenCandidate{
			Path:            path,
			Name:            strings.TrimSuffix(e.Name(), ".json"),
			ExpiresAt:       rec.ExpiresAt,
			AuthMethod:      rec.AuthMethod,
			Region:          rec.Region,
			HasRefreshToken: rec.RefreshToken != "",
		}
		if cand.AuthMethod == "" {
			cand.AuthMethod = "social"
		}
		if cand.Region == "" {
			cand.Region = "us-east-1"
		}
		found = append(found, cand)
	}
	return found, nil
}

// ExpandPath resolves a leading ~/ against the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
