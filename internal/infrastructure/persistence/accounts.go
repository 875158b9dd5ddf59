// Package persistence owns the on-disk state: the accounts registry and
// the per-credential token files, plus a watcher that picks up token
// changes made by external tools.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/kirogate/kirogate/pkg/errors"
)

// AccountRecord 账号持久化记录
type AccountRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TokenPath string `json:"token_path"`
	Enabled   bool   `json:"enabled"`
	MachineID string `json:"machine_id,omitempty"`
}

// registryFile is the on-disk envelope of the accounts registry.
type registryFile struct {
	Accounts []AccountRecord `json:"accounts"`
}

// AccountStore reads and writes the accounts registry file. Every admin
// mutation rewrites the whole file.
type AccountStore struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewAccountStore 创建账号仓储
func NewAccountStore(path string, logger *zap.Logger) *AccountStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountStore{path: path, logger: logger}
}

// Path returns the registry file location.
func (s *AccountStore) Path() string { return s.path }

// Load reads the registry. A missing file is an empty registry, not an
// error.
func (s *AccountStore) Load() ([]AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewInternalErrorWithCause("read accounts file", err)
	}
	var file registryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errors.NewInternalErrorWithCause("parse accounts file", err)
	}
	return file.Accounts, nil
}

// Save rewrites the registry.
func (s *AccountStore) Save(records []AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if records == nil {
		records = []AccountRecord{}
	}
	raw, err := json.MarshalIndent(registryFile{Accounts: records}, "", "  ")
	if err != nil {
		return errors.NewInternalErrorWithCause("encode accounts file", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.NewInternalErrorWithCause("create accounts dir", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return errors.NewInternalErrorWithCause("write accounts file", err)
	}
	s.logger.Debug("accounts registry saved",
		zap.String("path", s.path),
		zap.Int("count", len(records)))
	return nil
}
