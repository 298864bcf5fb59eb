// Package credential loads, refreshes and persists the Spotify OAuth token.
package credential

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

// Error kinds.
var (
	ErrUnavailable = errors.New("credential unavailable")
	ErrExpired     = errors.New("credential expired")
)

// FileStore persists a token as JSON.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the token file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the token. A missing or unreadable file is ErrUnavailable.
func (s *FileStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Mark(errors.Newf("token file %s not found; run the auth tool first", s.path), ErrUnavailable)
		}
		return nil, errors.Mark(errors.Wrapf(err, "failed to read %s", s.path), ErrUnavailable)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to parse %s", s.path), ErrUnavailable)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.Mark(errors.Newf("token file %s holds no token", s.path), ErrUnavailable)
	}
	return &tok, nil
}

// Save writes tok atomically with owner-only permissions.
func (s *FileStore) Save(tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode token")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write token")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to chmod token")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close token")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", s.path)
	}
	return nil
}
