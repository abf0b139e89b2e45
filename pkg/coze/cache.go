package coze

import (
	"encoding/json"
	"os"
	"path/filepath"

	"WeRelay/pkg/logger"
)

// credentialStore persists the access token to its own file. Earlier
// revisions of this system round-tripped the token through the config file
// via text substitution, which is racy under concurrent writers; a dedicated
// cache file avoids that entirely.
type credentialStore struct {
	path string
}

func newCredentialStore(path string) *credentialStore {
	return &credentialStore{path: path}
}

// load reads the cached credential. A missing or unreadable cache is not an
// error; the caller simply fetches a fresh token.
func (s *credentialStore) load() *Credential {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		logger.Warnf("coze: ignoring corrupt credential cache %s: %v", s.path, err)
		return nil
	}
	return &cred
}

// save writes the credential with owner-only permissions. Failure is logged
// and tolerated; the in-memory cache still works for this process.
func (s *credentialStore) save(cred *Credential) {
	if s.path == "" || cred == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		logger.Warnf("coze: cannot create credential cache directory: %v", err)
		return
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		logger.Warnf("coze: cannot persist credential cache: %v", err)
	}
}
