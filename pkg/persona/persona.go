// Package persona loads the per-role system prompts ("personas") that shape
// each listened user's conversation.
package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"WeRelay/pkg/logger"
)

// ErrPersonaNotFound is returned when no persona file exists for a role.
var ErrPersonaNotFound = errors.New("persona file not found")

// DefaultPersona is the hard-coded fallback used when a role's persona file
// cannot be loaded. The reply language matches the user-facing apologies.
const DefaultPersona = "你是一个友善、耐心的聊天助手，用简洁自然的中文回复消息。"

const maxPersonaSize = 64 * 1024

// Loader reads persona files named "<role>.md" from a directory.
type Loader struct {
	dir string
}

// NewLoader creates a Loader for dir. The directory does not need to exist;
// lookups against a missing directory simply return ErrPersonaNotFound.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// PromptForRole returns the persona text for a role label. The role is used
// as a bare file name; path separators are rejected so a mapping entry can
// never escape the persona directory.
func (l *Loader) PromptForRole(role string) (string, error) {
	role = strings.TrimSpace(role)
	if role == "" || strings.ContainsAny(role, `/\`) {
		return "", fmt.Errorf("%w: invalid role %q", ErrPersonaNotFound, role)
	}

	path := filepath.Join(l.dir, role+".md")
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrPersonaNotFound, path)
		}
		return "", err
	}
	if info.Size() > maxPersonaSize {
		logger.Warnf("persona: %s exceeds %d bytes, truncating", path, maxPersonaSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxPersonaSize {
		data = data[:maxPersonaSize]
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrPersonaNotFound, path)
	}
	return text, nil
}
