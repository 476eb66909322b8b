// Package identity provides the local user's id: the first six characters of
// a random UUID, generated once and persisted to a file.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	idLength    = 6
	maxIDLength = 64
)

// ErrInvalidID is returned for ids that cannot name a store path segment.
var ErrInvalidID = errors.New("identity: invalid user id")

// Generate returns a fresh short id.
func Generate() string {
	return uuid.NewString()[:idLength]
}

// Validate checks that id can be used as a store path segment.
func Validate(id string) error {
	if id == "" || len(id) > maxIDLength || strings.ContainsAny(id, "/ \t\r\n*?[]\\") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Load reads the id stored at path.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if err := Validate(id); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return id, nil
}

// LoadOrCreate returns the id stored at path, generating and saving one if
// the file does not exist yet.
func LoadOrCreate(path string) (id string, created bool, err error) {
	id, err = Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}

	id = Generate()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", false, fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", false, fmt.Errorf("save identity: %w", err)
	}
	return id, true, nil
}

// Resolve returns override when set, otherwise the persisted id.
func Resolve(override, path string) (string, error) {
	if override != "" {
		if err := Validate(override); err != nil {
			return "", err
		}
		return override, nil
	}
	id, _, err := LoadOrCreate(path)
	return id, err
}
