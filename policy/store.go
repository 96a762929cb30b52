package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var policyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidatePolicyID rejects ids that cannot be used as a file name.
func ValidatePolicyID(id string) error {
	if !policyIDPattern.MatchString(id) {
		return fmt.Errorf("policy id %q must match %s", id, policyIDPattern)
	}
	return nil
}

// Store persists policy documents as <dir>/<id>.<ext>.
// An empty dir keeps nothing on disk.
type Store struct {
	dir string
	ext string
	log *slog.Logger
}

// NewStore creates the policy directory if needed.
func NewStore(dir, ext string, log *slog.Logger) (*Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create policy directory: %w", err)
		}
	}
	return &Store{dir: dir, ext: ext, log: log}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+"."+s.ext)
}

// LoadAll reads every policy document in the directory, keyed by id.
func (s *Store) LoadAll() (map[string][]byte, error) {
	policies := make(map[string][]byte)
	if s.dir == "" {
		return policies, nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}

	suffix := "." + s.ext
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), suffix)
		if ValidatePolicyID(id) != nil {
			s.log.Warn("Skipping policy file with invalid id", "file", entry.Name())
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", id, err)
		}
		policies[id] = data
	}

	return policies, nil
}

// Write replaces a policy document atomically.
func (s *Store) Write(id string, content []byte) error {
	if s.dir == "" {
		return nil
	}

	// Write to temp file first then rename for atomicity
	tempFile := s.path(id) + ".tmp"
	if err := os.WriteFile(tempFile, content, 0644); err != nil {
		return fmt.Errorf("failed to write policy %s: %w", id, err)
	}
	if err := os.Rename(tempFile, s.path(id)); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename policy %s: %w", id, err)
	}
	return nil
}

// Delete removes a policy document. A missing document is not an error.
func (s *Store) Delete(id string) error {
	if s.dir == "" {
		return nil
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete policy %s: %w", id, err)
	}
	return nil
}
