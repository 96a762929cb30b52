package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/attestation-service/interfaces"
)

// FileStore keeps one JSON document per reference value under a base directory.
// File names are the SHA-256 of the reference value name.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates the base directory if it does not exist.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
		log:     log,
	}, nil
}

func (b *FileStore) Get(ctx context.Context, name string) (*interfaces.ReferenceValue, error) {
	filePath := b.getFilePath(name)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read", b.Name(), err)
	}

	b.log.Debug("Fetched reference value from file",
		slog.String("path", filePath),
		slog.String("name", name))

	return decodeReferenceValue(name, data)
}

func (b *FileStore) Set(ctx context.Context, rv interfaces.ReferenceValue) error {
	data, err := encodeReferenceValue(rv)
	if err != nil {
		return err
	}

	if err := WriteFileAtomic(b.getFilePath(rv.Name), data, 0644); err != nil {
		return unavailable("write", b.Name(), err)
	}

	b.log.Debug("Stored reference value in file", slog.String("name", rv.Name))
	return nil
}

func (b *FileStore) Delete(ctx context.Context, name string) error {
	if err := os.Remove(b.getFilePath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return unavailable("remove", b.Name(), err)
	}

	b.log.Debug("Removed reference value file", slog.String("name", name))
	return nil
}

// Available checks if the base directory still exists.
func (b *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File store unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileStore) getFilePath(name string) string {
	return filepath.Join(b.baseDir, nameKey(name)+".json")
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}

	return os.Rename(tmpName, path)
}
