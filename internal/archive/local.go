package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore writes each copy to a file under a base directory.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		return nil, errors.New("archive: local path is required")
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create base directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Put writes to a temp file and renames it so readers never see a partial copy.
func (s *LocalStore) Put(_ context.Context, newsletterID int64, html []byte) error {
	name := objectName(newsletterID)
	tmp, err := os.CreateTemp(s.basePath, ".tmp-"+name+"-*")
	if err != nil {
		return fmt.Errorf("archive: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(html); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("archive: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("archive: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.basePath, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("archive: rename temp file: %w", err)
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, newsletterID int64) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, objectName(newsletterID)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, newsletterID)
		}
		return nil, fmt.Errorf("archive: read file: %w", err)
	}
	return data, nil
}
