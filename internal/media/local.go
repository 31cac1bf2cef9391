package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalStore writes photos below a directory served at URLPrefix.
type LocalStore struct {
	dir        string
	urlPrefix  string
	normalizer Normalizer
}

// NewLocalStore creates the upload directory when missing.
func NewLocalStore(dir, urlPrefix string, normalizer Normalizer) (*LocalStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("media: upload directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create upload directory: %w", err)
	}
	urlPrefix = "/" + strings.Trim(strings.TrimSpace(urlPrefix), "/")
	return &LocalStore{dir: dir, urlPrefix: urlPrefix, normalizer: normalizer}, nil
}

// Dir is the directory photos are written to.
func (s *LocalStore) Dir() string {
	return s.dir
}

// URLPrefix is the path photos are served under.
func (s *LocalStore) URLPrefix() string {
	return s.urlPrefix
}

// Save normalises the upload and writes it under a fresh name.
func (s *LocalStore) Save(ctx context.Context, upload Upload) (StoredPhoto, error) {
	if err := ctx.Err(); err != nil {
		return StoredPhoto{}, err
	}
	encoded, err := s.normalizer.Normalize(upload.Content)
	if err != nil {
		return StoredPhoto{}, err
	}
	name, err := newObjectName()
	if err != nil {
		return StoredPhoto{}, err
	}

	target := filepath.Join(s.dir, name)
	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return StoredPhoto{}, fmt.Errorf("media: create photo: %w", err)
	}
	if _, err := bytes.NewReader(encoded).WriteTo(file); err != nil {
		_ = file.Close()
		_ = os.Remove(target)
		return StoredPhoto{}, fmt.Errorf("media: write photo: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(target)
		return StoredPhoto{}, fmt.Errorf("media: close photo: %w", err)
	}

	return StoredPhoto{
		URL:      path.Join(s.urlPrefix, name),
		Key:      name,
		FileName: cleanFileName(upload.FileName),
	}, nil
}

// Delete removes a photo previously returned by Save. Unknown URLs are ignored.
func (s *LocalStore) Delete(_ context.Context, fileURL string) error {
	if !strings.HasPrefix(fileURL, s.urlPrefix+"/") {
		return nil
	}
	name := path.Base(fileURL)
	if name == "." || name == "/" || name == ".." {
		return nil
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("media: remove photo: %w", err)
	}
	return nil
}
