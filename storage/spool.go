// Package storage spools uploaded videos to the local filesystem while the
// model reads them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrInvalidKey = errors.New("storage: invalid key")
	ErrEmpty      = errors.New("storage: empty upload")
)

type Spool struct {
	basePath string
	log      *zap.Logger
}

// New resolves basePath and creates it when missing.
func New(basePath string, log *zap.Logger) (*Spool, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	return &Spool{basePath: abs, log: log}, nil
}

// Save copies r to key and returns the absolute path of the written file.
// The data lands in a temp file first and is renamed into place.
func (s *Spool) Save(ctx context.Context, key string, r io.Reader) (string, error) {
	path, err := s.fullPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = ErrEmpty
	}
	if err != nil {
		os.Remove(tmpPath)
		if errors.Is(err, ErrEmpty) {
			return "", err
		}
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename temp file: %w", err)
	}
	s.log.Debug("spooled upload", zap.String("key", key), zap.Int64("bytes", n))
	return path, nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Spool) Remove(key string) error {
	path, err := s.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *Spool) Path(key string) (string, error) {
	return s.fullPath(key)
}

func (s *Spool) fullPath(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := filepath.Clean(key)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", ErrInvalidKey
	}
	full := filepath.Join(s.basePath, cleaned)
	if !strings.HasPrefix(full, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return full, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
