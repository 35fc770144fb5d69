package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirSink writes documents into a local directory.
type DirSink struct {
	dir string
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("archive dir: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive dir: create %s: %w", dir, err)
	}
	return &DirSink{dir: dir}, nil
}

// Put writes data atomically: a temporary file is renamed into place.
func (s *DirSink) Put(_ context.Context, name string, data []byte) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("archive dir: invalid name %q", name)
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("archive dir: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("archive dir: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive dir: close: %w", err)
	}
	dst := filepath.Join(s.dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("archive dir: rename: %w", err)
	}
	return dst, nil
}

var _ Sink = (*DirSink)(nil)
