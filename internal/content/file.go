package content

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps content in a local directory, named by digest.
type FileStore struct {
	baseDir string
	baseURL string
}

// NewFileStore creates baseDir if needed.
func NewFileStore(baseDir, baseURL string) (*FileStore, error) {
	if baseDir == "" {
		baseDir = "./content"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	return &FileStore{baseDir: baseDir, baseURL: baseURL}, nil
}

func (f *FileStore) Upload(ctx context.Context, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("empty content")
	}
	cid := Digest(data)
	path := filepath.Join(f.baseDir, cid)
	if _, err := os.Stat(path); err == nil {
		return cid, nil
	}
	tmp, err := os.CreateTemp(f.baseDir, cid+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store file: %w", err)
	}
	return cid, nil
}

func (f *FileStore) URI(cid string) string { return joinURL(f.baseURL, cid) }

func (f *FileStore) URL(cid string) string { return joinURL(f.baseURL, cid) }

// Path returns the on-disk location of cid.
func (f *FileStore) Path(cid string) string { return filepath.Join(f.baseDir, cid) }
