package filestore

import (
	"os"
	"path/filepath"
)

// OS is the Store implementation backed by the local filesystem.
type OS struct{}

// NewOS returns a Store backed by the local filesystem.
func NewOS() *OS {
	return &OS{}
}

// OpenRead opens an existing file for reading.
func (s *OS) OpenRead(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IoError{Op: "open-read", Path: path, Err: err}
	}
	return f, nil
}

// OpenWrite creates or truncates a file for read/write access, creating
// parent directories as needed.
func (s *OS) OpenWrite(path string) (File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &IoError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &IoError{Op: "open-write", Path: path, Err: err}
	}
	return f, nil
}

// OpenTemp creates a uniquely named temporary file under dir.
func (s *OS) OpenTemp(dir string) (File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", &IoError{Op: "mkdir", Path: dir, Err: err}
	}
	f, err := os.CreateTemp(dir, "cfdp-rx-*")
	if err != nil {
		return nil, "", &IoError{Op: "open-temp", Path: dir, Err: err}
	}
	return f, f.Name(), nil
}

// Rename atomically moves src to dst, creating dst's parent directories.
func (s *OS) Rename(src, dst string) error {
	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &IoError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return &IoError{Op: "rename", Path: src, Err: err}
	}
	return nil
}

// Remove deletes a file.
func (s *OS) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return &IoError{Op: "remove", Path: path, Err: err}
	}
	return nil
}
