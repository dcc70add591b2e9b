package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockTimeout bounds how long a FileStorage call waits for the file lock.
const lockTimeout = time.Second

// FileStorage persists values as a JSON object in a single file, guarded by
// an advisory lock so several CLI processes can share one session.
type FileStorage struct {
	path string
}

// NewFileStorage returns storage backed by path. The file is created on the
// first write.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: filepath.Clean(path)}
}

// Get implements Storage.
func (s *FileStorage) Get(key string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := s.withLock(func() error {
		values, err := s.read()
		if err != nil {
			return err
		}
		val, ok = values[key]
		return nil
	})
	return val, ok, err
}

// Set implements Storage.
func (s *FileStorage) Set(key, value string) error {
	return s.update(func(values map[string]string) {
		values[key] = value
	})
}

// Delete implements Storage.
func (s *FileStorage) Delete(keys ...string) error {
	return s.update(func(values map[string]string) {
		for _, k := range keys {
			delete(values, k)
		}
	})
}

func (s *FileStorage) update(fn func(map[string]string)) error {
	return s.withLock(func() error {
		values, err := s.read()
		if err != nil {
			return err
		}
		fn(values)
		return s.write(values)
	})
}

func (s *FileStorage) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	fileLock := flock.New(s.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire storage lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire storage lock: timeout after %v", lockTimeout)
	}
	defer fileLock.Unlock()

	return fn()
}

func (s *FileStorage) read() (map[string]string, error) {
	values := make(map[string]string)
	// #nosec G304: path is chosen by the operator.
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, fmt.Errorf("read storage: %w", err)
	}
	if len(b) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("decode storage: %w", err)
	}
	return values, nil
}

func (s *FileStorage) write(values map[string]string) error {
	b, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace storage: %w", err)
	}
	return nil
}
