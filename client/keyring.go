package client

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStorage keeps values in the operating system keychain, one entry per
// key under a shared service name.
type KeyringStorage struct {
	service string
}

// NewKeyringStorage returns keychain-backed storage for service.
func NewKeyringStorage(service string) *KeyringStorage {
	return &KeyringStorage{service: service}
}

// Get implements Storage.
func (s *KeyringStorage) Get(key string) (string, bool, error) {
	val, err := keyring.Get(s.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("keyring get %s: %w", key, err)
	}
	return val, true, nil
}

// Set implements Storage.
func (s *KeyringStorage) Set(key, value string) error {
	if err := keyring.Set(s.service, key, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

// Delete implements Storage. Missing entries are not an error.
func (s *KeyringStorage) Delete(keys ...string) error {
	var errs []error
	for _, k := range keys {
		if err := keyring.Delete(s.service, k); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			errs = append(errs, fmt.Errorf("keyring delete %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
