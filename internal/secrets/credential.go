package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNoCredential = errors.New("no credential stored; run `studio login`")

// CredentialStore keeps one bearer token encrypted in File with the identity
// at KeyPath.
type CredentialStore struct {
	KeyPath string
	File    string
}

// Save encrypts token and writes it, creating the identity on first use.
func (c CredentialStore) Save(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty credential")
	}
	blob, err := c.Seal(token)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.File), 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	if err := os.WriteFile(c.File, []byte(blob+"\n"), 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// Seal encrypts token for this store's identity without writing it.
func (c CredentialStore) Seal(token string) (string, error) {
	return c.keyring().Seal(token)
}

// Load decrypts the stored token.
func (c CredentialStore) Load() (string, error) {
	data, err := os.ReadFile(c.File)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("read credential: %w", err)
	}
	return c.keyring().Open(strings.TrimSpace(string(data)))
}

// Resolve returns the credential to use: direct when set (decrypted if it is
// an ENC blob), otherwise the stored one.
func (c CredentialStore) Resolve(direct string) (string, error) {
	direct = strings.TrimSpace(direct)
	if direct == "" {
		return c.Load()
	}
	if !IsSealed(direct) {
		return direct, nil
	}
	return c.keyring().Open(direct)
}

// Delete removes the stored token. The identity is kept.
func (c CredentialStore) Delete() error {
	if err := os.Remove(c.File); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}

func (c CredentialStore) keyring() Keyring { return Keyring{Path: c.KeyPath} }
