// Package secrets keeps the backend credential encrypted at rest with age.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Sealed values look like ENC[age:<base64 age ciphertext>], the form config
// values and .env entries accept.
const (
	sealedPrefix = "ENC[age:"
	sealedSuffix = "]"
)

var ErrNotSealed = errors.New("value is not a sealed credential")

// Keyring is the X25519 identity file that seals studio credentials.
type Keyring struct {
	Path string
}

// Ensure returns the identity, creating the key file (0600) on first use.
func (k Keyring) Ensure() (*age.X25519Identity, error) {
	id, err := k.Identity()
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return id, err
	}

	id, err = age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate studio key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	f, err := os.OpenFile(k.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Lost a race with another process; use its key.
		return k.Identity()
	}
	if err != nil {
		return nil, fmt.Errorf("create studio key: %w", err)
	}
	_, werr := fmt.Fprintf(f, "# studio credential key\n# recipient: %s\n%s\n", id.Recipient(), id)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, fmt.Errorf("write studio key: %w", werr)
	}
	return id, nil
}

// Identity reads the existing key file. A missing file yields an error
// wrapping os.ErrNotExist.
func (k Keyring) Identity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		return nil, fmt.Errorf("read studio key: %w", err)
	}
	ids, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse studio key %s: %w", k.Path, err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("studio key %s holds no X25519 identity", k.Path)
}

// Seal encrypts token to the keyring's recipient, creating the key if needed.
func (k Keyring) Seal(token string) (string, error) {
	id, err := k.Ensure()
	if err != nil {
		return "", err
	}
	return seal(token, id.Recipient())
}

// Open decrypts a sealed value.
func (k Keyring) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	id, err := k.Identity()
	if err != nil {
		return "", err
	}
	return open(sealed, id)
}

// IsSealed reports whether s has the ENC[age:...] form.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealedPrefix) && strings.HasSuffix(s, sealedSuffix)
}

func seal(token string, to age.Recipient) (string, error) {
	var out strings.Builder
	out.WriteString(sealedPrefix)
	enc := base64.NewEncoder(base64.StdEncoding, &out)
	w, err := age.Encrypt(enc, to)
	if err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	if _, err := io.WriteString(w, token); err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	out.WriteString(sealedSuffix)
	return out.String(), nil
}

func open(sealed string, id age.Identity) (string, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(sealed, sealedPrefix), sealedSuffix)
	r, err := age.Decrypt(base64.NewDecoder(base64.StdEncoding, strings.NewReader(body)), id)
	if err != nil {
		return "", fmt.Errorf("open sealed credential: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("open sealed credential: %w", err)
	}
	return string(plain), nil
}
