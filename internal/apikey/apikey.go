// Package apikey issues and verifies agent API keys.
//
// A key is presented as cex_<keyID>_<secret>. Only the keyID and a
// bcrypt hash of the secret are stored; the full key is shown to the
// caller once, at registration.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const Prefix = "cex_"

var ErrMalformedKey = errors.New("malformed API key")

// Key holds a freshly generated credential. Secret is never persisted.
type Key struct {
	ID     string
	Secret string
	Hash   string
}

// Full returns the presentable form of the key.
func (k Key) Full() string {
	return Prefix + k.ID + "_" + k.Secret
}

// Generate creates a new key pair and the hash to store.
func Generate() (Key, error) {
	id, err := randomHex(8)
	if err != nil {
		return Key{}, err
	}
	secret, err := randomHex(24)
	if err != nil {
		return Key{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Key{}, fmt.Errorf("hashing API key: %w", err)
	}

	return Key{ID: id, Secret: secret, Hash: string(hash)}, nil
}

// Parse splits a presented key into its ID and secret.
func Parse(raw string) (keyID, secret string, err error) {
	if !strings.HasPrefix(raw, Prefix) {
		return "", "", ErrMalformedKey
	}
	parts := strings.SplitN(strings.TrimPrefix(raw, Prefix), "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedKey
	}
	return parts[0], parts[1], nil
}

// Verify checks a presented secret against the stored hash.
func Verify(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
