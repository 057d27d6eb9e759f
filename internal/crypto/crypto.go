// Package crypto decrypts credential values that arrive base64 encoded as
// nonce (12 bytes) + ciphertext + tag (16 bytes) under AES-256-GCM. The key
// is read from the CREDENTIAL_ENCRYPTION_KEY environment variable, either as
// a raw 32-byte string or as base64 that decodes to 32 bytes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"
)

const (
	keyEnv    = "CREDENTIAL_ENCRYPTION_KEY"
	nonceSize = 12
)

var (
	// ErrConfiguration means the encryption key is absent or has the wrong
	// length. Fatal at startup, never retried.
	ErrConfiguration = errors.New("credential encryption key missing or malformed")
	// ErrDecode means the encrypted value is not valid base64 or is shorter
	// than the nonce prefix.
	ErrDecode = errors.New("credential value malformed")
	// ErrIntegrity means the authentication tag did not verify, so the value
	// was encrypted with a different key or has been tampered with.
	ErrIntegrity = errors.New("credential integrity check failed")
)

// DecryptValue decrypts a base64 encoded credential. An empty input passes
// through unchanged without touching the key material.
func DecryptValue(encrypted string) (string, error) {
	if encrypted == "" {
		return encrypted, nil
	}

	gcm, err := loadCipher()
	if err != nil {
		return "", err
	}

	combined, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: decode base64: %v", ErrDecode, err)
	}
	if len(combined) < nonceSize {
		return "", fmt.Errorf("%w: value shorter than nonce", ErrDecode)
	}

	nonce, ciphertext := combined[:nonceSize], combined[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecode)
	}
	return string(plain), nil
}

// EncryptValue encrypts a plaintext credential with a fresh random nonce and
// returns base64(nonce + ciphertext + tag). An empty input passes through
// unchanged.
func EncryptValue(plain string) (string, error) {
	if plain == "" {
		return plain, nil
	}

	gcm, err := loadCipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	combined := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(combined), nil
}

func loadCipher() (cipher.AEAD, error) {
	keyStr := os.Getenv(keyEnv)
	if keyStr == "" {
		return nil, fmt.Errorf("%w: %s must be set", ErrConfiguration, keyEnv)
	}

	key, err := keyBytes(keyStr)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return gcm, nil
}

// keyBytes accepts the key as base64 of 32 bytes or as a raw 32-byte string.
// Base64 wins when both readings are possible.
func keyBytes(keyStr string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(keyStr); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(keyStr) == 32 {
		return []byte(keyStr), nil
	}
	return nil, fmt.Errorf("%w: key must be 32 bytes raw or base64 encoded", ErrConfiguration)
}
