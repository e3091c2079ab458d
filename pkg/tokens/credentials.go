package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// credentialPrefix versions the encrypted-credential wire format.
const credentialPrefix = "cxc1:"

// ErrDecryptFailed is returned when a credential blob cannot be opened,
// which covers wrong keys, truncation, and tampering alike.
var ErrDecryptFailed = errors.New("credential decryption failed")

// EncryptCredential seals plaintext with XChaCha20-Poly1305 under a 32-byte
// key. The blob is "cxc1:<base64url(nonce || ciphertext)>".
func EncryptCredential(plaintext string, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("invalid credential key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to sample nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return credentialPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptCredential opens a blob produced by EncryptCredential. Any failure
// mode (bad prefix, bad encoding, wrong key, tampering) yields
// ErrDecryptFailed; callers cannot distinguish them.
func DecryptCredential(blob string, key []byte) (string, error) {
	if !strings.HasPrefix(blob, credentialPrefix) {
		return "", ErrDecryptFailed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(blob, credentialPrefix))
	if err != nil {
		return "", ErrDecryptFailed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", ErrDecryptFailed
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", ErrDecryptFailed
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
