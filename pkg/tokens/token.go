// Package tokens holds the security primitives of the approval protocol:
// single-use approval tokens, the tamper-evident audit hash chain, compact
// channel callback payloads, OAuth state blobs, and credential encryption.
// Everything here is purely functional; persistence lives elsewhere.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
)

// TokenPrefix is the versioned prefix of every approval token. The version
// segment allows the token format to evolve without ambiguity.
const TokenPrefix = "cortex_apr_1_"

// tokenBodyLen is the length of the base64url encoding of 32 random bytes.
const tokenBodyLen = 43

var tokenFormatRe = regexp.MustCompile(`^cortex_apr_1_[A-Za-z0-9_-]{43}$`)

// GenerateApprovalToken samples 256 bits from the CSPRNG and returns the
// plaintext token and its storage hash. The plaintext is shown to the
// requester exactly once; only the hash is ever persisted.
func GenerateApprovalToken() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to sample token bytes: %w", err)
	}
	plaintext = TokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the lowercase 64-char hex SHA-256 of the plaintext.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// IsValidTokenFormat reports whether s has the exact prefix, version, and
// base64url body shape of an approval token. It says nothing about whether
// the token exists.
func IsValidTokenFormat(s string) bool {
	return tokenFormatRe.MatchString(s)
}
