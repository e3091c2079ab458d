package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestCredentialRoundTrip(t *testing.T) {
	key := testKey(0x11)

	for _, plaintext := range []string{"", "hunter2", "sk-ant-REDACTED", strings.Repeat("x", 4096)} {
		blob, err := EncryptCredential(plaintext, key)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(blob, credentialPrefix))

		got, err := DecryptCredential(blob, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptCredential_NonDeterministic(t *testing.T) {
	key := testKey(0x22)
	a, err := EncryptCredential("same-plaintext", key)
	require.NoError(t, err)
	b, err := EncryptCredential("same-plaintext", key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per encryption")
}

func TestDecryptCredential_WrongKey(t *testing.T) {
	blob, err := EncryptCredential("secret-value", testKey(0x33))
	require.NoError(t, err)

	_, err = DecryptCredential(blob, testKey(0x44))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptCredential_Malformed(t *testing.T) {
	key := testKey(0x55)
	bad := []string{
		"",
		"cxc1:",
		"cxc1:!!!",
		"cxc1:AAAA", // shorter than a nonce
		"v1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
	}
	for _, blob := range bad {
		_, err := DecryptCredential(blob, key)
		assert.ErrorIs(t, err, ErrDecryptFailed, "blob %q", blob)
	}
}

func TestEncryptCredential_BadKeySize(t *testing.T) {
	_, err := EncryptCredential("p", []byte("short"))
	assert.Error(t, err)
}

func TestDecryptCredential_Truncated(t *testing.T) {
	key := testKey(0x66)
	blob, err := EncryptCredential("some-value", key)
	require.NoError(t, err)

	_, err = DecryptCredential(blob[:len(blob)-4], key)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}
