package vault

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/apperr"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	s, err := generateSecrets()
	require.NoError(t, err)
	v, err := fromSecrets(s, zerolog.Nop())
	require.NoError(t, err)
	return v
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := testVault(t)
	plaintext := []byte("TOKEN_A")

	ciphertext, nonce, err := v.Encrypt(plaintext)
	require.NoError(t, err)

	got, err := v.Decrypt(ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncrypt_NoncesAreDistinct(t *testing.T) {
	v := testVault(t)
	_, nonce1, err := v.Encrypt([]byte("a"))
	require.NoError(t, err)
	_, nonce2, err := v.Encrypt([]byte("a"))
	require.NoError(t, err)
	assert.NotEqual(t, nonce1, nonce2)
}

func TestDecrypt_TamperedCiphertextFailsAuthTag(t *testing.T) {
	v := testVault(t)
	ciphertext, nonce, err := v.Encrypt([]byte("TOKEN_A"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xFF

	_, err = v.Decrypt(ciphertext, nonce)
	require.Error(t, err)
	assert.Equal(t, apperr.AuthTagMismatch, apperr.KindOf(err))
}

func TestHashVerifyPassword(t *testing.T) {
	v := testVault(t)

	phc, err := v.HashPassword("correct horse battery staple")
	require.NoError(t, err)

	ok, err := v.VerifyPassword("correct horse battery staple", phc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.VerifyPassword("wrong password", phc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPassword_DistinctSaltsPerCall(t *testing.T) {
	v := testVault(t)
	phc1, err := v.HashPassword("same-password")
	require.NoError(t, err)
	phc2, err := v.HashPassword("same-password")
	require.NoError(t, err)
	assert.NotEqual(t, phc1, phc2)
}
