package vaultcrypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSalt(t *testing.T) []byte {
	t.Helper()

	salt, err := NewSalt()
	require.NoError(t, err)

	return salt
}

// --- DeriveKey tests ---

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := testSalt(t)

	k1, err := DeriveKey("correct horse battery", salt)
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := DeriveKey("correct horse battery", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same inputs must produce same key")
}

func TestDeriveKey_DifferentPassphrasesDifferentKeys(t *testing.T) {
	salt := testSalt(t)

	k1, err := DeriveKey("passphrase-one", salt)
	require.NoError(t, err)

	k2, err := DeriveKey("passphrase-two", salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestDeriveKey_DifferentSaltsDifferentKeys(t *testing.T) {
	k1, err := DeriveKey("passphrase", testSalt(t))
	require.NoError(t, err)

	k2, err := DeriveKey("passphrase", testSalt(t))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestDeriveKey_NFKCNormalization(t *testing.T) {
	// The fullwidth 'A' (U+FF21) normalizes to ASCII 'A' under NFKC, so
	// both spellings must derive the same key.
	salt := testSalt(t)

	k1, err := DeriveKey("Ａbcdefgh", salt)
	require.NoError(t, err)

	k2, err := DeriveKey("Abcdefgh", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "NFKC-equivalent passphrases must derive the same key")
}

func TestDeriveKeyParams_HonorsStoredParams(t *testing.T) {
	salt := testSalt(t)

	weak := KDFParams{N: 1024, R: 8, P: 1}
	k1, err := DeriveKeyParams("passphrase", salt, weak)
	require.NoError(t, err)

	k2, err := DeriveKey("passphrase", salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2, "different cost parameters must derive different keys")
}

// --- Encrypt/Decrypt tests ---

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	salt := testSalt(t)
	key, err := DeriveKey("round-trip-pass", salt)
	require.NoError(t, err)

	payloads := [][]byte{
		[]byte(`{"access_token":"AT","refresh_token":"RT"}`),
		[]byte(""),
		{0x00, 0xFF, 0x80},
	}

	for i, plaintext := range payloads {
		blob, err := Encrypt(key, salt, plaintext)
		require.NoError(t, err)

		got, err := Decrypt(key, blob)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got, "case %d: payload mismatch after round-trip", i)
	}
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	salt := testSalt(t)
	key, err := DeriveKey("nonce-test-pass", salt)
	require.NoError(t, err)

	b1, err := Encrypt(key, salt, []byte("same payload"))
	require.NoError(t, err)

	b2, err := Encrypt(key, salt, []byte("same payload"))
	require.NoError(t, err)

	assert.NotEqual(t, b1.Nonce, b2.Nonce, "every encryption must use a fresh nonce")
	assert.NotEqual(t, b1.Ciphertext, b2.Ciphertext)
}

func TestEncrypt_BlobRecordsSaltAndParams(t *testing.T) {
	salt := testSalt(t)
	key, err := DeriveKey("params-test-pass", salt)
	require.NoError(t, err)

	blob, err := Encrypt(key, salt, []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, salt, blob.Salt)
	assert.Equal(t, DefaultKDFParams(), blob.KDF)
}

func TestDecrypt_WrongPassphraseFailsDistinguishably(t *testing.T) {
	salt := testSalt(t)

	key, err := DeriveKey("right-passphrase", salt)
	require.NoError(t, err)

	blob, err := Encrypt(key, salt, []byte("secret payload"))
	require.NoError(t, err)

	wrongKey, err := DeriveKey("wrong-passphrase", salt)
	require.NoError(t, err)

	got, err := Decrypt(wrongKey, blob)
	require.ErrorIs(t, err, ErrDecryptFailed)
	assert.Nil(t, got, "no plaintext, corrupted or otherwise, may be returned")
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	salt := testSalt(t)
	key, err := DeriveKey("tamper-test-pass", salt)
	require.NoError(t, err)

	blob, err := Encrypt(key, salt, []byte("important data"))
	require.NoError(t, err)

	blob.Ciphertext[0] ^= 0xFF

	_, err = Decrypt(key, blob)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecrypt_MalformedNonce(t *testing.T) {
	salt := testSalt(t)
	key, err := DeriveKey("nonce-len-pass", salt)
	require.NoError(t, err)

	blob, err := Encrypt(key, salt, []byte("data"))
	require.NoError(t, err)

	blob.Nonce = blob.Nonce[:4]

	_, err = Decrypt(key, blob)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

// --- Passphrase policy tests ---

func TestCheckPassphrase_MinimumLength(t *testing.T) {
	assert.ErrorIs(t, CheckPassphrase(""), ErrPassphraseTooShort)
	assert.ErrorIs(t, CheckPassphrase("short"), ErrPassphraseTooShort)
	assert.ErrorIs(t, CheckPassphrase("1234567"), ErrPassphraseTooShort)
	assert.NoError(t, CheckPassphrase("12345678"))
	assert.NoError(t, CheckPassphrase("a perfectly fine passphrase"))
}

func TestCheckPassphrase_CountsRunesNotBytes(t *testing.T) {
	// Eight multi-byte runes meet the minimum even though the byte
	// count would differ.
	assert.NoError(t, CheckPassphrase("éééééééé"))
}

func TestClassifyPassphrase_Advisory(t *testing.T) {
	tests := []struct {
		passphrase string
		want       Strength
	}{
		{"password", StrengthWeak},
		{"12345678", StrengthWeak},
		{"Passw0rd", StrengthMedium},
		{"longer passphrase", StrengthMedium},
		{"Longer Passphrase 9", StrengthStrong},
		{"c0rrect-Horse-battery", StrengthStrong},
	}

	for _, tt := range tests {
		t.Run(tt.passphrase, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPassphrase(tt.passphrase))
		})
	}
}

func TestClassifyPassphrase_NeverGates(t *testing.T) {
	// A weak classification must not block use: only the minimum
	// length is enforced.
	p := "weakpass"
	assert.Equal(t, StrengthWeak, ClassifyPassphrase(p))
	assert.NoError(t, CheckPassphrase(p))
}

// --- ZeroKey ---

func TestZeroKey(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	ZeroKey(key)
	assert.Equal(t, []byte{0, 0, 0, 0}, key)
}
