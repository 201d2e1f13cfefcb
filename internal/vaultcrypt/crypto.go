// Package vaultcrypt implements passphrase-based authenticated
// encryption for the local token vault. Keys are derived with scrypt
// and payloads sealed with AES-256-GCM; the salt, nonce, and KDF
// parameters travel with the ciphertext so a blob is self-describing.
package vaultcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// keyLen is the derived key length in bytes.
	keyLen = 32

	// saltLen is the per-record random salt length in bytes.
	saltLen = 16

	// MinPassphraseLen is the only enforced passphrase policy. The
	// strength classifier below is advisory and never gates operations.
	MinPassphraseLen = 8
)

// ErrDecryptFailed reports an authentication failure during
// decryption: a wrong passphrase or a corrupted blob. Callers must
// keep it distinguishable from "nothing stored".
var ErrDecryptFailed = errors.New("authentication failed: wrong passphrase or corrupted data")

// ErrPassphraseTooShort is returned by CheckPassphrase when the
// passphrase does not meet the minimum length.
var ErrPassphraseTooShort = fmt.Errorf("passphrase must be at least %d characters", MinPassphraseLen)

// KDFParams records the scrypt cost parameters a blob was sealed
// with, so old blobs stay readable if the defaults change.
type KDFParams struct {
	N int `json:"n"`
	R int `json:"r"`
	P int `json:"p"`
}

// DefaultKDFParams returns the current scrypt cost parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{N: scryptN, R: scryptR, P: scryptP}
}

// Blob is the encrypted-at-rest envelope. Nonce, salt, and KDF
// parameters are not secret and are stored in the clear alongside the
// ciphertext.
type Blob struct {
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Salt       []byte    `json:"salt"`
	KDF        KDFParams `json:"kdf"`
}

// CheckPassphrase enforces the minimum-length policy. It is the only
// hard gate; everything beyond it is advisory.
func CheckPassphrase(passphrase string) error {
	if len([]rune(passphrase)) < MinPassphraseLen {
		return ErrPassphraseTooShort
	}

	return nil
}

// DeriveKey derives a 32-byte key from passphrase and salt using the
// default scrypt parameters. The passphrase is NFKC-normalized first
// so visually identical input always derives the same key.
// Deterministic for identical inputs.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	return DeriveKeyParams(passphrase, salt, DefaultKDFParams())
}

// DeriveKeyParams derives a key with explicit scrypt parameters, used
// when opening a blob that records the parameters it was sealed with.
func DeriveKeyParams(passphrase string, salt []byte, params KDFParams) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// NewSalt returns a fresh random per-record salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	return salt, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// once the key has been handed to the cipher to limit the window
// during which raw key bytes are accessible in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Encrypt seals plaintext with AES-256-GCM under key, using a fresh
// random nonce for every call. The salt the key was derived from is
// recorded in the returned blob together with the KDF parameters.
func Encrypt(key, salt, plaintext []byte) (*Blob, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return &Blob{
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
		Salt:       salt,
		KDF:        DefaultKDFParams(),
	}, nil
}

// Decrypt opens a blob with authenticated decryption. Any tag
// mismatch, malformed nonce, or truncated ciphertext yields
// ErrDecryptFailed; garbage plaintext is never returned.
func Decrypt(key []byte, blob *Blob) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob.Nonce) != gcm.NonceSize() {
		return nil, ErrDecryptFailed
	}

	plaintext, err := gcm.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// Strength is the advisory passphrase classification shown to the
// user. It never gates any operation beyond MinPassphraseLen.
type Strength string

const (
	StrengthWeak   Strength = "weak"
	StrengthMedium Strength = "medium"
	StrengthStrong Strength = "strong"
)

// ClassifyPassphrase rates a passphrase by length and character
// variety. Advisory only.
func ClassifyPassphrase(passphrase string) Strength {
	var hasLower, hasUpper, hasDigit, hasOther bool

	for _, r := range passphrase {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasOther = true
		}
	}

	classes := 0
	for _, ok := range []bool{hasLower, hasUpper, hasDigit, hasOther} {
		if ok {
			classes++
		}
	}

	length := len([]rune(passphrase))

	switch {
	case length >= 16 && classes >= 3, length >= 12 && classes == 4:
		return StrengthStrong
	case length >= 12 && classes >= 2, length >= MinPassphraseLen && classes >= 3:
		return StrengthMedium
	default:
		return StrengthWeak
	}
}
