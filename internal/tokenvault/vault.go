// Package tokenvault persists the provider token record encrypted
// under the user's passphrase. The record is a logical singleton:
// every save fully replaces the prior one, and the plaintext never
// reaches disk.
package tokenvault

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lmwright/cpapdash/internal/vaultcrypt"
)

// recordID is the fixed id the single token record is stored under.
const recordID = "current"

// TokenRecord is the decrypted shape of the stored credentials.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
	TokenType    string    `json:"token_type"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Expired reports whether the access token is past its expiry.
func (r *TokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Storage is the blob slot the vault writes to. *state.DB satisfies it.
type Storage interface {
	GetBlob(id string) ([]byte, error)
	PutBlob(id string, data []byte) error
	DeleteBlob(id string) error
}

// Vault is the encrypted-at-rest token store.
type Vault struct {
	store Storage
}

// New creates a Vault over the given blob storage.
func New(store Storage) *Vault {
	return &Vault{store: store}
}

// Save serializes and encrypts the record with a fresh salt, then
// writes the blob, fully replacing any prior one.
func (v *Vault) Save(record *TokenRecord, passphrase string) error {
	if err := vaultcrypt.CheckPassphrase(passphrase); err != nil {
		return err
	}

	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serializing token record: %w", err)
	}

	salt, err := vaultcrypt.NewSalt()
	if err != nil {
		return err
	}

	key, err := vaultcrypt.DeriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	defer vaultcrypt.ZeroKey(key)

	blob, err := vaultcrypt.Encrypt(key, salt, plaintext)
	if err != nil {
		return fmt.Errorf("encrypting token record: %w", err)
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("serializing blob: %w", err)
	}

	if err := v.store.PutBlob(recordID, data); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}

	return nil
}

// Load returns the decrypted record, or nil when no blob exists. A
// wrong passphrase or corrupted blob returns an error wrapping
// vaultcrypt.ErrDecryptFailed, which callers must not conflate with
// "not connected".
func (v *Vault) Load(passphrase string) (*TokenRecord, error) {
	data, err := v.store.GetBlob(recordID)
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}

	if data == nil {
		return nil, nil
	}

	var blob vaultcrypt.Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		// An unparseable envelope is corruption, same as a bad tag.
		return nil, fmt.Errorf("parsing blob: %w", vaultcrypt.ErrDecryptFailed)
	}

	key, err := vaultcrypt.DeriveKeyParams(passphrase, blob.Salt, blob.KDF)
	if err != nil {
		// Derivation only fails on parameters no save could have
		// written; that blob is corrupted.
		return nil, fmt.Errorf("deriving key: %v: %w", err, vaultcrypt.ErrDecryptFailed)
	}
	defer vaultcrypt.ZeroKey(key)

	plaintext, err := vaultcrypt.Decrypt(key, &blob)
	if err != nil {
		return nil, fmt.Errorf("opening vault: %w", err)
	}

	var record TokenRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("parsing token record: %w", vaultcrypt.ErrDecryptFailed)
	}

	return &record, nil
}

// Exists reports blob presence without requiring a passphrase, so the
// caller can decide whether to prompt for one at all.
func (v *Vault) Exists() (bool, error) {
	data, err := v.store.GetBlob(recordID)
	if err != nil {
		return false, fmt.Errorf("reading blob: %w", err)
	}

	return data != nil, nil
}

// Clear deletes the blob.
func (v *Vault) Clear() error {
	if err := v.store.DeleteBlob(recordID); err != nil {
		return fmt.Errorf("deleting blob: %w", err)
	}

	return nil
}
