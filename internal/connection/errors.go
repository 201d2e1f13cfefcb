package connection

import (
	"errors"
	"fmt"

	"github.com/lmwright/cpapdash/internal/tracker"
	"github.com/lmwright/cpapdash/internal/vaultcrypt"
)

// ErrType classifies an authentication failure. Callers match on the
// type; Code carries the specific condition within it.
type ErrType string

const (
	// TypeOAuth covers initiation and redirect failures, and provider
	// rejections during the code exchange.
	TypeOAuth ErrType = "OAUTH_ERROR"

	// TypeInvalidState covers missing, mismatched, expired, or
	// already-consumed CSRF state.
	TypeInvalidState ErrType = "INVALID_STATE"

	// TypeDenied means the user declined the authorization request.
	TypeDenied ErrType = "OAUTH_DENIED"

	// TypeEncryption covers a missing passphrase and failed
	// authenticated decryption.
	TypeEncryption ErrType = "ENCRYPTION_ERROR"

	// TypeTokenExpired is a terminal refresh failure requiring full
	// re-authorization.
	TypeTokenExpired ErrType = "TOKEN_EXPIRED"

	// TypeAPI covers network failures, 5xx responses, and rate limits.
	TypeAPI ErrType = "API_ERROR"

	// TypeUnknown is everything the taxonomy does not name.
	TypeUnknown ErrType = "UNKNOWN"
)

// AuthError is the typed error surfaced on the manager's state and
// returned to callers. Details carries non-secret context for display
// and logging; nothing in it may contain token or passphrase material.
type AuthError struct {
	Code    string            `json:"code"`
	Type    ErrType           `json:"type"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`

	cause error
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AuthError) Unwrap() error { return e.cause }

// newAuthError builds an AuthError with an optional cause.
func newAuthError(typ ErrType, code, message string, cause error) *AuthError {
	return &AuthError{
		Code:    code,
		Type:    typ,
		Message: message,
		cause:   cause,
	}
}

// classifyExchangeError maps a tracker error into the taxonomy.
func classifyExchangeError(err error) *AuthError {
	switch {
	case tracker.IsTransient(err):
		return newAuthError(TypeAPI, "network_failure", "could not reach the provider", err)
	case tracker.IsAccessDenied(err):
		return newAuthError(TypeDenied, "access_denied", "the provider reported the request was denied", err)
	default:
		var pe *tracker.ProviderError
		if errors.As(err, &pe) {
			ae := newAuthError(TypeOAuth, pe.Code, "the provider rejected the token request", err)
			if ae.Code == "" {
				ae.Code = "exchange_failed"
			}

			return ae
		}

		return newAuthError(TypeUnknown, "exchange_failed", "token exchange failed", err)
	}
}

// classifyVaultError maps a vault load/save failure into the taxonomy.
func classifyVaultError(err error) *AuthError {
	if errors.Is(err, vaultcrypt.ErrDecryptFailed) {
		return newAuthError(TypeEncryption, "decrypt_failed", "stored credentials could not be decrypted", err)
	}

	if errors.Is(err, vaultcrypt.ErrPassphraseTooShort) {
		return newAuthError(TypeEncryption, "weak_passphrase", vaultcrypt.ErrPassphraseTooShort.Error(), err)
	}

	return newAuthError(TypeUnknown, "vault_failure", "token vault operation failed", err)
}
