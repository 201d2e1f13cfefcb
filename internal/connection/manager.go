// Package connection owns the externally observable state of the
// fitness-tracker link. The Manager arbitrates the authorization
// flow, token refresh, and disconnection over injected storage,
// crypto, and network collaborators; no hidden globals.
package connection

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lmwright/cpapdash/internal/authstate"
	"github.com/lmwright/cpapdash/internal/pkce"
	"github.com/lmwright/cpapdash/internal/tokenvault"
	"github.com/lmwright/cpapdash/internal/tracker"
	"github.com/lmwright/cpapdash/internal/vaultcrypt"
)

// Status is the connection state machine's observable state.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusError        Status = "ERROR"
	StatusTokenExpired Status = "TOKEN_EXPIRED"
)

// Exchanger is the token-endpoint seam between the manager and the
// provider. *tracker.Client satisfies it.
//
//go:generate mockgen -source=manager.go -destination=mocks_test.go -package=connection Exchanger
type Exchanger interface {
	ExchangeCode(ctx context.Context, code, verifier string) (*tracker.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*tracker.Token, error)
	FetchProfile(ctx context.Context, accessToken string) (*tracker.Profile, error)
	Revoke(ctx context.Context, token string) error
}

// Info is the non-secret connection summary held for display. The
// manager never retains token material outside the vault.
type Info struct {
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is what the dashboard consumes.
type Snapshot struct {
	Status Status     `json:"status"`
	Err    *AuthError `json:"error,omitempty"`
	Info   *Info      `json:"connection,omitempty"`
}

// DisconnectResult reports a disconnect. Local state is always
// cleared; Revoked and RevokeErr describe the best-effort remote
// revocation only.
type DisconnectResult struct {
	Revoked   bool
	RevokeErr error
}

// Config holds the static OAuth parameters for building the
// authorization URL.
type Config struct {
	AuthURL     string
	ClientID    string
	RedirectURI string
	Scopes      []string
}

// Manager is the connection state machine. All public methods are
// safe for concurrent use; initiate and callback handling are
// serialized against themselves through the manager's lock.
type Manager struct {
	mu         sync.Mutex
	status     Status
	lastErr    *AuthError
	info       *Info
	passphrase string // volatile; never written to the vault

	cfg       Config
	attempts  *authstate.Store
	vault     *tokenvault.Vault
	exchanger Exchanger
	logger    *slog.Logger
	now       func() time.Time

	subs map[chan Snapshot]struct{}
}

// NewManager wires the state machine over its collaborators. The
// initial status is DISCONNECTED; a stored vault blob stays locked
// until Unlock supplies a passphrase.
func NewManager(cfg Config, attempts *authstate.Store, vault *tokenvault.Vault, exchanger Exchanger, logger *slog.Logger) *Manager {
	return &Manager{
		status:    StatusDisconnected,
		cfg:       cfg,
		attempts:  attempts,
		vault:     vault,
		exchanger: exchanger,
		logger:    logger,
		now:       time.Now,
		subs:      make(map[chan Snapshot]struct{}),
	}
}

// Status returns the current snapshot.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotLocked()
}

// HasStoredRecord reports whether an encrypted record exists, so the
// UI can decide whether to prompt for a passphrase at all.
func (m *Manager) HasStoredRecord() (bool, error) {
	return m.vault.Exists()
}

// Initiate starts a new authorization flow. It refuses without
// creating an attempt when the passphrase fails the minimum-length
// policy, and rejects a second initiate while one is already in
// flight. On success it returns the provider authorization URL and
// transitions to CONNECTING; the passphrase is retained only in
// memory for the callback.
func (m *Manager) Initiate(scopes []string, passphrase string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := vaultcrypt.CheckPassphrase(passphrase); err != nil {
		// Refused before any attempt exists; current status is untouched.
		return "", newAuthError(TypeEncryption, "weak_passphrase", err.Error(), err)
	}

	if m.status == StatusConnecting {
		return "", newAuthError(TypeOAuth, "flow_in_progress", "an authorization flow is already in progress", nil)
	}

	verifier, err := pkce.GenerateVerifier()
	if err != nil {
		return "", m.failLocked(newAuthError(TypeOAuth, "csprng_failure", "could not generate PKCE verifier", err))
	}

	state, err := pkce.GenerateState()
	if err != nil {
		return "", m.failLocked(newAuthError(TypeOAuth, "csprng_failure", "could not generate state", err))
	}

	if err := m.attempts.Begin(state, verifier); err != nil {
		return "", m.failLocked(newAuthError(TypeOAuth, "attempt_store_failure", "could not persist authorization attempt", err))
	}

	if len(scopes) == 0 {
		scopes = m.cfg.Scopes
	}

	m.passphrase = passphrase
	m.setStatusLocked(StatusConnecting, nil)

	return m.authorizationURL(state, verifier, scopes), nil
}

// authorizationURL builds the provider redirect target.
func (m *Manager) authorizationURL(state, verifier string, scopes []string) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {m.cfg.ClientID},
		"code_challenge":        {pkce.ChallengeFor(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {state},
		"scope":                 {strings.Join(scopes, " ")},
		"redirect_uri":          {m.cfg.RedirectURI},
	}

	return m.cfg.AuthURL + "?" + q.Encode()
}

// HandleCallback completes the flow after the provider redirect. The
// stored state is validated exactly once; a miss is terminal for that
// attempt. An empty passphrase falls back to the one retained by
// Initiate. The lock is released around the provider round-trip so
// status reads stay responsive while the exchange is pending.
func (m *Manager) HandleCallback(ctx context.Context, code, state, passphrase string) error {
	m.mu.Lock()

	if code == "" || state == "" {
		defer m.mu.Unlock()
		return m.failLocked(newAuthError(TypeOAuth, "invalid_request", "callback is missing code or state", nil))
	}

	if passphrase == "" {
		passphrase = m.passphrase
	}

	if passphrase == "" {
		// Without a passphrase nothing can be stored; refuse before
		// touching the single-use state.
		defer m.mu.Unlock()
		return m.failLocked(newAuthError(TypeEncryption, "missing_passphrase", "no passphrase available to encrypt credentials", nil))
	}

	verifier, ok := m.attempts.Validate(state)
	if !ok {
		defer m.mu.Unlock()
		return m.failLocked(newAuthError(TypeInvalidState, "state_mismatch", "callback state is missing, expired, or already used", nil))
	}

	m.mu.Unlock()

	token, exchangeErr := m.exchanger.ExchangeCode(ctx, code, verifier)

	var profileID string
	if exchangeErr == nil && token.UserID == "" {
		// Some providers return the user id only from the profile
		// endpoint. Best-effort: a connection without an id still works.
		if profile, perr := m.exchanger.FetchProfile(ctx, token.AccessToken); perr == nil {
			profileID = profile.UserID
		} else {
			m.logger.Warn("profile lookup failed", slog.String("error", perr.Error()))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusConnecting {
		// Disconnected or reset while the exchange was in flight; the
		// late result must not be committed.
		return newAuthError(TypeOAuth, "flow_superseded", "the connection changed while the exchange was pending", nil)
	}

	if exchangeErr != nil {
		return m.failLocked(classifyExchangeError(exchangeErr))
	}

	record := m.recordFromToken(token)
	if record.UserID == "" {
		record.UserID = profileID
	}

	if err := m.vault.Save(record, passphrase); err != nil {
		return m.failLocked(classifyVaultError(err))
	}

	m.passphrase = passphrase
	m.info = infoFromRecord(record)
	m.setStatusLocked(StatusConnected, nil)

	return nil
}

// HandleDenied records a provider denial callback. The in-flight
// attempt is destroyed; a fresh initiate is required.
func (m *Manager) HandleDenied(code, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts.Clear()

	ae := newAuthError(TypeDenied, nonEmpty(code, "access_denied"), nonEmpty(description, "the user declined the authorization request"), nil)

	return m.failLocked(ae)
}

// Unlock supplies the passphrase after a restart and derives the
// status from the stored record. It is how a CONNECTED session
// survives the process dying.
func (m *Manager) Unlock(passphrase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := vaultcrypt.CheckPassphrase(passphrase); err != nil {
		return newAuthError(TypeEncryption, "weak_passphrase", err.Error(), err)
	}

	record, err := m.vault.Load(passphrase)
	if err != nil {
		return m.failLocked(classifyVaultError(err))
	}

	if record == nil {
		m.passphrase = passphrase
		m.setStatusLocked(StatusDisconnected, nil)

		return nil
	}

	m.passphrase = passphrase
	m.info = infoFromRecord(record)

	if record.Expired(m.now()) {
		m.setStatusLocked(StatusTokenExpired, nil)
	} else {
		m.setStatusLocked(StatusConnected, nil)
	}

	return nil
}

// CheckConnection derives the current status without any network
// call. Expiry is evaluated lazily here rather than by a timer.
func (m *Manager) CheckConnection() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Mid-flow and error states are owned by their own transitions.
	if m.status == StatusConnecting || m.status == StatusError {
		return m.status
	}

	if m.passphrase == "" {
		m.setStatusLocked(StatusDisconnected, nil)
		return m.status
	}

	record, err := m.vault.Load(m.passphrase)
	if err != nil {
		m.failLocked(classifyVaultError(err))
		return m.status
	}

	if record == nil {
		m.info = nil
		m.setStatusLocked(StatusDisconnected, nil)

		return m.status
	}

	m.info = infoFromRecord(record)

	if record.Expired(m.now()) {
		m.setStatusLocked(StatusTokenExpired, nil)
	} else {
		m.setStatusLocked(StatusConnected, nil)
	}

	return m.status
}

// Refresh rotates the token pair. A provider rejection is terminal:
// the vault is cleared and the machine drops to DISCONNECTED, forcing
// full re-authorization. Network failures leave the record in place.
// The lock is released around the provider call.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()

	if m.passphrase == "" {
		defer m.mu.Unlock()
		return m.failLocked(newAuthError(TypeEncryption, "missing_passphrase", "no passphrase available to read credentials", nil))
	}

	record, err := m.vault.Load(m.passphrase)
	if err != nil {
		defer m.mu.Unlock()
		return m.failLocked(classifyVaultError(err))
	}

	if record == nil {
		m.setStatusLocked(StatusDisconnected, nil)
		m.mu.Unlock()

		return newAuthError(TypeUnknown, "not_connected", "no stored credentials to refresh", nil)
	}

	passphrase := m.passphrase
	m.mu.Unlock()

	token, refreshErr := m.exchanger.Refresh(ctx, record.RefreshToken)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.passphrase != passphrase {
		// Disconnected or re-keyed while the call was in flight; the
		// stale result must not be committed.
		return newAuthError(TypeUnknown, "refresh_superseded", "the connection changed while the refresh was pending", nil)
	}

	if refreshErr != nil {
		if tracker.IsTransient(refreshErr) {
			// Retryable by the caller; the stored record stays valid
			// for a later attempt.
			m.setStatusLocked(StatusTokenExpired, nil)
			return newAuthError(TypeAPI, "network_failure", "could not reach the provider to refresh", refreshErr)
		}

		// Terminal: the provider no longer honors this grant.
		if clearErr := m.vault.Clear(); clearErr != nil {
			m.logger.Warn("clearing vault after terminal refresh failure", slog.String("error", clearErr.Error()))
		}

		m.info = nil
		ae := newAuthError(TypeTokenExpired, "refresh_rejected", "the provider rejected the refresh token; reconnect required", refreshErr)
		m.setStatusLocked(StatusDisconnected, ae)

		return ae
	}

	newRecord := m.recordFromToken(token)
	if newRecord.RefreshToken == "" {
		// Some providers omit the refresh token when it is unchanged.
		newRecord.RefreshToken = record.RefreshToken
	}

	if newRecord.UserID == "" {
		newRecord.UserID = record.UserID
	}

	if err := m.vault.Save(newRecord, passphrase); err != nil {
		return m.failLocked(classifyVaultError(err))
	}

	m.info = infoFromRecord(newRecord)
	m.setStatusLocked(StatusConnected, nil)

	return nil
}

// GetValidToken returns an access token ready for authenticated data
// calls, performing at most one implicit refresh when the stored
// token is past its expiry. This is the data-sync layer's entry point.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()

	if m.passphrase == "" {
		m.mu.Unlock()
		return "", newAuthError(TypeEncryption, "missing_passphrase", "no passphrase available to read credentials", nil)
	}

	record, err := m.vault.Load(m.passphrase)
	if err != nil {
		defer m.mu.Unlock()
		return "", m.failLocked(classifyVaultError(err))
	}

	if record == nil {
		m.setStatusLocked(StatusDisconnected, nil)
		m.mu.Unlock()

		return "", newAuthError(TypeUnknown, "not_connected", "no stored credentials", nil)
	}

	if !record.Expired(m.now()) {
		token := record.AccessToken
		m.mu.Unlock()

		return token, nil
	}

	m.setStatusLocked(StatusTokenExpired, nil)
	m.mu.Unlock()

	// Exactly one implicit refresh; further failures are the caller's
	// to handle.
	if err := m.Refresh(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, err = m.vault.Load(m.passphrase)
	if err != nil {
		return "", m.failLocked(classifyVaultError(err))
	}

	if record == nil {
		return "", newAuthError(TypeUnknown, "not_connected", "no stored credentials", nil)
	}

	return record.AccessToken, nil
}

// Disconnect drops the connection. Local vault and attempt state are
// cleared first, under the lock; remote revocation follows outside it,
// best-effort, with failure reported in the result but never blocking.
func (m *Manager) Disconnect(ctx context.Context) DisconnectResult {
	m.mu.Lock()

	var accessToken string
	if m.passphrase != "" {
		if record, err := m.vault.Load(m.passphrase); err == nil && record != nil {
			accessToken = record.AccessToken
		}
	}

	if err := m.vault.Clear(); err != nil {
		m.logger.Warn("clearing vault on disconnect", slog.String("error", err.Error()))
	}

	m.attempts.Clear()
	m.passphrase = ""
	m.info = nil
	m.setStatusLocked(StatusDisconnected, nil)
	m.mu.Unlock()

	result := DisconnectResult{}

	if accessToken != "" {
		if err := m.exchanger.Revoke(ctx, accessToken); err != nil {
			m.logger.Warn("remote revocation failed", slog.String("error", err.Error()))
			result.RevokeErr = err
		} else {
			result.Revoked = true
		}
	}

	return result
}

// ClearError acknowledges a surfaced error and returns the machine to
// DISCONNECTED.
func (m *Manager) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusError {
		return
	}

	m.setStatusLocked(StatusDisconnected, nil)
}

// Subscribe returns a channel receiving a snapshot per state change.
// Slow subscribers miss intermediate snapshots rather than blocking
// the state machine.
func (m *Manager) Subscribe() chan Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Snapshot, 8)
	m.subs[ch] = struct{}{}

	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (m *Manager) Unsubscribe(ch chan Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// failLocked records an error, transitions to ERROR, and returns the
// error for the caller. Nothing is swallowed: every failure is both
// surfaced on state and propagated.
func (m *Manager) failLocked(ae *AuthError) error {
	m.logger.Warn("connection error",
		slog.String("type", string(ae.Type)),
		slog.String("code", ae.Code),
		slog.String("message", ae.Message),
	)
	m.setStatusLocked(StatusError, ae)

	return ae
}

func (m *Manager) setStatusLocked(status Status, ae *AuthError) {
	changed := m.status != status || ae != m.lastErr
	m.status = status
	m.lastErr = ae

	if !changed {
		return
	}

	snap := m.snapshotLocked()
	for ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Status: m.status,
		Err:    m.lastErr,
		Info:   m.info,
	}
}

func (m *Manager) recordFromToken(token *tracker.Token) *tokenvault.TokenRecord {
	now := m.now()

	return &tokenvault.TokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(token.ExpiresIn) * time.Second),
		Scope:        token.Scope,
		TokenType:    token.TokenType,
		UserID:       token.UserID,
		CreatedAt:    now,
	}
}

func infoFromRecord(record *tokenvault.TokenRecord) *Info {
	return &Info{
		UserID:    record.UserID,
		Scope:     record.Scope,
		ExpiresAt: record.ExpiresAt,
		CreatedAt: record.CreatedAt,
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}

	return fallback
}
