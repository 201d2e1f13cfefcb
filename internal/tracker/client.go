// Package tracker talks to the fitness-data provider's OAuth token,
// profile, and revocation endpoints. It normalizes the provider's
// error shapes into typed errors so the connection layer can tell a
// rejected request from a network failure.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads; token and profile
	// responses are small JSON payloads.
	maxResponseBytes = 1024 * 1024
)

// TransientError wraps an error that is likely temporary and safe to
// retry: timeouts, connection failures, 5xx responses, rate limits.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ProviderError is a request the provider understood and rejected.
// Code carries the OAuth error code when the response body exposed
// one.
type ProviderError struct {
	Status      int
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("provider rejected request: HTTP %d", e.Status)
	}

	if e.Description == "" {
		return fmt.Sprintf("provider rejected request: %s (HTTP %d)", e.Code, e.Status)
	}

	return fmt.Sprintf("provider rejected request: %s: %s (HTTP %d)", e.Code, e.Description, e.Status)
}

// IsInvalidGrant reports whether err is a provider rejection of the
// grant itself (expired or revoked code/refresh token). This is
// terminal: the user must re-authorize from scratch.
func IsInvalidGrant(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == "invalid_grant"
}

// IsAccessDenied reports whether err is the provider relaying that
// the user declined the authorization request.
func IsAccessDenied(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == "access_denied"
}

// Endpoints holds the provider URLs the client posts to.
type Endpoints struct {
	TokenURL   string
	ProfileURL string
	RevokeURL  string
}

// Token is the provider's token-endpoint response.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	UserID       string `json:"user_id"`
}

// Profile is the minimal identity payload used as a liveness check.
// It must never be used alone to infer connection status.
type Profile struct {
	UserID      string
	DisplayName string
}

// Client performs token grants against the provider.
type Client struct {
	httpClient  *http.Client
	endpoints   Endpoints
	clientID    string
	redirectURI string
}

// NewClient creates a provider client. If httpClient is nil, a client
// with a 30-second timeout is used.
func NewClient(httpClient *http.Client, endpoints Endpoints, clientID, redirectURI string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient:  httpClient,
		endpoints:   endpoints,
		clientID:    clientID,
		redirectURI: redirectURI,
	}
}

// ExchangeCode redeems an authorization code with its PKCE verifier.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {c.clientID},
		"redirect_uri":  {c.redirectURI},
	}

	return c.postToken(ctx, form)
}

// Refresh redeems a refresh token for a fresh token pair. A provider
// rejection here (invalid_grant) is terminal and not retryable; use
// IsInvalidGrant to detect it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
	}

	return c.postToken(ctx, form)
}

func (c *Client) postToken(ctx context.Context, form url.Values) (*Token, error) {
	body, err := c.do(ctx, http.MethodPost, c.endpoints.TokenURL, form, "")
	if err != nil {
		return nil, err
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}

	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	return &token, nil
}

// FetchProfile retrieves the provider's user profile as an identity
// and liveness check.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	body, err := c.do(ctx, http.MethodGet, c.endpoints.ProfileURL, nil, accessToken)
	if err != nil {
		return nil, err
	}

	// Providers disagree on the envelope: some return the fields at
	// the top level, others nest them under "user".
	userID := gjson.GetBytes(body, "user_id").String()
	if userID == "" {
		userID = gjson.GetBytes(body, "user.encodedId").String()
	}

	name := gjson.GetBytes(body, "display_name").String()
	if name == "" {
		name = gjson.GetBytes(body, "user.displayName").String()
	}

	if userID == "" {
		return nil, fmt.Errorf("profile response missing user id")
	}

	return &Profile{UserID: userID, DisplayName: name}, nil
}

// Revoke invalidates a token at the provider. Best-effort: callers
// treat failure as non-blocking.
func (c *Client) Revoke(ctx context.Context, token string) error {
	form := url.Values{
		"token":     {token},
		"client_id": {c.clientID},
	}

	_, err := c.do(ctx, http.MethodPost, c.endpoints.RevokeURL, form, "")

	return err
}

// do issues one request and returns the response body, mapping
// failures into TransientError or ProviderError.
func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values, bearer string) ([]byte, error) {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, responseError(resp.StatusCode, body)
	}

	return body, nil
}

// responseError maps an error response to a typed error. 5xx and
// rate-limit responses are transient; 4xx responses are provider
// rejections carrying whichever OAuth error shape the provider uses.
func responseError(status int, body []byte) error {
	pe := &ProviderError{
		Status:      status,
		Code:        errorCode(body),
		Description: errorDescription(body),
	}

	if status >= 500 || status == http.StatusTooManyRequests {
		return &TransientError{Err: pe}
	}

	return pe
}

// errorCode sniffs the OAuth error code from an arbitrary provider
// error body: either a bare {"error": "..."} or a Fitbit-style
// {"errors": [{"errorType": "..."}]} envelope.
func errorCode(body []byte) string {
	if code := gjson.GetBytes(body, "error").String(); code != "" {
		return code
	}

	return gjson.GetBytes(body, "errors.0.errorType").String()
}

func errorDescription(body []byte) string {
	if desc := gjson.GetBytes(body, "error_description").String(); desc != "" {
		return desc
	}

	return gjson.GetBytes(body, "errors.0.message").String()
}
