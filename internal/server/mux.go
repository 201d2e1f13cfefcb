// Package server provides the loopback HTTP surface of cpapdash: the
// connection API the dashboard UI drives, and the OAuth redirect
// endpoint the provider calls back into.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lmwright/cpapdash/internal/connection"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Manager *connection.Manager
	Logger  *slog.Logger
}

// NewMux builds the HTTP mux with the connection lifecycle endpoints
// and the OAuth callback.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect", handleConnect(cfg.Manager, cfg.Logger))
	mux.HandleFunc("GET /oauth/callback", handleCallback(cfg.Manager, cfg.Logger))
	mux.HandleFunc("POST /unlock", handleUnlock(cfg.Manager))
	mux.HandleFunc("GET /status", handleStatus(cfg.Manager))
	mux.HandleFunc("POST /disconnect", handleDisconnect(cfg.Manager))
	mux.HandleFunc("POST /clear-error", handleClearError(cfg.Manager))
	mux.HandleFunc("GET /ws", handleStatusStream(cfg.Manager, cfg.Logger))

	return mux
}

type connectRequest struct {
	Passphrase string   `json:"passphrase"`
	Scopes     []string `json:"scopes"`
}

type connectResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

// handleConnect starts an authorization flow and hands the provider
// URL back to the UI, which performs the redirect.
func handleConnect(m *connection.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		authURL, err := m.Initiate(req.Scopes, req.Passphrase)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		logger.Info("authorization flow started")
		writeJSON(w, http.StatusOK, connectResponse{AuthorizationURL: authURL})
	}
}

// handleCallback is the registered redirect URI. Denials arrive as
// error/error_description; successes as code/state.
func handleCallback(m *connection.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if errCode := q.Get("error"); errCode != "" {
			_ = m.HandleDenied(errCode, q.Get("error_description"))
			logger.Warn("authorization denied", slog.String("error", errCode))
			http.Redirect(w, r, "/?connected=0", http.StatusSeeOther)

			return
		}

		// The passphrase was collected before initiate and is held by
		// the manager; the redirect never carries it.
		if err := m.HandleCallback(r.Context(), q.Get("code"), q.Get("state"), ""); err != nil {
			logger.Warn("callback failed", slog.String("error", err.Error()))
			http.Redirect(w, r, "/?connected=0", http.StatusSeeOther)

			return
		}

		logger.Info("tracker connected")
		http.Redirect(w, r, "/?connected=1", http.StatusSeeOther)
	}
}

type unlockRequest struct {
	Passphrase string `json:"passphrase"`
}

func handleUnlock(m *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req unlockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := m.Unlock(req.Passphrase); err != nil {
			writeAuthError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, m.Status())
	}
}

func handleStatus(m *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.CheckConnection()
		writeJSON(w, http.StatusOK, m.Status())
	}
}

type disconnectResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// handleDisconnect always clears local state; a failed remote
// revocation is reported but does not change the outcome.
func handleDisconnect(m *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := m.Disconnect(r.Context())

		resp := disconnectResponse{Success: result.RevokeErr == nil}
		if result.RevokeErr != nil {
			resp.Error = result.RevokeErr.Error()
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func handleClearError(m *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ClearError()
		writeJSON(w, http.StatusOK, m.Status())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAuthError maps a typed connection error onto an HTTP status
// and serializes it for the UI.
func writeAuthError(w http.ResponseWriter, err error) {
	var ae *connection.AuthError
	if !errors.As(err, &ae) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusBadRequest

	switch ae.Type {
	case connection.TypeAPI:
		status = http.StatusBadGateway
	case connection.TypeEncryption:
		status = http.StatusUnauthorized
	case connection.TypeOAuth:
		if ae.Code == "flow_in_progress" {
			status = http.StatusConflict
		}
	}

	writeJSON(w, status, map[string]*connection.AuthError{"error": ae})
}
