package server

import (
	"encoding/json"
	"net/http"

	"github.com/bearerworks/go-session-service/sessions"
	"github.com/bearerworks/go-session-service/users"
	"github.com/pkg/errors"
)

// GenerateSessionForm carries sign-in credentials. Username may be a
// username, email address, or phone number.
type GenerateSessionForm struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshSessionForm carries the refresh token being rotated.
type RefreshSessionForm struct {
	RefreshToken string `json:"refreshToken"`
}

// RevokeSessionForm carries the refresh token being revoked.
type RevokeSessionForm struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleGenerateSession(w http.ResponseWriter, r *http.Request) {
	var form GenerateSessionForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if form.Username == "" || form.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := users.FindByLogin(s.directory, form.Username)
	if err != nil {
		writeError(w, http.StatusBadRequest, "username is not found")
		return
	}
	if !s.directory.CheckPassword(user, form.Password) {
		writeError(w, http.StatusBadRequest, "password is not correct")
		return
	}

	pair, err := s.manager.Issue(r.Context(), user)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("session issuance failed")
		writeError(w, http.StatusInternalServerError, "failed to generate session")
		return
	}

	s.log.Info().Str("user_id", user.ID).Msg("session generated")
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	var form RefreshSessionForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if form.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	pair, err := s.manager.Refresh(r.Context(), form.RefreshToken)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			// Forged, rotated, and expired tokens are deliberately
			// indistinguishable here.
			writeError(w, http.StatusBadRequest, "refreshToken is not associated to any user")
			return
		}
		s.log.Error().Err(err).Msg("session refresh failed")
		writeError(w, http.StatusInternalServerError, "failed to refresh session")
		return
	}

	s.log.Info().Msg("session refreshed")
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	var form RevokeSessionForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := UserFromContext(r.Context())
	if err := s.manager.Revoke(r.Context(), user, form.RefreshToken); err != nil {
		s.log.Error().Err(err).Msg("session revocation failed")
		writeError(w, http.StatusInternalServerError, "failed to revoke session")
		return
	}

	s.log.Info().Str("user_id", user.ID).Msg("session revoked")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"roles":    claims.Roles,
	})
}
