// Package server exposes the session lifecycle over HTTP and gates
// protected routes behind bearer validation. The wire contract is small:
// issuance and refresh return {accessToken, refreshToken, tokenType},
// failed validation is always a bare 401, and that 401 is the client's
// sole refresh trigger.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/bearerworks/go-session-service/sessions"
	"github.com/bearerworks/go-session-service/token"
	"github.com/bearerworks/go-session-service/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Server struct {
	mux       *http.ServeMux
	log       zerolog.Logger
	manager   *sessions.Manager
	directory users.Directory
	codec     *token.Codec
}

// New wires the HTTP surface around the session manager.
func New(log zerolog.Logger, manager *sessions.Manager, directory users.Directory, codec *token.Codec) (*Server, error) {
	if manager == nil {
		return nil, errors.New("[server.New] manager is required")
	}
	if directory == nil {
		return nil, errors.New("[server.New] directory is required")
	}
	if codec == nil {
		return nil, errors.New("[server.New] codec is required")
	}

	s := &Server{
		mux:       http.NewServeMux(),
		log:       log,
		manager:   manager,
		directory: directory,
		codec:     codec,
	}
	s.initRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) initRoutes() {
	s.mux.HandleFunc("POST /sessions", s.logged(s.handleGenerateSession))
	s.mux.HandleFunc("POST /sessions/refresh", s.logged(s.handleRefreshSession))
	s.mux.HandleFunc("POST /sessions/revoke", s.logged(s.RequireBearer(s.handleRevokeSession)))
	s.mux.HandleFunc("GET /me", s.logged(s.RequireBearer(s.handleMe)))
}

// logged is the request-logging middleware.
func (s *Server) logged(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request")
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
