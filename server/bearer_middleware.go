package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bearerworks/go-session-service/token"
	"github.com/bearerworks/go-session-service/users"
)

type contextKey string

const (
	contextKeyUser   contextKey = "authenticated-user"
	contextKeyClaims contextKey = "access-claims"
)

// UserFromContext returns the user resolved by RequireBearer, or nil.
func UserFromContext(ctx context.Context) *users.User {
	user, _ := ctx.Value(contextKeyUser).(*users.User)
	return user
}

// ClaimsFromContext returns the token snapshot attached by RequireBearer,
// or nil.
func ClaimsFromContext(ctx context.Context) *token.AccessClaims {
	claims, _ := ctx.Value(contextKeyClaims).(*token.AccessClaims)
	return claims
}

// RequireBearer gates a handler behind bearer validation. A token is
// accepted only if it parses and verifies, names a user that still exists,
// carries the user's current security stamp, still covers every claim and
// role the user currently holds, and maps to a live session record. Each
// stage logs its own reason; the caller always sees a bare 401.
func (s *Server) RequireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, claims, reason := s.authenticate(r)
		if reason != "" {
			s.log.Warn().
				Str("path", r.URL.Path).
				Str("reason", reason).
				Msg("bearer validation failed")
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUser, user)
		ctx = context.WithValue(ctx, contextKeyClaims, claims)
		next(w, r.WithContext(ctx))
	}
}

// authenticate runs the validation stages in order and returns the first
// failure reason, or the resolved user and claims on success.
func (s *Server) authenticate(r *http.Request) (*users.User, *token.AccessClaims, string) {
	rawToken, ok := bearerToken(r)
	if !ok {
		return nil, nil, "missing bearer token"
	}

	claims, err := s.codec.ParseAccess(rawToken)
	if err != nil {
		return nil, nil, "token parse or verification failed"
	}

	if claims.UserID == "" {
		return nil, nil, "token carries no user id"
	}

	user, err := s.directory.GetByID(claims.UserID)
	if err != nil {
		return nil, nil, "token user not found"
	}

	stamp, err := s.directory.SecurityStamp(user)
	if err != nil || stamp != claims.SecurityStamp {
		return nil, nil, "security stamp mismatch"
	}

	// Claims and roles granted after issuance invalidate the token: the
	// snapshot must cover everything the user currently holds.
	current, err := s.directory.ClaimsOf(user)
	if err != nil {
		return nil, nil, "claim lookup failed"
	}
	roles, err := s.directory.RolesOf(user)
	if err != nil {
		return nil, nil, "role lookup failed"
	}
	for _, role := range roles {
		roleClaims, err := s.directory.RoleClaims(role)
		if err != nil {
			return nil, nil, "role claim lookup failed"
		}
		current = append(current, roleClaims...)
	}
	for _, claim := range current {
		if !claims.HasClaim(claim) {
			return nil, nil, "token missing a currently granted claim"
		}
	}
	for _, role := range roles {
		if !claims.HasRole(role) {
			return nil, nil, "token missing a currently granted role"
		}
	}

	live, err := s.manager.ValidateAccess(r.Context(), claims.UserID, rawToken)
	if err != nil {
		return nil, nil, "session lookup failed"
	}
	if !live {
		return nil, nil, "no live session for token"
	}

	return user, claims, ""
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return raw, raw != ""
}
