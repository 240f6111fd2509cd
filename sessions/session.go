// Package sessions holds the authoritative state machine for bearer-session
// lifecycle: issuance, rotation on refresh, revocation, and expiry sweeping.
// Sessions are persisted only as token fingerprints; the raw tokens exist
// client-side and in transit.
package sessions

import "time"

// Session binds a user to the hashes and expiries of one access/refresh
// token pair. Records are created by issuance or rotation and deleted by
// revocation, rotation-superseding, or the expiry sweep - never mutated.
type Session struct {
	ID     string // Unique session identifier (UUID), assigned at creation
	UserID string

	AccessTokenHash  string // SHA-256 fingerprint; the raw token is never persisted
	RefreshTokenHash string

	AccessTokenExpiresAt  time.Time // UTC
	RefreshTokenExpiresAt time.Time // UTC; always after AccessTokenExpiresAt
}

// TokenPair is the wire-facing result of issuance and refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
}

// TokenTypeBearer is the token type attached to every issued pair.
const TokenTypeBearer = "Bearer"
