// Package token builds and parses the signed, claim-bearing tokens used for
// bearer sessions. Access tokens carry the full identity snapshot (user id,
// security stamp, roles, custom claims); refresh tokens carry only issuer,
// timing, and a random serial so they are unlinkable to a user without the
// session store.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bearerworks/go-session-service/users"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	claimSecurityStamp = "stamp"
	claimRoles         = "roles"
	claimCustom        = "claims"
	claimSerial        = "serial"

	serialLength = 32 // 32 bytes = 256 bits
)

// AccessClaims is the identity snapshot embedded in an access token.
type AccessClaims struct {
	UserID        string
	SecurityStamp string
	Roles         []users.RoleType
	Claims        []users.Claim // custom claims plus role-derived claims
}

// HasClaim reports whether the snapshot carries the given claim exactly.
func (ac AccessClaims) HasClaim(claim users.Claim) bool {
	for _, c := range ac.Claims {
		if c.Type == claim.Type && c.Value == claim.Value {
			return true
		}
	}
	return false
}

// HasRole reports whether the snapshot carries the given role.
func (ac AccessClaims) HasRole(role users.RoleType) bool {
	return users.HasRole(ac.Roles, role)
}

// Codec encodes and parses access and refresh tokens. Both kinds are signed
// JWTs with the same issuer and audience; only the claim sets differ.
type Codec struct {
	signer   Signer
	issuer   string
	audience string
	nowFunc  func() time.Time
}

// CodecOption defines a function type to modify the Codec instance.
type CodecOption func(*Codec)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.nowFunc = now
	}
}

// NewCodec initializes a Codec with the given signer, issuer, and audience.
func NewCodec(signer Signer, issuer, audience string, options ...CodecOption) (*Codec, error) {
	if signer == nil {
		return nil, errors.New("[NewCodec] signer is required")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("[NewCodec] issuer is required")
	}

	c := &Codec{
		signer:   signer,
		issuer:   issuer,
		audience: audience,
		nowFunc:  time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// EncodeAccess signs an access token carrying the identity snapshot.
func (c *Codec) EncodeAccess(ac AccessClaims, expiresAt time.Time) (string, error) {
	if strings.TrimSpace(ac.UserID) == "" {
		return "", errors.New("[Codec.EncodeAccess] user id is required")
	}

	roles := make([]string, 0, len(ac.Roles))
	for _, role := range ac.Roles {
		roles = append(roles, string(role))
	}

	custom := make(map[string][]string)
	for _, claim := range ac.Claims {
		custom[claim.Type] = append(custom[claim.Type], claim.Value)
	}

	now := c.nowFunc().UTC()
	claims := jwt.MapClaims{
		"iss":              c.issuer,                  // The issuer of the token
		"aud":              c.audience,                // The audience for which the token is intended
		"sub":              ac.UserID,                 // The subject: the owning user
		"iat":              now.Unix(),                // Issued At: the time at which the token was issued
		"exp":              expiresAt.UTC().Unix(),    // Expiry: when the token will expire
		"jti":              uuid.New().String(),       // Unique token ID
		claimSecurityStamp: ac.SecurityStamp,          // Stamp snapshot for fast invalidation
		claimRoles:         roles,                     // Role snapshot
		claimCustom:        custom,                    // Custom + role-derived claims
	}

	signed, err := c.signer.Sign(claims)
	if err != nil {
		return "", errors.Wrap(err, "[Codec.EncodeAccess] Sign")
	}
	return signed, nil
}

// EncodeRefresh signs a minimal refresh token: issuer, timing, unique id,
// and a random serial. Nothing in it identifies the user.
func (c *Codec) EncodeRefresh(expiresAt time.Time) (string, error) {
	serialBytes := make([]byte, serialLength)
	if _, err := rand.Read(serialBytes); err != nil {
		return "", errors.Wrap(err, "[Codec.EncodeRefresh] rand.Read")
	}

	now := c.nowFunc().UTC()
	claims := jwt.MapClaims{
		"iss":       c.issuer,
		"iat":       now.Unix(),
		"exp":       expiresAt.UTC().Unix(),
		"jti":       uuid.New().String(),
		claimSerial: hex.EncodeToString(serialBytes),
	}

	signed, err := c.signer.Sign(claims)
	if err != nil {
		return "", errors.Wrap(err, "[Codec.EncodeRefresh] Sign")
	}
	return signed, nil
}

// ParseAccess verifies an access token's signature, issuer, audience, and
// lifetime, and returns the identity snapshot it carries.
func (c *Codec) ParseAccess(rawToken string) (*AccessClaims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, errors.New("[Codec.ParseAccess] empty token")
	}

	parser := jwt.NewParser(
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.nowFunc),
	)

	parsed, err := parser.Parse(rawToken, c.signer.GetVerificationKey)
	if err != nil {
		return nil, errors.Wrap(err, "[Codec.ParseAccess] Parse")
	}
	if !parsed.Valid {
		return nil, errors.New("[Codec.ParseAccess] token invalid")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || len(claims) == 0 {
		return nil, errors.New("[Codec.ParseAccess] error extracting claims")
	}

	sub, _ := claims["sub"].(string)
	stamp, _ := claims[claimSecurityStamp].(string)

	ac := &AccessClaims{
		UserID:        sub,
		SecurityStamp: stamp,
	}

	if rawRoles, ok := claims[claimRoles].([]interface{}); ok {
		for _, r := range rawRoles {
			if s, ok := r.(string); ok {
				ac.Roles = append(ac.Roles, users.RoleType(s))
			}
		}
	}

	if rawCustom, ok := claims[claimCustom].(map[string]interface{}); ok {
		for claimType, values := range rawCustom {
			list, ok := values.([]interface{})
			if !ok {
				continue
			}
			for _, v := range list {
				if s, ok := v.(string); ok {
					ac.Claims = append(ac.Claims, users.Claim{Type: claimType, Value: s})
				}
			}
		}
	}

	return ac, nil
}
