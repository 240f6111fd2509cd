package sessions

import (
	"context"
	"strings"
	"time"

	"github.com/bearerworks/go-session-service/internal/hashing"
	"github.com/bearerworks/go-session-service/token"
	"github.com/bearerworks/go-session-service/users"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Policy is the process-wide session configuration, fixed at construction.
type Policy struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// MultiSignIn allows a user to hold several concurrent sessions. When
	// false, issuing a session evicts every other session of that user.
	MultiSignIn bool

	// MultiSignOut makes revoking one session revoke all of the user's
	// sessions.
	MultiSignOut bool
}

// DefaultPolicy mirrors the usual single-session deployment: short access
// tokens, week-long refresh tokens, one session per user.
func DefaultPolicy() Policy {
	return Policy{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}
}

// Manager orchestrates session issuance, rotation, revocation, and expiry
// sweeping on top of the token codec, hasher, and session store.
type Manager struct {
	store     Store
	directory users.Directory
	codec     *token.Codec
	policy    Policy
	nowFunc   func() time.Time
}

// ManagerOption defines a function type to modify the Manager instance.
type ManagerOption func(*Manager)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// NewManager initializes a Manager with required dependencies.
func NewManager(store Store, directory users.Directory, codec *token.Codec, policy Policy, options ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[NewManager] store is required")
	}
	if directory == nil {
		return nil, errors.New("[NewManager] directory is required")
	}
	if codec == nil {
		return nil, errors.New("[NewManager] codec is required")
	}
	if policy.AccessTokenTTL <= 0 || policy.RefreshTokenTTL <= 0 {
		return nil, errors.New("[NewManager] token lifetimes must be positive")
	}
	if policy.RefreshTokenTTL <= policy.AccessTokenTTL {
		return nil, errors.New("[NewManager] refresh lifetime must outlive access lifetime")
	}

	m := &Manager{
		store:     store,
		directory: directory,
		codec:     codec,
		policy:    policy,
		nowFunc:   time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Issue mints a fresh access/refresh pair for the user and records the new
// session. Cleanup (multi-sign-in eviction, hash-collision guard, expiry
// sweep) and the insert commit as one unit.
func (m *Manager) Issue(ctx context.Context, user *users.User) (*TokenPair, error) {
	return m.mint(ctx, user, "")
}

// Refresh rotates a session: the presented refresh token is retired and a
// new pair is minted for the owning user. Unknown, already-rotated, and
// expired tokens all fail with ErrSessionNotFound.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, ErrSessionNotFound
	}
	refreshHash := hashing.Digest(refreshToken)

	record, err := m.store.FindOne(ctx, Filter{RefreshTokenHash: refreshHash})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "[Manager.Refresh] FindOne")
	}
	if !record.RefreshTokenExpiresAt.After(m.nowFunc().UTC()) {
		return nil, ErrSessionNotFound
	}

	user, err := m.directory.GetByID(record.UserID)
	if err != nil {
		// A vanished owner is indistinguishable from a vanished session.
		return nil, ErrSessionNotFound
	}

	return m.mint(ctx, user, refreshHash)
}

// Revoke deletes the session matching the refresh token, and every session
// of the user when the policy signs out everywhere. Revoking an absent
// session is not an error.
func (m *Manager) Revoke(ctx context.Context, user *users.User, refreshToken string) error {
	refreshHash := hashing.Digest(refreshToken)
	now := m.nowFunc().UTC()

	err := m.store.Update(ctx, func(tx Tx) error {
		if m.policy.MultiSignOut && user != nil {
			if err := tx.Delete(Filter{UserID: user.ID}); err != nil {
				return err
			}
		}
		if err := tx.Delete(Filter{RefreshTokenHash: refreshHash}); err != nil {
			return err
		}
		return tx.Delete(Filter{RefreshExpiredBefore: now})
	})
	if err != nil {
		return errors.Wrap(err, "[Manager.Revoke] Update")
	}
	return nil
}

// ValidateAccess reports whether a live session backs the access token for
// this user. The result never reveals whether a mismatch was a wrong user,
// an expired session, or a missing record.
func (m *Manager) ValidateAccess(ctx context.Context, userID, accessToken string) (bool, error) {
	record, err := m.store.FindOne(ctx, Filter{
		UserID:          userID,
		AccessTokenHash: hashing.Digest(accessToken),
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "[Manager.ValidateAccess] FindOne")
	}
	return record.AccessTokenExpiresAt.After(m.nowFunc().UTC()), nil
}

// mint encodes a new token pair and writes the session record. When
// rotatedHash is set the superseded session must still exist inside the
// transaction and is deleted with it, which keeps refresh tokens single-use
// even when concurrent rotations race.
func (m *Manager) mint(ctx context.Context, user *users.User, rotatedHash string) (*TokenPair, error) {
	claims, err := m.assembleClaims(user)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.mint] assembleClaims")
	}

	now := m.nowFunc().UTC()
	accessExpiresAt := now.Add(m.policy.AccessTokenTTL)
	refreshExpiresAt := now.Add(m.policy.RefreshTokenTTL)

	accessToken, err := m.codec.EncodeAccess(*claims, accessExpiresAt)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.mint] EncodeAccess")
	}
	refreshToken, err := m.codec.EncodeRefresh(refreshExpiresAt)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.mint] EncodeRefresh")
	}

	record := Session{
		ID:     uuid.New().String(),
		UserID: user.ID,

		AccessTokenHash:  hashing.Digest(accessToken),
		RefreshTokenHash: hashing.Digest(refreshToken),

		AccessTokenExpiresAt:  accessExpiresAt,
		RefreshTokenExpiresAt: refreshExpiresAt,
	}

	err = m.store.Update(ctx, func(tx Tx) error {
		if rotatedHash != "" {
			if _, err := tx.FindOne(Filter{RefreshTokenHash: rotatedHash}); err != nil {
				// A concurrent rotation already consumed the token.
				return ErrSessionNotFound
			}
			if err := tx.Delete(Filter{RefreshTokenHash: rotatedHash}); err != nil {
				return err
			}
		}

		if !m.policy.MultiSignIn {
			if err := tx.Delete(Filter{UserID: user.ID}); err != nil {
				return err
			}
		}

		// Collision guard: a stored session may never share a refresh hash
		// with the new record.
		if err := tx.Delete(Filter{RefreshTokenHash: record.RefreshTokenHash}); err != nil {
			return err
		}

		// Lazy sweep of sessions past their refresh lifetime.
		if err := tx.Delete(Filter{RefreshExpiredBefore: now}); err != nil {
			return err
		}

		return tx.Insert(record)
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "[Manager.mint] Update")
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenTypeBearer,
	}, nil
}

// assembleClaims builds the identity snapshot for an access token: stamp,
// roles, custom claims, and every claim derived from the user's roles.
func (m *Manager) assembleClaims(user *users.User) (*token.AccessClaims, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil, errors.New("user is required")
	}

	stamp, err := m.directory.SecurityStamp(user)
	if err != nil {
		return nil, errors.Wrap(err, "SecurityStamp")
	}
	roles, err := m.directory.RolesOf(user)
	if err != nil {
		return nil, errors.Wrap(err, "RolesOf")
	}
	claims, err := m.directory.ClaimsOf(user)
	if err != nil {
		return nil, errors.Wrap(err, "ClaimsOf")
	}
	for _, role := range roles {
		roleClaims, err := m.directory.RoleClaims(role)
		if err != nil {
			return nil, errors.Wrap(err, "RoleClaims")
		}
		claims = append(claims, roleClaims...)
	}

	return &token.AccessClaims{
		UserID:        user.ID,
		SecurityStamp: stamp,
		Roles:         roles,
		Claims:        claims,
	}, nil
}
