package sessions

import (
	"context"
	"time"
)

// Filter selects session records. Zero-valued fields are ignored; set
// fields combine with AND.
type Filter struct {
	ID               string
	UserID           string
	AccessTokenHash  string
	RefreshTokenHash string

	// RefreshExpiredBefore matches sessions whose RefreshTokenExpiresAt is
	// at or before the given instant (the lazy expiry sweep).
	RefreshExpiredBefore time.Time
}

// Matches reports whether the session satisfies every set field.
func (f Filter) Matches(s *Session) bool {
	if f.ID != "" && f.ID != s.ID {
		return false
	}
	if f.UserID != "" && f.UserID != s.UserID {
		return false
	}
	if f.AccessTokenHash != "" && f.AccessTokenHash != s.AccessTokenHash {
		return false
	}
	if f.RefreshTokenHash != "" && f.RefreshTokenHash != s.RefreshTokenHash {
		return false
	}
	if !f.RefreshExpiredBefore.IsZero() && s.RefreshTokenExpiresAt.After(f.RefreshExpiredBefore) {
		return false
	}
	return true
}

// Tx is the mutation surface available inside Store.Update. Every delete
// and insert performed through it commits or fails as one unit.
type Tx interface {
	Insert(session Session) error
	Delete(filter Filter) error
	FindOne(filter Filter) (*Session, error)
}

// Store is the persistence abstraction for session records. Implementations
// must make Update atomic with respect to concurrent Updates: a call's
// read-delete-insert sequence never observes a partially applied peer.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	FindOne(ctx context.Context, filter Filter) (*Session, error)
}
