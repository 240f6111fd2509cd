package sessions

import "github.com/pkg/errors"

var (
	// ErrSessionNotFound is returned when a refresh or revoke references a
	// token with no matching record. Forged, already-rotated, and
	// expired-and-swept tokens are deliberately indistinguishable.
	ErrSessionNotFound = errors.New("session not found")
)
