package users

import "time"

// RoleType represents a role a user may hold. Role grants are managed by an
// external role subsystem; the session service only reads them when
// assembling and validating access-token claims.
type RoleType string

const (
	RoleAdmin  RoleType = "admin"
	RoleMember RoleType = "member"
)

// Claim is a single custom claim granted to a user or derived from a role.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type User struct {
	ID            string    `json:"id,omitempty"`       // Unique identifier for the user
	Username      string    `json:"username,omitempty"` // Unique username
	Email         string    `json:"email,omitempty"`    // User's email address
	PhoneNumber   string    `json:"phone_number,omitempty"`
	PasswordHash  string    `json:"-"` // Hashed version of the user's password - never serialize
	SecurityStamp string    `json:"-"` // Rotates on credential change; never serialize
	DateJoined    time.Time `json:"date_joined,omitempty"`
	LastLogin     time.Time `json:"last_login,omitempty"`
}

// HasRole checks a role list for the given role.
func HasRole(roles []RoleType, role RoleType) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
