package users

// Directory is the read-only view of the user subsystem consumed by the
// session service. Account creation, password management, and role
// administration live behind it and are not part of this repository.
type Directory interface {
	GetByID(id string) (*User, error)
	GetByUsername(username string) (*User, error)
	GetByEmail(email string) (*User, error)
	GetByPhoneNumber(phoneNumber string) (*User, error)

	// SecurityStamp returns the user's current stamp. Rotating the stamp
	// (password change, forced sign-out) invalidates every outstanding
	// access token minted with the previous value.
	SecurityStamp(user *User) (string, error)

	RolesOf(user *User) ([]RoleType, error)
	ClaimsOf(user *User) ([]Claim, error)
	RoleClaims(role RoleType) ([]Claim, error)

	// CheckPassword verifies raw credentials. The hashing scheme belongs to
	// the account subsystem.
	CheckPassword(user *User, password string) bool
}

// FindByLogin resolves a login identifier against username, email, and
// phone number in that order.
func FindByLogin(d Directory, login string) (*User, error) {
	user, err := d.GetByUsername(login)
	if err == nil {
		return user, nil
	}
	if user, err = d.GetByEmail(login); err == nil {
		return user, nil
	}
	return d.GetByPhoneNumber(login)
}
