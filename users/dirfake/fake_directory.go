package dirfake

import (
	"sync"

	"github.com/bearerworks/go-session-service/users"
	"github.com/pkg/errors"
)

var _ users.Directory = (*FakeDirectory)(nil)

// FakeDirectory is an in-memory users.Directory for tests and local wiring.
// Claims and role grants can be changed at runtime to exercise the
// claim-revalidation paths.
type FakeDirectory struct {
	lock       sync.RWMutex
	byID       map[string]*users.User
	roles      map[string][]users.RoleType // userID -> roles
	claims     map[string][]users.Claim    // userID -> custom claims
	roleClaims map[users.RoleType][]users.Claim
	passwords  map[string]string // userID -> plaintext, test use only
}

func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		byID:       make(map[string]*users.User),
		roles:      make(map[string][]users.RoleType),
		claims:     make(map[string][]users.Claim),
		roleClaims: make(map[users.RoleType][]users.Claim),
		passwords:  make(map[string]string),
	}
}

// AddUser registers a user with a plaintext password.
func (d *FakeDirectory) AddUser(user *users.User, password string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.byID[user.ID] = user
	d.passwords[user.ID] = password
}

// SetRoles replaces the user's role grants.
func (d *FakeDirectory) SetRoles(userID string, roles ...users.RoleType) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.roles[userID] = roles
}

// SetClaims replaces the user's custom claim grants.
func (d *FakeDirectory) SetClaims(userID string, claims ...users.Claim) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.claims[userID] = claims
}

// SetRoleClaims replaces the claims derived from a role.
func (d *FakeDirectory) SetRoleClaims(role users.RoleType, claims ...users.Claim) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.roleClaims[role] = claims
}

// RotateStamp changes the user's security stamp, invalidating outstanding
// access tokens.
func (d *FakeDirectory) RotateStamp(userID, stamp string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if user, ok := d.byID[userID]; ok {
		user.SecurityStamp = stamp
	}
}

func (d *FakeDirectory) GetByID(id string) (*users.User, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	user, ok := d.byID[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return user, nil
}

func (d *FakeDirectory) GetByUsername(username string) (*users.User, error) {
	return d.findWhere(func(u *users.User) bool { return u.Username == username })
}

func (d *FakeDirectory) GetByEmail(email string) (*users.User, error) {
	return d.findWhere(func(u *users.User) bool { return u.Email == email })
}

func (d *FakeDirectory) GetByPhoneNumber(phoneNumber string) (*users.User, error) {
	return d.findWhere(func(u *users.User) bool { return u.PhoneNumber == phoneNumber })
}

func (d *FakeDirectory) findWhere(match func(*users.User) bool) (*users.User, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	for _, user := range d.byID {
		if match(user) {
			return user, nil
		}
	}
	return nil, errors.New("not found")
}

func (d *FakeDirectory) SecurityStamp(user *users.User) (string, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	current, ok := d.byID[user.ID]
	if !ok {
		return "", errors.New("not found")
	}
	return current.SecurityStamp, nil
}

func (d *FakeDirectory) RolesOf(user *users.User) ([]users.RoleType, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return append([]users.RoleType(nil), d.roles[user.ID]...), nil
}

func (d *FakeDirectory) ClaimsOf(user *users.User) ([]users.Claim, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return append([]users.Claim(nil), d.claims[user.ID]...), nil
}

func (d *FakeDirectory) RoleClaims(role users.RoleType) ([]users.Claim, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return append([]users.Claim(nil), d.roleClaims[role]...), nil
}

func (d *FakeDirectory) CheckPassword(user *users.User, password string) bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	stored, ok := d.passwords[user.ID]
	return ok && stored == password
}
