package multiplayer

import (
	"errors"
	"slices"
	"strings"
	"sync"
)

// ErrDuplicateUser is returned when a local user is added twice.
var ErrDuplicateUser = errors.New("local user already added")

// LocalUser is a signed-in user on this device together with the service
// client authenticated as that user.
type LocalUser struct {
	Xuid    string
	Service SessionService
}

// LocalUserManager tracks local users.
// Thread-safe for concurrent access.
type LocalUserManager struct {
	mu    sync.RWMutex
	users map[string]*LocalUser
	order []string // insertion order, first entry is the primary user
}

// NewLocalUserManager creates an empty user registry.
func NewLocalUserManager() *LocalUserManager {
	return &LocalUserManager{
		users: make(map[string]*LocalUser),
	}
}

// Add registers a local user.
func (m *LocalUserManager) Add(user *LocalUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.Xuid]; ok {
		return ErrDuplicateUser
	}
	m.users[user.Xuid] = user
	m.order = append(m.order, user.Xuid)
	return nil
}

// Remove unregisters a local user. Removing an unknown user is a no-op.
func (m *LocalUserManager) Remove(xuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[xuid]; !ok {
		return
	}
	delete(m.users, xuid)
	m.order = slices.DeleteFunc(m.order, func(x string) bool { return x == xuid })
}

// Get retrieves a user by xuid.
func (m *LocalUserManager) Get(xuid string) (*LocalUser, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[xuid]
	return u, ok
}

// Primary returns the earliest added user that is still present.
func (m *LocalUserManager) Primary() (*LocalUser, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return nil, false
	}
	return m.users[m.order[0]], true
}

// Users returns all users ordered by xuid.
func (m *LocalUserManager) Users() []*LocalUser {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*LocalUser, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b *LocalUser) int { return strings.Compare(a.Xuid, b.Xuid) })
	return out
}

// Count returns the number of local users.
func (m *LocalUserManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}
