package auth

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrUnknownUser is returned for operations on a user that was never
	// registered, or a uuid that is not logged in.
	ErrUnknownUser = errors.New("auth: unknown user")

	// ErrUserExists is returned by Register for a taken username.
	ErrUserExists = errors.New("auth: user already exists")

	// ErrWrongPassword is returned by Login on a credential mismatch.
	ErrWrongPassword = errors.New("auth: wrong password")
)

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager holds the registered users and the active login tokens.
//
// The user table is replicated state: Register, Login and Logout are only
// ever invoked by the apply loop, with arguments taken from committed log
// entries, so every replica holds the same table. Passwords are hashed at
// propose time and only the hash travels through the log.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	users  map[string]string // username -> password hash
	logged map[string]string // uuid -> username
}

// NewManager creates a user manager, optionally seeded with a bootstrap
// root user (empty username means no root).
func NewManager(rootUser, rootHash string) *Manager {
	m := &Manager{
		users:  make(map[string]string),
		logged: make(map[string]string),
	}
	if rootUser != "" {
		m.users[rootUser] = rootHash
	}
	return m
}

// HashPassword derives the stored hash for a password. Called once at
// propose time; the hash, not the password, is what replicas agree on.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// NewUUID issues a fresh login token. Generated on the leader at propose
// time and carried in the log entry so all replicas record the same one.
func NewUUID() string {
	return uuid.NewString()
}

// --------------------------------------------------------------------------
// Replicated Operations (invoked by the apply loop)
// --------------------------------------------------------------------------

// Register creates a user with an already-hashed password.
func (m *Manager) Register(username, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if username == "" {
		return ErrUnknownUser
	}
	if _, ok := m.users[username]; ok {
		return ErrUserExists
	}
	m.users[username] = passwordHash
	return nil
}

// Login verifies the credentials and binds the uuid to the username.
func (m *Manager) Login(username, password, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.users[username]
	if !ok {
		return ErrUnknownUser
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrWrongPassword
	}
	m.logged[uuid] = username
	return nil
}

// Logout removes the uuid's login record.
func (m *Manager) Logout(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logged[uuid]; !ok {
		return ErrUnknownUser
	}
	delete(m.logged, uuid)
	return nil
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

// IsValidUser reports whether the username is registered.
func (m *Manager) IsValidUser(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[username]
	return ok
}

// IsLoggedIn reports whether the uuid belongs to an active login.
func (m *Manager) IsLoggedIn(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.logged[uuid]
	return ok
}

// UsernameFromUUID resolves a login token to its username. An empty or
// unknown uuid maps to the anonymous user (empty string).
func (m *Manager) UsernameFromUUID(uuid string) string {
	if uuid == "" {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logged[uuid]
}
