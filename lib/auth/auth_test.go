package auth

import "testing"

func TestRegisterLoginLogout(t *testing.T) {
	m := NewManager("", "")

	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if err := m.Register("alice", hash); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Register("alice", hash); err != ErrUserExists {
		t.Errorf("expected ErrUserExists, got %v", err)
	}

	id := NewUUID()
	if err := m.Login("alice", "secret", id); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !m.IsLoggedIn(id) {
		t.Errorf("expected uuid to be logged in")
	}
	if got := m.UsernameFromUUID(id); got != "alice" {
		t.Errorf("expected alice, got %q", got)
	}

	if err := m.Logout(id); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if m.IsLoggedIn(id) {
		t.Errorf("expected uuid to be logged out")
	}
	if err := m.Logout(id); err != ErrUnknownUser {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

func TestConcurrentLoginsCoexist(t *testing.T) {
	m := NewManager("", "")
	hash, _ := HashPassword("secret")
	m.Register("alice", hash)

	first := NewUUID()
	second := NewUUID()
	if first == second {
		t.Fatalf("token issuance must not repeat")
	}
	if err := m.Login("alice", "secret", first); err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	if err := m.Login("alice", "secret", second); err != nil {
		t.Fatalf("second login failed: %v", err)
	}

	// a re-login does not invalidate the earlier session
	if !m.IsLoggedIn(first) || !m.IsLoggedIn(second) {
		t.Errorf("expected both tokens to be valid")
	}
	if err := m.Logout(first); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if m.IsLoggedIn(first) {
		t.Errorf("logged-out token still valid")
	}
	if !m.IsLoggedIn(second) {
		t.Errorf("logout of one token invalidated the other")
	}
}

func TestLoginFailures(t *testing.T) {
	m := NewManager("", "")
	hash, _ := HashPassword("secret")
	m.Register("alice", hash)

	if err := m.Login("bob", "secret", NewUUID()); err != ErrUnknownUser {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
	if err := m.Login("alice", "wrong", NewUUID()); err != ErrWrongPassword {
		t.Errorf("expected ErrWrongPassword, got %v", err)
	}
}

func TestAnonymousUUID(t *testing.T) {
	m := NewManager("", "")
	if got := m.UsernameFromUUID(""); got != "" {
		t.Errorf("empty uuid must map to anonymous, got %q", got)
	}
	if got := m.UsernameFromUUID("nope"); got != "" {
		t.Errorf("unknown uuid must map to anonymous, got %q", got)
	}
}

func TestRootBootstrap(t *testing.T) {
	hash, _ := HashPassword("rootpw")
	m := NewManager("root", hash)
	if !m.IsValidUser("root") {
		t.Errorf("expected bootstrap root user to exist")
	}
	if err := m.Login("root", "rootpw", NewUUID()); err != nil {
		t.Errorf("root login failed: %v", err)
	}
}
