package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu    sync.Mutex
	creds map[string]UserCredentials
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]UserCredentials)}
}

func (m *memStore) UpsertCredentials(credentials UserCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[credentials.Username] = credentials
	return nil
}

func (m *memStore) ListCredentials() ([]UserCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]UserCredentials, 0, len(m.creds))
	for _, c := range m.creds {
		list = append(list, c)
	}
	return list, nil
}

func newTestService(t *testing.T) (*AuthService, *memStore) {
	t.Helper()
	store := newMemStore()
	svc, err := NewAuthService(context.Background(), Config{TokenExpiry: time.Hour}, store)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc, store
}

func TestSignupAndLogin(t *testing.T) {
	svc, store := newTestService(t)

	identity, err := svc.Signup("alice", "correct horse battery")
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if identity.UserID == "" || identity.Username != "alice" {
		t.Errorf("unexpected identity: %+v", identity)
	}
	if _, ok := store.creds["alice"]; !ok {
		t.Error("credentials not persisted")
	}

	if _, err := svc.Signup("alice", "another password"); !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}

	resp := svc.Login(LoginRequest{Username: "alice", Password: "correct horse battery"})
	if !resp.Success || resp.Token == "" {
		t.Fatalf("expected successful login, got %+v", resp)
	}

	got, err := svc.Authenticate(resp.Token)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got != identity {
		t.Errorf("token resolved to wrong identity: %+v", got)
	}
}

func TestSignupValidation(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Signup("bad name!", "long enough password"); err == nil {
		t.Error("expected error for invalid username")
	}
	if _, err := svc.Signup("bob", "short"); err == nil {
		t.Error("expected error for short password")
	}
}

func TestLoginFailures(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Signup("alice", "correct horse battery"); err != nil {
		t.Fatalf("Signup failed: %v", err)
	}

	resp := svc.Login(LoginRequest{Username: "alice", Password: "wrong"})
	if resp.Success {
		t.Error("login succeeded with wrong password")
	}
	resp = svc.Login(LoginRequest{Username: "nobody", Password: "whatever"})
	if resp.Success {
		t.Error("login succeeded for unknown user")
	}
	// Same message either way; existence of accounts is not disclosed.
	if resp.Message != loginFailedMessage {
		t.Errorf("unexpected failure message: %q", resp.Message)
	}
}

func TestLoginThrottling(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Signup("alice", "correct horse battery"); err != nil {
		t.Fatalf("Signup failed: %v", err)
	}

	currentTime := time.Unix(1700000000, 0)
	svc.now = func() time.Time { return currentTime }

	for i := 0; i < 5; i++ {
		svc.Login(LoginRequest{Username: "alice", Password: "wrong"})
	}

	// Even the right password is rejected while throttled.
	resp := svc.Login(LoginRequest{Username: "alice", Password: "correct horse battery"})
	if resp.Success {
		t.Fatal("throttled login succeeded")
	}

	// After the backoff window passes, login works and the counter resets.
	currentTime = currentTime.Add(time.Hour)
	resp = svc.Login(LoginRequest{Username: "alice", Password: "correct horse battery"})
	if !resp.Success {
		t.Fatalf("login after backoff failed: %+v", resp)
	}
}

func TestLogoff(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Signup("alice", "correct horse battery"); err != nil {
		t.Fatalf("Signup failed: %v", err)
	}

	resp := svc.Login(LoginRequest{Username: "alice", Password: "correct horse battery"})
	if !resp.Success {
		t.Fatalf("login failed: %+v", resp)
	}

	if err := svc.Logoff(resp.Token); err != nil {
		t.Fatalf("Logoff failed: %v", err)
	}
	if _, err := svc.Authenticate(resp.Token); err == nil {
		t.Error("token still valid after logoff")
	}
}

func TestCredentialsLoadedAtStart(t *testing.T) {
	store := newMemStore()
	first, err := NewAuthService(context.Background(), Config{TokenExpiry: time.Hour}, store)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if _, err := first.Signup("alice", "correct horse battery"); err != nil {
		t.Fatalf("Signup failed: %v", err)
	}

	// A fresh service over the same store knows the account.
	second, err := NewAuthService(context.Background(), Config{TokenExpiry: time.Hour}, store)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	resp := second.Login(LoginRequest{Username: "alice", Password: "correct horse battery"})
	if !resp.Success {
		t.Errorf("login failed after reload: %+v", resp)
	}
}
