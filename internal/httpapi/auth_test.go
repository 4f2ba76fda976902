package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"partsdesk/backend/internal/domain"
	"partsdesk/backend/internal/store"
)

type userStoreStub struct {
	mu    sync.Mutex
	users map[string]domain.UserAccount
}

func (s *userStoreStub) GetUser(_ context.Context, username string) (domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return domain.UserAccount{}, store.ErrNotFound
	}
	return user, nil
}

func (s *userStoreStub) CreateClerk(_ context.Context, username, passwordHash string) (domain.ClerkUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	if _, exists := s.users[username]; exists {
		return domain.ClerkUser{}, store.ErrDuplicateUser
	}
	now := time.Now().UTC()
	s.users[username] = domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      "clerk",
		Active:    true,
		CreatedAt: now,
	}
	return domain.ClerkUser{Username: username, Role: "clerk", Active: true, CreatedAt: now}, nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.ClerkUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ClerkUser, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, domain.ClerkUser{
			Username:  user.Username,
			Role:      user.Role,
			Active:    user.Active,
			CreatedAt: user.CreatedAt,
		})
	}
	return out, nil
}

func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func TestLoginIssuesTokenThatParsesBack(t *testing.T) {
	stub := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  mustHashPassword(t, "admin123"),
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", stub)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != "admin" {
		t.Fatalf("expected admin role in response, got %q", resp.Role)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	stub := &userStoreStub{
		users: map[string]domain.UserAccount{
			"clerk": {
				Username: "clerk",
				Password: mustHashPassword(t, "clerk123"),
				Role:     "clerk",
				Active:   true,
			},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", stub)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "clerk",
		Password: "nope",
	}); err == nil {
		t.Fatalf("expected login to fail with wrong password")
	}
}

func TestCreateClerkStoresPasswordHash(t *testing.T) {
	stub := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "123456", stub)

	clerk, err := manager.CreateClerk(context.Background(), domain.ClerkCreateRequest{
		Username: "newclerk",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create clerk failed: %v", err)
	}
	if clerk.Username != "newclerk" {
		t.Fatalf("unexpected username %s", clerk.Username)
	}

	saved, err := stub.GetUser(context.Background(), "newclerk")
	if err != nil {
		t.Fatalf("expected clerk to be saved: %v", err)
	}
	if saved.Password == "pass1234" {
		t.Fatalf("expected clerk password to be hashed")
	}
	if !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", saved.Password)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "newclerk",
		Password: "pass1234",
	}); err != nil {
		t.Fatalf("login with new clerk failed: %v", err)
	}
}

func TestCreateClerkRejectsInvalidUsername(t *testing.T) {
	stub := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "123456", stub)

	for _, username := range []string{"ab", "has space"} {
		if _, err := manager.CreateClerk(context.Background(), domain.ClerkCreateRequest{
			Username: username,
			Password: "pass1234",
		}); err == nil {
			t.Fatalf("expected username %q to be rejected", username)
		}
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	stub := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "654321", stub)

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}
