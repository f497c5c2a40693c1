package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/store"
)

type userLookupStub struct {
	users map[string]domain.UserAccount
	err   error
}

func (s *userLookupStub) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	if s.err != nil {
		return nil, s.err
	}
	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func newLookup(t *testing.T, users ...domain.UserAccount) *userLookupStub {
	t.Helper()
	stub := &userLookupStub{users: make(map[string]domain.UserAccount)}
	for _, u := range users {
		stub.users[u.Username] = u
	}
	return stub
}

func account(t *testing.T, username string, password string, role string, active bool) domain.UserAccount {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return domain.UserAccount{Username: username, Password: string(hash), Role: role, ShopID: "shop-main", Active: active}
}

func TestLoginIssuesTokenCarryingShop(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newLookup(t, account(t, "owner", "owner123", "owner", true)))

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Owner ", Password: "owner123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.ShopID != "shop-main" || resp.Role != "owner" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "owner" || actor.Role != "owner" || actor.ShopID != "shop-main" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newLookup(t,
		account(t, "owner", "owner123", "owner", true),
		account(t, "retired", "retired123", "cashier", false),
	))

	cases := []struct {
		name     string
		req      domain.LoginRequest
		expected error
	}{
		{"unknown user", domain.LoginRequest{Username: "nobody", Password: "x"}, errInvalidCredentials},
		{"wrong password", domain.LoginRequest{Username: "owner", Password: "wrong"}, errInvalidCredentials},
		{"empty password", domain.LoginRequest{Username: "owner", Password: " "}, errInvalidCredentials},
		{"inactive account", domain.LoginRequest{Username: "retired", Password: "retired123"}, errInactiveAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := manager.Login(context.Background(), tc.req)
			if !errors.Is(err, tc.expected) {
				t.Fatalf("expected %v, got %v", tc.expected, err)
			}
		})
	}
}

func TestLoginRejectsPlainTextStoredPassword(t *testing.T) {
	legacy := domain.UserAccount{Username: "legacy", Password: "legacy123", Role: "owner", ShopID: "shop-main", Active: true}
	manager := NewAuthManager("test-secret", time.Hour, newLookup(t, legacy))

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "legacy", Password: "legacy123"}); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected plain-text password to be refused, got %v", err)
	}
}

func TestLoginSurfacesStoreFailure(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userLookupStub{err: errors.New("connection reset")})

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "owner", Password: "owner123"})
	if err == nil || errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestParseTokenRejectsExpiredAndForeignTokens(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Minute, newLookup(t))
	actor := domain.Actor{Username: "owner", Role: "owner", ShopID: "shop-main"}

	expired, err := manager.sign(actor, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	other := NewAuthManager("other-secret", time.Minute, newLookup(t))
	foreign, err := other.sign(actor, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(foreign); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	shopless, err := manager.sign(domain.Actor{Username: "owner", Role: "owner"}, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(shopless); err == nil {
		t.Fatalf("expected token without shop to be rejected")
	}
}
