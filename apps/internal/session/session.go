// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package session holds the cached state of one client application against one
// authority: the single active account, its tokens, and any interactive redirect that
// is waiting for the page to come back. The whole in-memory Contract is replaced from
// the cache.Medium before each read and exported to it after each write, so a session
// survives a full-page redirect or a process restart when the medium does.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/msauth/msauth-go/apps/cache"
	internalTime "github.com/msauth/msauth-go/apps/internal/json/types/time"
	"github.com/msauth/msauth-go/apps/internal/shared"
)

// ErrPendingExists is returned by PutPending when another redirect is still live.
var ErrPendingExists = errors.New("session: a live pending redirect already exists")

// now allows faking the clock in tests.
var now = time.Now

// Entry is the result of a successful token request, as it is written to a session.
type Entry struct {
	Account  shared.Account
	ClientID string
	// AccessToken and ExpiresOn describe the access token granted for Scopes.
	AccessToken string
	ExpiresOn   time.Time
	Scopes      []string
	// RefreshToken is kept from a previous write when empty.
	RefreshToken string
	IDToken      string
}

// Tokens mirrors what a session holds for one account and scope set. Zero-valued
// fields were not found or are no longer valid.
type Tokens struct {
	Account      shared.Account
	AccessToken  AccessToken
	RefreshToken RefreshToken
	IDToken      IDToken
}

// Store is a session persisted under one key of a cache.Medium.
type Store struct {
	medium cache.Medium
	key    string

	mu       sync.Mutex
	contract *Contract
}

// New is the constructor for Store.
func New(medium cache.Medium, key string) *Store {
	if medium == nil {
		medium = cache.NewMemory()
	}
	return &Store{medium: medium, key: key, contract: NewContract()}
}

// Key is the medium key this session is stored under.
func (s *Store) Key() string {
	return s.key
}

// replace loads the latest contract from the medium. Must hold s.mu.
func (s *Store) replace(ctx context.Context) error {
	b, err := s.medium.Load(ctx, s.key)
	if errors.Is(err, cache.ErrNotFound) {
		s.contract = NewContract()
		return nil
	}
	if err != nil {
		return fmt.Errorf("session %q could not be loaded: %w", s.key, err)
	}
	return s.unmarshal(b)
}

// export saves the contract to the medium, or deletes it from the medium once it is
// empty. Must hold s.mu.
func (s *Store) export(ctx context.Context) error {
	if s.contract.empty() {
		if err := s.medium.Delete(ctx, s.key); err != nil {
			return fmt.Errorf("session %q could not be deleted: %w", s.key, err)
		}
		return nil
	}
	b, err := json.Marshal(s.contract)
	if err != nil {
		return err
	}
	if err := s.medium.Save(ctx, s.key, b); err != nil {
		return fmt.Errorf("session %q could not be saved: %w", s.key, err)
	}
	return nil
}

// ActiveAccount returns the active account, if any.
func (s *Store) ActiveAccount(ctx context.Context) (shared.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(ctx); err != nil {
		return shared.Account{}, false, err
	}
	if s.contract.Account == nil || s.contract.Account.IsZero() {
		return shared.Account{}, false, nil
	}
	return *s.contract.Account, true, nil
}

// Read returns the tokens cached for account that cover scopes. An access token that is
// expired, or was issued for a different client, is not returned.
func (s *Store) Read(ctx context.Context, clientID string, scopes []string, account shared.Account) (Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(ctx); err != nil {
		return Tokens{}, err
	}
	c := s.contract
	if c.Account == nil || c.Account.HomeAccountID != account.HomeAccountID {
		return Tokens{}, nil
	}
	tr := Tokens{Account: *c.Account}
	n := now()
	for _, at := range c.AccessTokens {
		if at.HomeAccountID == account.HomeAccountID && at.ClientID == clientID && at.covers(scopes) {
			if err := at.Validate(n); err == nil {
				tr.AccessToken = at
				break
			}
		}
	}
	for _, rt := range c.RefreshTokens {
		if rt.HomeAccountID == account.HomeAccountID && rt.ClientID == clientID {
			tr.RefreshToken = rt
			break
		}
	}
	for _, idt := range c.IDTokens {
		if idt.HomeAccountID == account.HomeAccountID && idt.ClientID == clientID {
			tr.IDToken = idt
			break
		}
	}
	return tr, nil
}

// Write stores e and makes e.Account the active account. If a different account was
// active, its tokens are evicted first.
func (s *Store) Write(ctx context.Context, e Entry) (shared.Account, error) {
	if e.Account.HomeAccountID == "" {
		return shared.Account{}, errors.New("session: cannot write an entry without a home account id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(ctx); err != nil {
		return shared.Account{}, err
	}
	c := s.contract
	if c.Account != nil && c.Account.HomeAccountID != e.Account.HomeAccountID {
		c.evict(c.Account.HomeAccountID)
	}
	acc := e.Account
	c.Account = &acc

	n := now()
	if e.AccessToken != "" {
		at := NewAccessToken(acc.HomeAccountID, acc.Environment, acc.Realm, e.ClientID, n, e.ExpiresOn, strings.Join(e.Scopes, scopeSeparator), e.AccessToken)
		// a token for a scope set replaces any older token that covered the same scopes
		for k, old := range c.AccessTokens {
			if old.HomeAccountID == at.HomeAccountID && old.ClientID == at.ClientID && at.covers(strings.Split(old.Scopes, scopeSeparator)) {
				delete(c.AccessTokens, k)
			}
		}
		c.AccessTokens[at.Key()] = at
	}
	if e.RefreshToken != "" {
		rt := NewRefreshToken(acc.HomeAccountID, acc.Environment, e.ClientID, e.RefreshToken)
		c.RefreshTokens[rt.Key()] = rt
	}
	if e.IDToken != "" {
		idt := NewIDToken(acc.HomeAccountID, acc.Environment, acc.Realm, e.ClientID, e.IDToken)
		c.IDTokens[idt.Key()] = idt
	}
	if err := s.export(ctx); err != nil {
		return shared.Account{}, err
	}
	return acc, nil
}

// RemoveAccount clears the active account and every token it owns. It reports the
// account that was removed, if there was one.
func (s *Store) RemoveAccount(ctx context.Context) (shared.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(ctx); err != nil {
		return shared.Account{}, false, err
	}
	c := s.contract
	if c.Account == nil {
		return shared.Account{}, false, nil
	}
	acc := *c.Account
	c.evict(acc.HomeAccountID)
	c.Account = nil
	if err := s.export(ctx); err != nil {
		return shared.Account{}, false, err
	}
	return acc, true, nil
}

// PutPending records p. Records older than ttl are dropped first. If another record
// is still live, nothing is written and ErrPendingExists is returned.
func (s *Store) PutPending(ctx context.Context, p PendingRedirect, ttl time.Duration) error {
	if p.State == "" {
		return errors.New("session: pending redirect has no state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(ctx); err != nil {
		return err
	}
	n := now()
	s.prune(n, ttl)
	if len(s.contract.Pending) > 0 {
		return ErrPendingExists
	}
	if p.CreatedAt.T.IsZero() {
		p.CreatedAt = internalTime.Unix{T: n.UTC()}
	}
	s.contract.Pending[p.State] = p
	return s.export(ctx)
}

// TakePending removes and returns the record for state. When redirectURI is not empty,
// a record issued for a different redirect URI is left in place and not returned.
func (s *Store) TakePending(ctx context.Context, state, redirectURI string) (PendingRedirect, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(ctx); err != nil {
		return PendingRedirect{}, false, err
	}
	p, ok := s.contract.Pending[state]
	if !ok || (redirectURI != "" && p.RedirectURI != redirectURI) {
		return PendingRedirect{}, false, nil
	}
	delete(s.contract.Pending, state)
	if err := s.export(ctx); err != nil {
		return PendingRedirect{}, false, err
	}
	return p, true, nil
}

// LivePending returns the pending record that is younger than ttl, if any.
func (s *Store) LivePending(ctx context.Context, ttl time.Duration) (PendingRedirect, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(ctx); err != nil {
		return PendingRedirect{}, false, err
	}
	n := now()
	for _, p := range s.contract.Pending {
		if p.Live(n, ttl) {
			return p, true, nil
		}
	}
	return PendingRedirect{}, false, nil
}

// prune drops pending records that are older than ttl. Must hold s.mu.
func (s *Store) prune(n time.Time, ttl time.Duration) {
	for k, p := range s.contract.Pending {
		if !p.Live(n, ttl) {
			delete(s.contract.Pending, k)
		}
	}
}

func (s *Store) unmarshal(b []byte) error {
	contract := NewContract()
	if err := json.Unmarshal(b, contract); err != nil {
		return fmt.Errorf("session %q is corrupt: %w", s.key, err)
	}
	contract.fill()
	s.contract = contract
	return nil
}
