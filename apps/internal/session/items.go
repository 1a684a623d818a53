// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	internalTime "github.com/msauth/msauth-go/apps/internal/json/types/time"
	"github.com/msauth/msauth-go/apps/internal/shared"
)

// expiryBuffer is how long before its expiry an access token stops being served.
const expiryBuffer = 5 * time.Minute

const scopeSeparator = " "

// Contract is the JSON structure that is written to the storage medium when
// serializing a session.
type Contract struct {
	// Account is the single active account, nil when signed out.
	Account       *shared.Account            `json:"Account,omitempty"`
	AccessTokens  map[string]AccessToken     `json:"AccessToken"`
	RefreshTokens map[string]RefreshToken    `json:"RefreshToken"`
	IDTokens      map[string]IDToken         `json:"IdToken"`
	Pending       map[string]PendingRedirect `json:"PendingRedirect"`
}

// NewContract is the constructor for Contract.
func NewContract() *Contract {
	return &Contract{
		AccessTokens:  map[string]AccessToken{},
		RefreshTokens: map[string]RefreshToken{},
		IDTokens:      map[string]IDToken{},
		Pending:       map[string]PendingRedirect{},
	}
}

// fill makes sure no map is nil after decoding an older or partial document.
func (c *Contract) fill() {
	if c.AccessTokens == nil {
		c.AccessTokens = map[string]AccessToken{}
	}
	if c.RefreshTokens == nil {
		c.RefreshTokens = map[string]RefreshToken{}
	}
	if c.IDTokens == nil {
		c.IDTokens = map[string]IDToken{}
	}
	if c.Pending == nil {
		c.Pending = map[string]PendingRedirect{}
	}
}

// empty reports whether c holds nothing worth storing.
func (c *Contract) empty() bool {
	return c.Account == nil && len(c.AccessTokens) == 0 && len(c.RefreshTokens) == 0 &&
		len(c.IDTokens) == 0 && len(c.Pending) == 0
}

// evict removes every token that belongs to homeID.
func (c *Contract) evict(homeID string) {
	for k, v := range c.AccessTokens {
		if v.HomeAccountID == homeID {
			delete(c.AccessTokens, k)
		}
	}
	for k, v := range c.RefreshTokens {
		if v.HomeAccountID == homeID {
			delete(c.RefreshTokens, k)
		}
	}
	for k, v := range c.IDTokens {
		if v.HomeAccountID == homeID {
			delete(c.IDTokens, k)
		}
	}
}

// AccessToken is the JSON representation of an access token for encoding to storage.
type AccessToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Realm          string `json:"realm,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
	// Scopes is the space separated list of granted scopes.
	Scopes    string            `json:"target,omitempty"`
	ExpiresOn internalTime.Unix `json:"expires_on"`
	CachedAt  internalTime.Unix `json:"cached_at"`
}

// NewAccessToken is the constructor for AccessToken.
func NewAccessToken(homeID, env, realm, clientID string, cachedAt, expiresOn time.Time, scopes, token string) AccessToken {
	return AccessToken{
		HomeAccountID:  homeID,
		Environment:    env,
		Realm:          realm,
		CredentialType: "AccessToken",
		ClientID:       clientID,
		Secret:         token,
		Scopes:         scopes,
		CachedAt:       internalTime.Unix{T: cachedAt.UTC()},
		ExpiresOn:      internalTime.Unix{T: expiresOn.UTC()},
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AccessToken) Key() string {
	return strings.Join(
		[]string{a.HomeAccountID, a.Environment, a.CredentialType, a.ClientID, a.Realm, strings.ToLower(a.Scopes)},
		shared.CacheKeySeparator,
	)
}

// Validate validates that this AccessToken can be used at time n.
func (a AccessToken) Validate(n time.Time) error {
	if a.CachedAt.T.IsZero() {
		return fmt.Errorf("access token does not have CachedAt set")
	}
	if a.CachedAt.T.After(n) {
		return errors.New("access token isn't valid, it was cached at a future time")
	}
	if a.ExpiresOn.T.Before(n.Add(expiryBuffer)) {
		return fmt.Errorf("access token is expired")
	}
	return nil
}

// covers reports whether every scope in scopes was granted to a, ignoring case.
func (a AccessToken) covers(scopes []string) bool {
	granted := strings.Split(a.Scopes, scopeSeparator)
	for _, s := range scopes {
		found := false
		for _, g := range granted {
			if strings.EqualFold(s, g) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RefreshToken is the JSON representation of a refresh token for encoding to storage.
type RefreshToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

// NewRefreshToken is the constructor for RefreshToken.
func NewRefreshToken(homeID, env, clientID, token string) RefreshToken {
	return RefreshToken{
		HomeAccountID:  homeID,
		Environment:    env,
		CredentialType: "RefreshToken",
		ClientID:       clientID,
		Secret:         token,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (rt RefreshToken) Key() string {
	return strings.Join(
		[]string{rt.HomeAccountID, rt.Environment, rt.CredentialType, rt.ClientID},
		shared.CacheKeySeparator,
	)
}

// IDToken is the JSON representation of an id token for encoding to storage.
type IDToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Realm          string `json:"realm,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

// NewIDToken is the constructor for IDToken.
func NewIDToken(homeID, env, realm, clientID, idToken string) IDToken {
	return IDToken{
		HomeAccountID:  homeID,
		Environment:    env,
		Realm:          realm,
		CredentialType: "IDToken",
		ClientID:       clientID,
		Secret:         idToken,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (id IDToken) Key() string {
	return strings.Join(
		[]string{id.HomeAccountID, id.Environment, id.CredentialType, id.ClientID, id.Realm},
		shared.CacheKeySeparator,
	)
}

// PendingRedirect is an interactive redirect that left the page and has not come
// back yet. It holds everything needed to finish the code exchange on the next page
// load.
type PendingRedirect struct {
	State         string            `json:"state"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Verifier      string            `json:"code_verifier"`
	Scopes        []string          `json:"scopes,omitempty"`
	Prompt        string            `json:"prompt,omitempty"`
	RedirectURI   string            `json:"redirect_uri"`
	Authority     string            `json:"authority"`
	ClientID      string            `json:"client_id"`
	CreatedAt     internalTime.Unix `json:"created_at"`
}

// Live reports whether p is younger than ttl at time n.
func (p PendingRedirect) Live(n time.Time, ttl time.Duration) bool {
	return n.Before(p.CreatedAt.T.Add(ttl))
}
