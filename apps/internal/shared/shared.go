// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package shared

import (
	"net/http"
	"strings"
)

const (
	// CacheKeySeparator is used in creating the keys of the cache.
	CacheKeySeparator = "-"

	// ReservedScopes are added to every authorization request by the client and are
	// never reported back to callers.
	ReservedScopes = "openid profile offline_access"
)

// Account is the identity a session belongs to.
type Account struct {
	HomeAccountID     string `json:"home_account_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	Realm             string `json:"realm,omitempty"`
	LocalAccountID    string `json:"local_account_id,omitempty"`
	AuthorityType     string `json:"authority_type,omitempty"`
	PreferredUsername string `json:"username,omitempty"`
	Name              string `json:"name,omitempty"`
	RawClientInfo     string `json:"client_info,omitempty"`
}

// NewAccount creates an account.
func NewAccount(homeAccountID, env, realm, localAccountID, authorityType, username string) Account {
	return Account{
		HomeAccountID:     homeAccountID,
		Environment:       env,
		Realm:             realm,
		LocalAccountID:    localAccountID,
		AuthorityType:     authorityType,
		PreferredUsername: username,
	}
}

// Key creates the key for storing accounts in the cache.
func (acc Account) Key() string {
	return strings.Join([]string{acc.HomeAccountID, acc.Environment, acc.Realm}, CacheKeySeparator)
}

// IsZero checks the zero value of account
func (acc Account) IsZero() bool {
	return acc == Account{}
}

// IsReservedScope reports whether s is one of ReservedScopes.
func IsReservedScope(s string) bool {
	for _, r := range strings.Fields(ReservedScopes) {
		if strings.EqualFold(r, s) {
			return true
		}
	}
	return false
}

// DefaultClient is our default shared HTTP client.
var DefaultClient = &http.Client{}
