// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package msauth

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// BaseOptions are the settings shared by every operation.
type BaseOptions struct {
	// ClientID identifies the registered application.
	ClientID string `validate:"required"`
	// Tenant selects the authority path segment when AuthorityURL is empty.
	Tenant string `default:"common"`
	// AuthorityURL overrides the computed authority entirely.
	AuthorityURL string `validate:"omitempty,url"`
	// KnownAuthorities lists the non-AAD hosts (B2C, CIAM, custom domains) that may
	// be used as authorities.
	KnownAuthorities []string
	// DomainHint steers the sign-in UI to the user's home realm.
	DomainHint string
	// RedirectURI defaults to the page URL without query or fragment.
	RedirectURI string `validate:"omitempty,url"`

	// AuthorityType, KeyHash and BrokerRedirectURIRegistered configure native-shell
	// brokers. Only AuthorityType is validated; none of them changes the web flows.
	AuthorityType               string `default:"AAD" validate:"oneof=AAD B2C CIAM"`
	KeyHash                     string
	BrokerRedirectURIRegistered bool
}

// LoginOptions are the settings of Login and AcquireTokenSilent.
type LoginOptions struct {
	BaseOptions

	// Scopes must not contain openid, profile or offline_access; those are always
	// requested.
	Scopes []string `validate:"dive,required"`
	// Prompt defaults to select_account for interactive requests.
	Prompt string `validate:"omitempty,oneof=login none consent create select_account"`
	// Native selects the popup flow. nil means true; false selects the full-page
	// redirect flow.
	Native *bool
	// LoginHint prefills the username of an interactive sign-in.
	LoginHint string
}

func (o LoginOptions) native() bool {
	return o.Native == nil || *o.Native
}

func (o LoginOptions) prompt() string {
	if o.Prompt == "" {
		return "select_account"
	}
	return o.Prompt
}

// LogoutOptions are the settings of Logout and LogoutAll.
type LogoutOptions struct {
	BaseOptions
}

// prepare applies defaults to o, which must be a pointer to an options struct, and
// validates it.
func prepare(o interface{}) error {
	if err := defaults.Set(o); err != nil {
		return fmt.Errorf("msauth: could not apply option defaults: %w", err)
	}
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("msauth: invalid options: %w", err)
	}
	return nil
}

// Bool returns a pointer to b, for LoginOptions.Native.
func Bool(b bool) *bool {
	return &b
}
