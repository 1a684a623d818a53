// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package errors holds the error kinds surfaced by msauth. Every failure returned by a
token acquisition or sign-out call can be classified with errors.Is against one of the
Err* sentinels below, or unwrapped into an *AuthError for the OAuth error code and
description sent by the identity provider.
*/
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kylelemons/godebug/pretty"
)

var prettyConf = &pretty.Config{IncludeUnexported: false, SkipZeroFields: true, TrackCycles: true}

// Kind classifies an AuthError.
type Kind int

const (
	// ProviderError is an opaque network or protocol failure from the identity provider.
	ProviderError Kind = iota
	// NoActiveSession is returned by sign-out when no account is cached.
	NoActiveSession
	// InteractionRequired means a token cannot be obtained without user interaction.
	InteractionRequired
	// UserCancelled means the user aborted an interactive challenge.
	UserCancelled
	// PopupBlocked means the transient sign-in surface could not be opened.
	PopupBlocked
	// RedirectInFlight means an interactive redirect is already outstanding.
	RedirectInFlight
)

func (k Kind) String() string {
	switch k {
	case NoActiveSession:
		return "NoActiveSession"
	case InteractionRequired:
		return "InteractionRequired"
	case UserCancelled:
		return "UserCancelled"
	case PopupBlocked:
		return "PopupBlocked"
	case RedirectInFlight:
		return "RedirectInFlight"
	default:
		return "ProviderError"
	}
}

// Sentinels for use with errors.Is(). Any *AuthError of the same Kind matches.
var (
	ErrProvider            = &AuthError{Kind: ProviderError, Description: "identity provider error"}
	ErrNoActiveSession     = &AuthError{Kind: NoActiveSession, Description: "nothing to sign out from"}
	ErrInteractionRequired = &AuthError{Kind: InteractionRequired, Description: "user interaction is required"}
	ErrUserCancelled       = &AuthError{Kind: UserCancelled, Description: "user cancelled the flow"}
	ErrPopupBlocked        = &AuthError{Kind: PopupBlocked, Description: "popup window could not be opened"}
	ErrRedirectInFlight    = &AuthError{Kind: RedirectInFlight, Description: "an interactive redirect is already in progress"}
)

// AuthError is the error type returned by msauth operations.
type AuthError struct {
	Kind Kind
	// Code is the OAuth error code ("invalid_grant", "access_denied", ...) when the
	// identity provider sent one.
	Code string
	// Description is the human readable error description.
	Description string
	// Err is the underlying cause, if any.
	Err error
}

// New creates an *AuthError of kind k.
func New(k Kind, description string, cause error) *AuthError {
	return &AuthError{Kind: k, Description: description, Err: cause}
}

// Error implements error.Error().
func (e *AuthError) Error() string {
	msg := e.Kind.String()
	if e.Code != "" {
		msg += "(" + e.Code + ")"
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *AuthError of the same Kind.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *AuthError in err's chain. Errors that are not
// AuthErrors are reported as ProviderError.
func KindOf(err error) Kind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ProviderError
}

// FromOAuth classifies an OAuth error response (RFC 6749 section 4.1.2.1 and 5.2).
func FromOAuth(code, description string, cause error) *AuthError {
	k := ProviderError
	switch code {
	case "interaction_required", "login_required", "consent_required", "invalid_grant":
		k = InteractionRequired
	case "access_denied", "user_cancelled":
		k = UserCancelled
	}
	return &AuthError{Kind: k, Code: code, Description: description, Err: cause}
}

type verboser interface {
	Verbose() string
}

// Verbose prints the most verbose error that the error message has.
func Verbose(err error) string {
	build := err.Error()
	var v verboser
	if errors.As(err, &v) {
		build = v.Verbose()
	}
	return build
}

// CallErr represents an HTTP call error. Has a Verbose() method that allows getting the
// http.Request and Response objects. Implements error.
type CallErr struct {
	Req *http.Request
	// Resp contains response body
	Resp *http.Response
	Err  error
}

// Error implements error.Error().
func (e CallErr) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e CallErr) Unwrap() error {
	return e.Err
}

// Verbose prints a versbose error message with the request or response.
func (e CallErr) Verbose() string {
	if e.Resp != nil {
		e.Resp.Request = nil // This brings in a bunch of TLS crap we don't need
		e.Resp.TLS = nil     // Same
	}
	return fmt.Sprintf("%s:\nRequest:\n%s\nResponse:\n%s", e.Err, prettyConf.Sprint(e.Req), prettyConf.Sprint(e.Resp))
}
