// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package oauth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/msauth/msauth-go/apps/internal/shared"
)

// ClientInfo is used to create a Home Account ID for an account.
type ClientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

// HomeAccountID returns "uid.utid", or "" if either half is missing.
func (c ClientInfo) HomeAccountID() string {
	if c.UID == "" || c.UTID == "" {
		return ""
	}
	return c.UID + "." + c.UTID
}

// DecodeClientInfo decodes the base64url JSON document the token endpoint returns as
// client_info.
func DecodeClientInfo(raw string) (ClientInfo, error) {
	ci := ClientInfo{}
	if raw == "" {
		return ci, nil
	}
	b, err := decodeSegment(raw)
	if err != nil {
		return ci, fmt.Errorf("client_info could not be decoded: %w", err)
	}
	if err := json.Unmarshal(b, &ci); err != nil {
		return ci, fmt.Errorf("client_info is not valid JSON: %w", err)
	}
	return ci, nil
}

// decodeSegment accepts both base64url and standard encodings, padded or not.
func decodeSegment(data string) ([]byte, error) {
	data = strings.TrimRight(data, "=")
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(data)
}

// IDToken consists of all the information used to identify a user.
// https://learn.microsoft.com/entra/identity-platform/id-tokens
type IDToken struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	Oid               string `json:"oid,omitempty"`
	TenantID          string `json:"tid,omitempty"`
	Email             string `json:"email,omitempty"`
	jwt.RegisteredClaims

	RawToken string `json:"-"`
}

// NewIDToken reads the claims of an ID token. The signature is not checked: the token
// came straight from the token endpoint over TLS and is only used to describe the
// account.
func NewIDToken(raw string) (IDToken, error) {
	idt := IDToken{}
	if raw == "" {
		return idt, errors.New("id token is empty")
	}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &idt); err != nil {
		return IDToken{}, fmt.Errorf("id token returned from server is invalid: %w", err)
	}
	idt.RawToken = raw
	return idt, nil
}

// IsZero indicates if the IDToken is the zero value.
func (i IDToken) IsZero() bool {
	return i.RawToken == ""
}

// LocalAccountID extracts an account's local account ID from an ID token.
func (i IDToken) LocalAccountID() string {
	if i.Oid != "" {
		return i.Oid
	}
	return i.Subject
}

// Username is the best display name for the signed in user.
func (i IDToken) Username() string {
	if i.PreferredUsername != "" {
		return i.PreferredUsername
	}
	return i.Email
}

// TokenResponse is the information that is returned from a token endpoint during a
// token acquisition flow.
type TokenResponse struct {
	AccessToken   string
	RefreshToken  string
	IDToken       IDToken
	GrantedScopes []string
	ExpiresOn     time.Time
	RawClientInfo string
	ClientInfo    ClientInfo
}

// newTokenResponse assembles a TokenResponse. When the server does not echo scope,
// every requested scope is treated as granted (RFC 6749 section 3.3).
func newTokenResponse(accessToken, refreshToken, idToken, rawClientInfo, scope string, expiresOn time.Time, requested []string) (TokenResponse, error) {
	if accessToken == "" {
		return TokenResponse{}, errors.New("response is missing access_token")
	}
	clientInfo, err := DecodeClientInfo(rawClientInfo)
	if err != nil {
		return TokenResponse{}, err
	}
	granted := strings.Fields(scope)
	if len(granted) == 0 {
		granted = append([]string(nil), requested...)
	}
	// ID tokens aren't always returned, which is not a reportable error condition.
	idt, _ := NewIDToken(idToken)

	return TokenResponse{
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		IDToken:       idt,
		GrantedScopes: granted,
		ExpiresOn:     expiresOn,
		RawClientInfo: rawClientInfo,
		ClientInfo:    clientInfo,
	}, nil
}

// HomeAccountID is the stable identifier of the account the tokens belong to.
func (tr TokenResponse) HomeAccountID() string {
	if id := tr.ClientInfo.HomeAccountID(); id != "" {
		return id
	}
	local := tr.IDToken.LocalAccountID()
	if local != "" && tr.IDToken.TenantID != "" {
		return local + "." + tr.IDToken.TenantID
	}
	return local
}

// Account builds the account described by tr under authority a.
func (tr TokenResponse) Account(a Authority) shared.Account {
	realm := tr.IDToken.TenantID
	if realm == "" {
		realm = a.Tenant
	}
	acc := shared.NewAccount(
		tr.HomeAccountID(),
		a.Host,
		realm,
		tr.IDToken.LocalAccountID(),
		a.accountType(),
		tr.IDToken.Username(),
	)
	acc.Name = tr.IDToken.Name
	acc.RawClientInfo = tr.RawClientInfo
	return acc
}
