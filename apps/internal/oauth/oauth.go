// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package oauth speaks the OAuth 2.0 authorization code flow with PKCE (RFC 6749,
// RFC 7636) to a Microsoft identity platform authority. Building authorize URLs and
// exchanging codes is done with golang.org/x/oauth2; refresh token grants are sent
// directly because the requested scope has to travel with them.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	msauthErrors "github.com/msauth/msauth-go/apps/errors"
	internalTime "github.com/msauth/msauth-go/apps/internal/json/types/time"
	"github.com/msauth/msauth-go/apps/internal/shared"
	"golang.org/x/oauth2"
)

// AppendDefaultScopes returns scopes plus the reserved OIDC scopes, without duplicates.
func AppendDefaultScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes)+3)
	for _, s := range scopes {
		if s == "" || shared.IsReservedScope(s) {
			continue
		}
		out = append(out, s)
	}
	return append(out, strings.Fields(shared.ReservedScopes)...)
}

// Client talks to the endpoints of one authority on behalf of one application.
type Client struct {
	ClientID    string
	Authority   Authority
	RedirectURI string
	// HTTP is used for every call to the token endpoint. Defaults to shared.DefaultClient.
	HTTP *http.Client
}

func (c Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return shared.DefaultClient
	}
	return c.HTTP
}

func (c Client) config(scopes []string) *oauth2.Config {
	ep := c.Authority.Endpoints()
	return &oauth2.Config{
		ClientID: c.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.Authorize,
			TokenURL:  ep.Token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: c.RedirectURI,
		Scopes:      AppendDefaultScopes(scopes),
	}
}

// AuthCodeRequest describes one authorization request.
type AuthCodeRequest struct {
	Scopes   []string
	State    string
	Verifier string
	// Prompt is sent as is when not empty ("select_account", "login", ...).
	Prompt        string
	DomainHint    string
	// LoginHint prefills the username on the sign-in page.
	LoginHint     string
	CorrelationID string
}

// AuthCodeURL returns the URL of the authorization endpoint to send the user to.
func (c Client) AuthCodeURL(r AuthCodeRequest) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(r.Verifier),
		oauth2.SetAuthURLParam("client_info", "1"),
		oauth2.SetAuthURLParam("response_mode", "query"),
	}
	if r.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", r.Prompt))
	}
	if r.DomainHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("domain_hint", r.DomainHint))
	}
	if r.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", r.LoginHint))
	}
	if r.CorrelationID != "" {
		opts = append(opts, oauth2.SetAuthURLParam("client-request-id", r.CorrelationID))
	}
	return c.config(r.Scopes).AuthCodeURL(r.State, opts...)
}

// ExchangeCode redeems an authorization code using the PKCE verifier it was requested with.
func (c Client) ExchangeCode(ctx context.Context, code, verifier string, scopes []string) (TokenResponse, error) {
	conf := c.config(scopes)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient())

	tok, err := conf.Exchange(ctx, code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("scope", strings.Join(conf.Scopes, " ")),
		oauth2.SetAuthURLParam("client_info", "1"),
	)
	if err != nil {
		return TokenResponse{}, exchangeErr(err)
	}
	tr, err := newTokenResponse(
		tok.AccessToken,
		tok.RefreshToken,
		extra(tok, "id_token"),
		extra(tok, "client_info"),
		extra(tok, "scope"),
		tok.Expiry,
		scopes,
	)
	if err != nil {
		return TokenResponse{}, msauthErrors.New(msauthErrors.ProviderError, "token response is incomplete", err)
	}
	return tr, nil
}

func extra(tok *oauth2.Token, key string) string {
	s, _ := tok.Extra(key).(string)
	return s
}

func exchangeErr(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code, desc := re.ErrorCode, re.ErrorDescription
		if code == "" && re.Response != nil {
			code = fmt.Sprintf("http_%d", re.Response.StatusCode)
		}
		return msauthErrors.FromOAuth(code, desc, msauthErrors.CallErr{Resp: re.Response, Err: err})
	}
	return msauthErrors.New(msauthErrors.ProviderError, "token request failed", err)
}

// refreshResponse is the body of a token endpoint response.
type refreshResponse struct {
	AccessToken      string                    `json:"access_token"`
	RefreshToken     string                    `json:"refresh_token"`
	IDToken          string                    `json:"id_token"`
	ClientInfo       string                    `json:"client_info"`
	Scope            string                    `json:"scope"`
	ExpiresIn        internalTime.DurationTime `json:"expires_in"`
	Error            string                    `json:"error"`
	ErrorDescription string                    `json:"error_description"`
}

// Refresh redeems a refresh token for an access token covering scopes.
func (c Client) Refresh(ctx context.Context, refreshToken string, scopes []string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.ClientID)
	form.Set("refresh_token", refreshToken)
	form.Set("scope", strings.Join(AppendDefaultScopes(scopes), " "))
	form.Set("client_info", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Authority.Endpoints().Token, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, msauthErrors.New(msauthErrors.ProviderError, "could not build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return TokenResponse{}, msauthErrors.New(msauthErrors.ProviderError, "refresh request failed", msauthErrors.CallErr{Req: req, Err: err})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResponse{}, msauthErrors.New(msauthErrors.ProviderError, "could not read refresh response", msauthErrors.CallErr{Req: req, Resp: resp, Err: err})
	}
	payload := refreshResponse{}
	jsonErr := json.Unmarshal(data, &payload)

	if resp.StatusCode != http.StatusOK || payload.Error != "" {
		callErr := msauthErrors.CallErr{Req: req, Resp: resp, Err: fmt.Errorf("http call(%s)(%s) error: reply status code was %d:\n%s", req.URL.String(), req.Method, resp.StatusCode, data)}
		if payload.Error == "" {
			return TokenResponse{}, msauthErrors.New(msauthErrors.ProviderError, "refresh request failed", callErr)
		}
		return TokenResponse{}, msauthErrors.FromOAuth(payload.Error, payload.ErrorDescription, callErr)
	}
	if jsonErr != nil {
		return TokenResponse{}, msauthErrors.New(msauthErrors.ProviderError, "refresh response is not valid JSON", jsonErr)
	}

	expiresOn := payload.ExpiresIn.T
	if expiresOn.IsZero() {
		expiresOn = time.Now()
	}
	tr, err := newTokenResponse(payload.AccessToken, payload.RefreshToken, payload.IDToken, payload.ClientInfo, payload.Scope, expiresOn, scopes)
	if err != nil {
		return TokenResponse{}, msauthErrors.New(msauthErrors.ProviderError, "refresh response is incomplete", err)
	}
	return tr, nil
}

// LogoutURL returns the end-session URL of the authority.
func (c Client) LogoutURL(postLogoutRedirectURI, logoutHint string) string {
	v := url.Values{}
	if postLogoutRedirectURI != "" {
		v.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	if logoutHint != "" {
		v.Set("logout_hint", logoutHint)
	}
	u := c.Authority.Endpoints().Logout
	if len(v) == 0 {
		return u
	}
	return u + "?" + v.Encode()
}
