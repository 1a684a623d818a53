// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package provider performs token acquisitions for one application, authority and
// redirect URI. It owns the single-flight guards, the PKCE state of interactive flows and
// every write to the session store.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	msauthErrors "github.com/msauth/msauth-go/apps/errors"
	internalTime "github.com/msauth/msauth-go/apps/internal/json/types/time"
	"github.com/msauth/msauth-go/apps/internal/local"
	"github.com/msauth/msauth-go/apps/internal/logger"
	"github.com/msauth/msauth-go/apps/internal/oauth"
	"github.com/msauth/msauth-go/apps/internal/session"
	"github.com/msauth/msauth-go/apps/internal/shared"
	"github.com/msauth/msauth-go/apps/page"
	"golang.org/x/oauth2"
)

// DefaultPendingTTL is how long an interactive redirect may stay unanswered before a
// new one is allowed.
const DefaultPendingTTL = 10 * time.Minute

// silentTimeout bounds a shared silent acquisition once its callers' own deadlines no
// longer apply.
const silentTimeout = time.Minute

// now allows faking the clock in tests.
var now = time.Now

// Config describes one provider client.
type Config struct {
	ClientID    string
	Authority   oauth.Authority
	RedirectURI string
	HTTP        *http.Client
	Store       *session.Store
	Logger      logger.LoggerInterface
	// PopupPort is the loopback port for popups when RedirectURI is not a loopback URL
	// with a port. 0 picks a free port.
	PopupPort int
	// PendingTTL defaults to DefaultPendingTTL. It also bounds how long a popup waits
	// for the user.
	PendingTTL time.Duration
}

// Interactive describes an interactive sign-in.
type Interactive struct {
	Scopes     []string
	Prompt     string
	DomainHint string
	LoginHint  string
}

func (r Interactive) key() string {
	return r.Prompt + "|" + r.DomainHint + "|" + r.LoginHint + "|" + scopeKey(r.Scopes)
}

// Result is a successful token acquisition.
type Result struct {
	AccessToken string
	IDToken     string
	// Scopes are the granted scopes, without the reserved OIDC scopes.
	Scopes    []string
	Account   shared.Account
	ExpiresOn time.Time
}

// Client is a provider client. It is safe for concurrent use.
type Client struct {
	cfg    Config
	oauth  oauth.Client
	store  *session.Store
	log    logger.LoggerInterface
	flight flights
}

// New is the constructor for Client.
func New(cfg Config) *Client {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New(nil)
	}
	if cfg.Store == nil {
		cfg.Store = session.New(nil, cfg.ClientID+"|"+cfg.Authority.Canonical)
	}
	return &Client{
		cfg: cfg,
		oauth: oauth.Client{
			ClientID:    cfg.ClientID,
			Authority:   cfg.Authority,
			RedirectURI: cfg.RedirectURI,
			HTTP:        cfg.HTTP,
		},
		store: cfg.Store,
		log:   cfg.Logger,
	}
}

// ActiveAccount returns the signed in account, if any.
func (c *Client) ActiveAccount(ctx context.Context) (shared.Account, bool, error) {
	return c.store.ActiveAccount(ctx)
}

// HandleRedirectReturn finishes an interactive redirect if pg is the page the authority
// redirected back to. It returns a nil Result and a nil error when pg carries no
// response for this client. The response is claimed only by the client that has it
// pending, so other clients on the same page leave it for its owner; once claimed it is
// never handled again.
func (c *Client) HandleRedirectReturn(ctx context.Context, pg *page.Page) (*Result, error) {
	resp, ok := pg.RedirectResponse()
	if !ok {
		return nil, nil
	}
	p, ok, err := c.store.TakePending(ctx, resp.State, c.cfg.RedirectURI)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.log.Log(ctx, logger.Debug, "page carries an authorization response that is not pending here", logger.Field("redirect_uri", c.cfg.RedirectURI))
		return nil, nil
	}
	if !pg.Claim(resp.State) {
		c.log.Log(ctx, logger.Debug, "authorization response was already claimed", logger.Field("correlation_id", p.CorrelationID))
		return nil, nil
	}
	log := []any{logger.Field("correlation_id", p.CorrelationID)}

	if !p.Live(now(), c.cfg.PendingTTL) {
		c.log.Log(ctx, logger.Warn, "authorization response arrived after the pending redirect expired", log...)
		return nil, msauthErrors.New(msauthErrors.InteractionRequired, "the interactive redirect expired before the authority answered", nil)
	}
	if resp.Error != "" {
		return nil, msauthErrors.FromOAuth(resp.Error, resp.ErrorDescription, nil)
	}

	oc := c.oauth
	oc.RedirectURI = p.RedirectURI
	tr, err := oc.ExchangeCode(ctx, resp.Code, p.Verifier, p.Scopes)
	if err != nil {
		return nil, err
	}
	res, err := c.write(ctx, tr, shared.Account{}, p.Scopes)
	if err != nil {
		return nil, err
	}
	c.log.Log(ctx, logger.Info, "interactive redirect completed", log...)
	return &res, nil
}

// AcquireSilent returns a cached access token for account covering scopes, or redeems
// the cached refresh token for one. It never shows UI: anything that would need the user
// fails with an InteractionRequired error. Concurrent calls for the same account and
// scope set share one round trip.
func (c *Client) AcquireSilent(ctx context.Context, scopes []string, account shared.Account) (Result, error) {
	if account.IsZero() {
		return Result{}, msauthErrors.New(msauthErrors.InteractionRequired, "no account is signed in", nil)
	}
	return c.flight.do(ctx, "silent|"+account.Key()+"|"+scopeKey(scopes), silentTimeout, func(ctx context.Context) (Result, error) {
		return c.silent(ctx, scopes, account)
	})
}

func (c *Client) silent(ctx context.Context, scopes []string, account shared.Account) (Result, error) {
	tokens, err := c.store.Read(ctx, c.cfg.ClientID, scopes, account)
	if err != nil {
		return Result{}, err
	}
	if tokens.Account.IsZero() {
		return Result{}, msauthErrors.New(msauthErrors.InteractionRequired, "account is not signed in to this session", nil)
	}
	if at := tokens.AccessToken; at.Secret != "" {
		c.log.Log(ctx, logger.Debug, "serving access token from cache")
		return Result{
			AccessToken: at.Secret,
			IDToken:     tokens.IDToken.Secret,
			Scopes:      visibleScopes(strings.Fields(at.Scopes), scopes),
			Account:     tokens.Account,
			ExpiresOn:   at.ExpiresOn.T,
		}, nil
	}
	if tokens.RefreshToken.Secret == "" {
		return Result{}, msauthErrors.New(msauthErrors.InteractionRequired, "no valid access token or refresh token is cached", nil)
	}

	c.log.Log(ctx, logger.Debug, "redeeming refresh token")
	tr, err := c.oauth.Refresh(ctx, tokens.RefreshToken.Secret, scopes)
	if err != nil {
		return Result{}, err
	}
	if tr.IDToken.IsZero() && tokens.IDToken.Secret != "" {
		tr.IDToken.RawToken = tokens.IDToken.Secret
	}
	return c.write(ctx, tr, tokens.Account, scopes)
}

// AcquireInteractivePopup signs the user in through a popup whose redirect is received
// by a loopback server. Concurrent identical popups share one surface, shown on the
// page of the first caller. A popup the user leaves unanswered for PendingTTL fails as
// cancelled.
func (c *Client) AcquireInteractivePopup(ctx context.Context, pg *page.Page, req Interactive) (Result, error) {
	return c.flight.do(ctx, "popup|"+req.key(), c.cfg.PendingTTL, func(ctx context.Context) (Result, error) {
		return c.popup(ctx, pg, req)
	})
}

func (c *Client) popup(ctx context.Context, pg *page.Page, req Interactive) (Result, error) {
	state := uuid.NewString()
	correlationID := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	port, redirectURI := c.loopback()
	srv, err := local.Listen(ctx, state, port)
	if err != nil {
		return Result{}, msauthErrors.New(msauthErrors.ProviderError, "could not start the local redirect server", err)
	}
	defer srv.Close()
	if redirectURI == "" {
		redirectURI = srv.Addr
	}

	oc := c.oauth
	oc.RedirectURI = redirectURI
	authURL := oc.AuthCodeURL(oauth.AuthCodeRequest{
		Scopes:        req.Scopes,
		State:         state,
		Verifier:      verifier,
		Prompt:        req.Prompt,
		DomainHint:    req.DomainHint,
		LoginHint:     req.LoginHint,
		CorrelationID: correlationID,
	})
	log := []any{logger.Field("correlation_id", correlationID)}
	c.log.Log(ctx, logger.Info, "opening interactive popup", log...)

	if err := pg.OpenPopup(ctx, authURL); err != nil {
		return Result{}, msauthErrors.New(msauthErrors.PopupBlocked, "the sign-in popup could not be opened", err)
	}
	res := srv.Result(ctx)
	if errors.Is(res.Err, context.DeadlineExceeded) {
		return Result{}, msauthErrors.New(msauthErrors.UserCancelled, "the sign-in popup was not completed in time", res.Err)
	}
	if res.Err != nil {
		return Result{}, res.Err
	}
	tr, err := oc.ExchangeCode(ctx, res.Code, verifier, req.Scopes)
	if err != nil {
		return Result{}, err
	}
	c.log.Log(ctx, logger.Info, "interactive popup completed", log...)
	return c.write(ctx, tr, shared.Account{}, req.Scopes)
}

// loopback picks where the popup's redirect is received. A loopback redirect URI with an
// explicit port is used as is; otherwise the server's own address is.
func (c *Client) loopback() (int, string) {
	u, err := url.Parse(c.cfg.RedirectURI)
	if err == nil && u.Scheme == "http" && isLoopback(u.Hostname()) && u.Port() != "" {
		if p, err := strconv.Atoi(u.Port()); err == nil {
			return p, c.cfg.RedirectURI
		}
	}
	return c.cfg.PopupPort, ""
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// AcquireInteractiveRedirect persists a pending redirect and navigates pg to the
// authority. The result is delivered by HandleRedirectReturn on the page the authority
// redirects back to. A second redirect is refused while one is live.
func (c *Client) AcquireInteractiveRedirect(ctx context.Context, pg *page.Page, req Interactive) error {
	p := session.PendingRedirect{
		State:         uuid.NewString(),
		CorrelationID: uuid.NewString(),
		Verifier:      oauth2.GenerateVerifier(),
		Scopes:        append([]string(nil), req.Scopes...),
		Prompt:        req.Prompt,
		RedirectURI:   c.cfg.RedirectURI,
		Authority:     c.cfg.Authority.Canonical,
		ClientID:      c.cfg.ClientID,
		CreatedAt:     internalTime.Unix{T: now().UTC()},
	}
	err := c.store.PutPending(ctx, p, c.cfg.PendingTTL)
	if errors.Is(err, session.ErrPendingExists) {
		return c.inFlight(ctx)
	}
	if err != nil {
		return err
	}

	authURL := c.oauth.AuthCodeURL(oauth.AuthCodeRequest{
		Scopes:        req.Scopes,
		State:         p.State,
		Verifier:      p.Verifier,
		Prompt:        req.Prompt,
		DomainHint:    req.DomainHint,
		LoginHint:     req.LoginHint,
		CorrelationID: p.CorrelationID,
	})
	c.log.Log(ctx, logger.Info, "starting interactive redirect", logger.Field("correlation_id", p.CorrelationID))
	if err := pg.Navigate(ctx, authURL); err != nil {
		if _, _, rmErr := c.store.TakePending(ctx, p.State, ""); rmErr != nil {
			c.log.Log(ctx, logger.Warn, "could not remove pending redirect after failed navigation", logger.Field("error", rmErr))
		}
		return msauthErrors.New(msauthErrors.ProviderError, "could not navigate to the authority", err)
	}
	return nil
}

// inFlight is the error for a redirect refused because another one is live.
func (c *Client) inFlight(ctx context.Context) error {
	const msg = "an interactive redirect is already in progress"
	p, ok, err := c.store.LivePending(ctx, c.cfg.PendingTTL)
	if err != nil || !ok {
		return msauthErrors.New(msauthErrors.RedirectInFlight, msg, err)
	}
	left := p.CreatedAt.T.Add(c.cfg.PendingTTL).Sub(now()).Round(time.Second)
	c.log.Log(ctx, logger.Warn, "refusing a second interactive redirect", logger.Field("correlation_id", p.CorrelationID))
	return msauthErrors.New(msauthErrors.RedirectInFlight, fmt.Sprintf("%s (correlation id %s, expires in %v)", msg, p.CorrelationID, left), nil)
}

// SignOutRedirect clears the active account and its tokens, then navigates pg to the
// authority's end-session endpoint.
func (c *Client) SignOutRedirect(ctx context.Context, pg *page.Page) error {
	acc, ok, err := c.store.RemoveAccount(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return msauthErrors.New(msauthErrors.NoActiveSession, "no account is signed in", nil)
	}
	logoutURL := c.oauth.LogoutURL(c.cfg.RedirectURI, acc.PreferredUsername)
	c.log.Log(ctx, logger.Info, "signing out", logger.Field("environment", acc.Environment))
	if err := pg.Navigate(ctx, logoutURL); err != nil {
		return msauthErrors.New(msauthErrors.ProviderError, "could not navigate to the end-session endpoint", err)
	}
	return nil
}

// write caches tr. A zero account means tr describes the account itself.
func (c *Client) write(ctx context.Context, tr oauth.TokenResponse, account shared.Account, requested []string) (Result, error) {
	if account.IsZero() {
		account = tr.Account(c.cfg.Authority)
	}
	if account.HomeAccountID == "" {
		return Result{}, msauthErrors.New(msauthErrors.ProviderError, "token response does not identify an account", nil)
	}
	acc, err := c.store.Write(ctx, session.Entry{
		Account:      account,
		ClientID:     c.cfg.ClientID,
		AccessToken:  tr.AccessToken,
		ExpiresOn:    tr.ExpiresOn,
		Scopes:       tr.GrantedScopes,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken.RawToken,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		AccessToken: tr.AccessToken,
		IDToken:     tr.IDToken.RawToken,
		Scopes:      visibleScopes(tr.GrantedScopes, requested),
		Account:     acc,
		ExpiresOn:   tr.ExpiresOn,
	}, nil
}

// visibleScopes drops the reserved scopes from granted. If nothing is left, requested
// is returned.
func visibleScopes(granted, requested []string) []string {
	out := make([]string, 0, len(granted))
	for _, s := range granted {
		if !shared.IsReservedScope(s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return append(out, requested...)
	}
	return out
}

// scopeKey identifies a scope set regardless of order or case.
func scopeKey(scopes []string) string {
	s := make([]string, 0, len(scopes))
	for _, v := range scopes {
		s = append(s, strings.ToLower(v))
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

func (r Result) clone() Result {
	r.Scopes = append([]string(nil), r.Scopes...)
	return r
}
