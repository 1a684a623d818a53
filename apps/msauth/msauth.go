// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package msauth signs a single user in to an OAuth2/OIDC identity provider and keeps
their tokens. It decides per request whether a token can be served from the cache,
refreshed without UI, or needs an interactive popup or full-page redirect.

A redirect spans two page loads. The first Login call navigates the page away and
returns page.ErrUnloaded. On the page the identity provider redirects back to, the
first Login or AcquireTokenSilent call finishes the flow and returns its result,
whatever options it was called with:

	client, err := msauth.New(msauth.WithCache(medium))
	...
	pg, err := page.New(currentURL)
	...
	opts := msauth.LoginOptions{
		BaseOptions: msauth.BaseOptions{ClientID: clientID},
		Scopes:      []string{"User.Read"},
	}
	res, err := client.AcquireTokenSilent(ctx, pg, opts)
	if errors.Is(err, msauthErrors.ErrInteractionRequired) {
		res, err = client.Login(ctx, pg, opts)
	}
*/
package msauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/msauth/msauth-go/apps/cache"
	msauthErrors "github.com/msauth/msauth-go/apps/errors"
	"github.com/msauth/msauth-go/apps/internal/logger"
	"github.com/msauth/msauth-go/apps/internal/oauth"
	"github.com/msauth/msauth-go/apps/internal/provider"
	"github.com/msauth/msauth-go/apps/internal/session"
	"github.com/msauth/msauth-go/apps/internal/shared"
	"github.com/msauth/msauth-go/apps/page"
)

// AuthResult is the result of a successful token acquisition.
type AuthResult struct {
	AccessToken string   `json:"accessToken"`
	IDToken     string   `json:"idToken"`
	Scopes      []string `json:"scopes"`
}

func newAuthResult(accessToken, idToken string, scopes []string) AuthResult {
	return AuthResult{
		AccessToken: accessToken,
		IDToken:     idToken,
		Scopes:      append([]string(nil), scopes...),
	}
}

// Options configures the Client.
type Options struct {
	// Cache stores sessions. The default keeps them in memory, so a redirect only
	// completes within the same process.
	Cache cache.Medium
	// HTTPClient sends token requests. The default is http.DefaultClient.
	HTTPClient *http.Client
	// Logger receives the client's logs. By default nothing is logged.
	Logger *slog.Logger
	// PopupPort is the loopback port that receives popup redirects when the redirect
	// URI is not a loopback URL with a port. 0 picks a free port.
	PopupPort int
	// PendingTTL is how long an unanswered redirect blocks a new one.
	PendingTTL time.Duration
}

func (o Options) validate() error {
	if o.PopupPort < 0 || o.PopupPort > 65535 {
		return fmt.Errorf("msauth: popup port %d is out of range", o.PopupPort)
	}
	if o.PendingTTL < 0 {
		return fmt.Errorf("msauth: pending TTL %v is negative", o.PendingTTL)
	}
	return nil
}

// Option is an optional argument to New.
type Option func(o *Options)

// WithCache sets the medium sessions are stored in.
func WithCache(medium cache.Medium) Option {
	return func(o *Options) {
		o.Cache = medium
	}
}

// WithHTTPClient sets the HTTP client used for token requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithPopupPort sets the loopback port for popups.
func WithPopupPort(port int) Option {
	return func(o *Options) {
		o.PopupPort = port
	}
}

// WithPendingTTL sets how long an unanswered redirect blocks a new one.
func WithPendingTTL(d time.Duration) Option {
	return func(o *Options) {
		o.PendingTTL = d
	}
}

// tokenProvider is implemented by *provider.Client.
type tokenProvider interface {
	HandleRedirectReturn(ctx context.Context, pg *page.Page) (*provider.Result, error)
	AcquireSilent(ctx context.Context, scopes []string, account shared.Account) (provider.Result, error)
	AcquireInteractivePopup(ctx context.Context, pg *page.Page, req provider.Interactive) (provider.Result, error)
	AcquireInteractiveRedirect(ctx context.Context, pg *page.Page, req provider.Interactive) error
	ActiveAccount(ctx context.Context) (shared.Account, bool, error)
	SignOutRedirect(ctx context.Context, pg *page.Page) error
}

// requestContext is what one call resolved its options to.
type requestContext struct {
	clientID    string
	authority   oauth.Authority
	redirectURI string
	domainHint  string
}

// maxProviders bounds how many provider configurations a Client keeps. Past it, an
// arbitrary one is dropped and rebuilt on its next use; sessions live in the cache
// medium, so nothing but in-flight call sharing is lost.
const maxProviders = 64

type memo struct {
	p         tokenProvider
	partition string
}

// Client acquires tokens. It is safe for concurrent use. A Client keeps one provider
// per client ID, authority and redirect URI it has seen, up to maxProviders.
type Client struct {
	opts Options
	log  logger.LoggerInterface

	mu        sync.Mutex
	providers map[string]memo
	stores    map[string]*session.Store

	// newProvider builds the provider for a configuration seen for the first time.
	newProvider func(provider.Config) tokenProvider
}

// New is the constructor for Client.
func New(options ...Option) (*Client, error) {
	opts := Options{}
	for _, o := range options {
		o(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = shared.DefaultClient
	}
	return &Client{
		opts:      opts,
		log:       logger.New(opts.Logger),
		providers: map[string]memo{},
		stores:    map[string]*session.Store{},
		newProvider: func(cfg provider.Config) tokenProvider {
			return provider.New(cfg)
		},
	}, nil
}

// Login signs the user in interactively and returns their tokens.
//
// If pg is the page the identity provider redirected back to after an earlier
// redirect Login, that flow is finished and its result returned, regardless of opts.
// Otherwise a popup is used, or with Native set to false the page is navigated to the
// identity provider. The redirect flow never returns a result in the same page load:
// Login returns the page's unload cause, page.ErrUnloaded, once it has navigated.
func (c *Client) Login(ctx context.Context, pg *page.Page, opts LoginOptions) (AuthResult, error) {
	if err := prepare(&opts); err != nil {
		return AuthResult{}, err
	}
	rc, err := c.requestContext(ctx, pg, opts.BaseOptions)
	if err != nil {
		return AuthResult{}, err
	}
	p := c.provider(rc)

	if res, err := c.redirectReturn(ctx, p, pg); res != nil || err != nil {
		return c.settle(ctx, "login", res, err)
	}

	req := provider.Interactive{
		Scopes:     opts.Scopes,
		Prompt:     opts.prompt(),
		DomainHint: rc.domainHint,
		LoginHint:  opts.LoginHint,
	}
	if opts.native() {
		r, err := p.AcquireInteractivePopup(ctx, pg, req)
		if err != nil {
			return AuthResult{}, c.fail(ctx, "login", err)
		}
		return newAuthResult(r.AccessToken, r.IDToken, opts.Scopes), nil
	}

	if err := p.AcquireInteractiveRedirect(ctx, pg, req); err != nil {
		return AuthResult{}, c.fail(ctx, "login", err)
	}
	return AuthResult{}, awaitUnload(ctx, pg)
}

// AcquireTokenSilent returns a token for the signed in account from the cache, or by
// redeeming its refresh token. It never shows UI: when there is no account, or the
// identity provider needs the user, the error matches errors.ErrInteractionRequired
// and the caller decides whether to Login.
//
// Like Login, it first finishes a redirect that pg is the return leg of.
func (c *Client) AcquireTokenSilent(ctx context.Context, pg *page.Page, opts LoginOptions) (AuthResult, error) {
	if err := prepare(&opts); err != nil {
		return AuthResult{}, err
	}
	if len(opts.Scopes) == 0 {
		return AuthResult{}, errors.New("msauth: AcquireTokenSilent requires at least one scope")
	}
	rc, err := c.requestContext(ctx, pg, opts.BaseOptions)
	if err != nil {
		return AuthResult{}, err
	}
	p := c.provider(rc)

	if res, err := c.redirectReturn(ctx, p, pg); res != nil || err != nil {
		return c.settle(ctx, "acquire token silent", res, err)
	}

	account, ok, err := p.ActiveAccount(ctx)
	if err != nil {
		return AuthResult{}, c.fail(ctx, "acquire token silent", err)
	}
	if !ok {
		return AuthResult{}, c.fail(ctx, "acquire token silent", msauthErrors.New(msauthErrors.InteractionRequired, "no account is signed in", nil))
	}
	r, err := p.AcquireSilent(ctx, opts.Scopes, account)
	if err != nil {
		return AuthResult{}, c.fail(ctx, "acquire token silent", err)
	}
	return newAuthResult(r.AccessToken, r.IDToken, opts.Scopes), nil
}

// Logout signs the active account out: its tokens are removed and the page is
// navigated to the identity provider's end-session endpoint. Like a redirect Login it
// returns page.ErrUnloaded once the page has navigated. Without an active account the
// error matches errors.ErrNoActiveSession.
func (c *Client) Logout(ctx context.Context, pg *page.Page, opts LogoutOptions) error {
	if err := prepare(&opts); err != nil {
		return err
	}
	rc, err := c.requestContext(ctx, pg, opts.BaseOptions)
	if err != nil {
		return err
	}
	p := c.provider(rc)

	_, ok, err := p.ActiveAccount(ctx)
	if err != nil {
		return c.fail(ctx, "logout", err)
	}
	if !ok {
		return c.fail(ctx, "logout", msauthErrors.New(msauthErrors.NoActiveSession, "no account is signed in", nil))
	}
	if err := p.SignOutRedirect(ctx, pg); err != nil {
		return c.fail(ctx, "logout", err)
	}
	return awaitUnload(ctx, pg)
}

// LogoutAll is Logout: a Client tracks a single account.
func (c *Client) LogoutAll(ctx context.Context, pg *page.Page, opts LogoutOptions) error {
	return c.Logout(ctx, pg, opts)
}

// redirectReturn finishes a redirect flow if pg is its return leg.
func (c *Client) redirectReturn(ctx context.Context, p tokenProvider, pg *page.Page) (*AuthResult, error) {
	r, err := p.HandleRedirectReturn(ctx, pg)
	if err != nil || r == nil {
		return nil, err
	}
	res := newAuthResult(r.AccessToken, r.IDToken, r.Scopes)
	return &res, nil
}

func (c *Client) settle(ctx context.Context, op string, res *AuthResult, err error) (AuthResult, error) {
	if err != nil {
		return AuthResult{}, c.fail(ctx, op, err)
	}
	c.log.Log(ctx, logger.Info, op+" completed a redirect sign in")
	return *res, nil
}

// fail logs err and returns it unchanged.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	c.log.Log(ctx, logger.Err, op+" failed",
		logger.Field("kind", msauthErrors.KindOf(err).String()),
		logger.Field("error", err.Error()),
	)
	return err
}

// awaitUnload blocks until pg has navigated away or ctx is done.
func awaitUnload(ctx context.Context, pg *page.Page) error {
	select {
	case <-pg.Context().Done():
		return context.Cause(pg.Context())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) requestContext(ctx context.Context, pg *page.Page, o BaseOptions) (requestContext, error) {
	a, err := oauth.NewAuthority(o.AuthorityURL, o.Tenant, o.AuthorityType, o.KnownAuthorities)
	if err != nil {
		return requestContext{}, fmt.Errorf("msauth: %w", err)
	}
	redirectURI := pg.BaseURL()
	if o.RedirectURI != "" {
		u, err := url.Parse(o.RedirectURI)
		if err != nil {
			return requestContext{}, fmt.Errorf("msauth: redirect URI %q could not be parsed: %w", o.RedirectURI, err)
		}
		redirectURI = page.StripURL(u)
	}
	if o.KeyHash != "" || o.BrokerRedirectURIRegistered {
		c.log.Log(ctx, logger.Debug, "broker settings are ignored by web flows",
			logger.Field("key_hash_set", o.KeyHash != ""),
			logger.Field("broker_redirect_uri_registered", o.BrokerRedirectURIRegistered),
		)
	}
	return requestContext{
		clientID:    o.ClientID,
		authority:   a,
		redirectURI: redirectURI,
		domainHint:  o.DomainHint,
	}, nil
}

// provider returns the provider for rc, building it on first use. Providers that share
// a client ID and authority share one session.
func (c *Client) provider(rc requestContext) tokenProvider {
	partition := rc.clientID + "|" + rc.authority.Canonical
	key := partition + "|" + rc.redirectURI

	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.providers[key]; ok {
		return m.p
	}
	if len(c.providers) >= maxProviders {
		c.evict()
	}
	store, ok := c.stores[partition]
	if !ok {
		store = session.New(c.opts.Cache, partition)
		c.stores[partition] = store
	}
	p := c.newProvider(provider.Config{
		ClientID:    rc.clientID,
		Authority:   rc.authority,
		RedirectURI: rc.redirectURI,
		HTTP:        c.opts.HTTPClient,
		Store:       store,
		Logger:      c.log,
		PopupPort:   c.opts.PopupPort,
		PendingTTL:  c.opts.PendingTTL,
	})
	c.providers[key] = memo{p: p, partition: partition}
	return p
}

// evict drops one provider, and its session store if no other provider shares it.
// Must hold c.mu.
func (c *Client) evict() {
	var gone memo
	for k, m := range c.providers {
		delete(c.providers, k)
		gone = m
		break
	}
	for _, m := range c.providers {
		if m.partition == gone.partition {
			return
		}
	}
	delete(c.stores, gone.partition)
}
