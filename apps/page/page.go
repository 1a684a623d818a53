// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package page models one load of the application surface that msauth acts on behalf of.

A Page knows the URL it was loaded at, can navigate away (which unloads it) and can open
a transient popup surface. A full-page redirect sign-in therefore spans two Pages: the
first persists its state and navigates to the authority, the second is created at the
redirect URI with the authority's response in its URL.

	first, _ := page.New("https://app.example.com/")
	// ... client.Login(ctx, first, opts) navigates and returns page.ErrUnloaded

	second, _ := page.New("https://app.example.com/?state=...&code=...")
	res, err := client.Login(ctx, second, opts) // completes the sign-in

By default both navigation and popups open the system browser.
*/
package page

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/browser"
)

// ErrUnloaded is the cause of a Page's Context once the page has navigated away.
var ErrUnloaded = errors.New("page: navigated away")

// openURL allows faking the browser in tests.
var openURL = browser.OpenURL

// Navigator replaces the page with the document at url.
type Navigator func(ctx context.Context, url string) error

// PopupOpener shows url in a transient surface that does not replace the page. It
// returns an error if the surface could not be shown.
type PopupOpener func(ctx context.Context, url string) error

func systemBrowser(_ context.Context, u string) error {
	return openURL(u)
}

// Option configures a Page.
type Option func(p *Page)

// WithNavigator sets how the page navigates. The default opens the system browser.
func WithNavigator(n Navigator) Option {
	return func(p *Page) {
		if n != nil {
			p.navigate = n
		}
	}
}

// WithPopupOpener sets how the page opens popups. The default opens the system browser.
func WithPopupOpener(o PopupOpener) Option {
	return func(p *Page) {
		if o != nil {
			p.openPopup = o
		}
	}
}

// RedirectResponse is an authorization response carried in a page's URL.
type RedirectResponse struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// Page is a single load of the application. It is safe for concurrent use.
type Page struct {
	url       *url.URL
	navigate  Navigator
	openPopup PopupOpener

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	claimed     bool
	navigating  bool
	navigatedTo string
}

// New loads a page at rawURL, which must be absolute.
func New(rawURL string, options ...Option) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("page URL %q could not be parsed: %w", rawURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("page URL %q must be absolute", rawURL)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	p := &Page{
		url:       u,
		navigate:  systemBrowser,
		openPopup: systemBrowser,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range options {
		o(p)
	}
	return p, nil
}

// URL returns a copy of the URL the page was loaded at.
func (p *Page) URL() *url.URL {
	u := *p.url
	return &u
}

// BaseURL is the page URL without its query string or fragment.
func (p *Page) BaseURL() string {
	return StripURL(p.url)
}

// StripURL returns u without its query string or fragment.
func StripURL(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.ForceQuery = false
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

// Context is done once the page has navigated away; context.Cause then returns ErrUnloaded.
func (p *Page) Context() context.Context {
	return p.ctx
}

// Unloaded reports whether the page has navigated away.
func (p *Page) Unloaded() bool {
	return p.ctx.Err() != nil
}

// NavigatedTo is the URL the page navigated to, or "" while it is still loaded.
func (p *Page) NavigatedTo() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navigatedTo
}

// Navigate leaves the page for u. On success the page is unloaded. Navigating an
// unloaded page, or one that is already navigating, fails with ErrUnloaded. The
// navigator runs without the page lock held, so it may call back into the page.
func (p *Page) Navigate(ctx context.Context, u string) error {
	p.mu.Lock()
	if p.ctx.Err() != nil || p.navigating {
		p.mu.Unlock()
		return ErrUnloaded
	}
	p.navigating = true
	p.mu.Unlock()

	err := p.navigate(ctx, u)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigating = false
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", redact(u), err)
	}
	p.navigatedTo = u
	p.cancel(ErrUnloaded)
	return nil
}

// OpenPopup shows u in a popup surface. The page stays loaded.
func (p *Page) OpenPopup(ctx context.Context, u string) error {
	if p.Unloaded() {
		return ErrUnloaded
	}
	return p.openPopup(ctx, u)
}

// RedirectResponse returns the authorization response in the page URL without
// claiming it. The query string is checked first, then the fragment. Once the response
// has been claimed, it reports false.
func (p *Page) RedirectResponse() (RedirectResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.claimed {
		return RedirectResponse{}, false
	}
	return p.response()
}

// Claim marks the response carrying state as handled. It reports false if the page
// carries no response for state or the response was already claimed, so a response
// is claimed at most once per page.
func (p *Page) Claim(state string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.claimed {
		return false
	}
	r, ok := p.response()
	if !ok || r.State != state {
		return false
	}
	p.claimed = true
	return true
}

func (p *Page) response() (RedirectResponse, bool) {
	r, ok := parseResponse(p.url.Query())
	if !ok && p.url.Fragment != "" {
		if v, err := url.ParseQuery(p.url.Fragment); err == nil {
			r, ok = parseResponse(v)
		}
	}
	return r, ok
}

func parseResponse(v url.Values) (RedirectResponse, bool) {
	r := RedirectResponse{
		State:            v.Get("state"),
		Code:             v.Get("code"),
		Error:            v.Get("error"),
		ErrorDescription: v.Get("error_description"),
	}
	if r.State == "" || (r.Code == "" && r.Error == "") {
		return RedirectResponse{}, false
	}
	return r, true
}

// redact drops the query string so URLs carrying state or hints stay out of errors.
func redact(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
