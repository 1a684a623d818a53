// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/msauth/msauth-go/apps/cache"
	msauthErrors "github.com/msauth/msauth-go/apps/errors"
	"github.com/msauth/msauth-go/apps/internal/mock"
	"github.com/msauth/msauth-go/apps/internal/oauth"
	"github.com/msauth/msauth-go/apps/internal/session"
	"github.com/msauth/msauth-go/apps/internal/shared"
	"github.com/msauth/msauth-go/apps/page"
)

const (
	testClientID = "client"
	appURL       = "https://app.example.com/"
)

var (
	testIDToken    = mock.GetIDToken("utid", "issuer", "uid", "alice@contoso.com")
	testClientInfo = mock.GetClientInfo("uid", "utid")
)

func tokenBody(at, rt string, expiresIn int) []byte {
	return mock.GetAccessTokenBody(at, testIDToken, rt, testClientInfo, expiresIn, "User.Read openid profile offline_access")
}

func newTestClient(t *testing.T, mc *mock.Client, redirectURI string) *Client {
	t.Helper()
	a, err := oauth.NewAuthority("", "contoso", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{
		ClientID:    testClientID,
		Authority:   a,
		RedirectURI: redirectURI,
		HTTP:        mc.HTTPClient(),
		Store:       session.New(cache.NewMemory(), testClientID+"|"+a.Canonical),
	})
}

// popupPage returns a page whose popups are answered by the loopback server with the
// given query, as the authority would after the user finished.
func popupPage(t *testing.T, answer url.Values, seen *url.Values) *page.Page {
	t.Helper()
	pg, err := page.New(appURL, page.WithPopupOpener(func(ctx context.Context, authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		if seen != nil {
			*seen = q
		}
		reply := url.Values{"state": {q.Get("state")}}
		for k, v := range answer {
			reply[k] = v
		}
		resp, err := http.Get(q.Get("redirect_uri") + "?" + reply.Encode())
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}))
	if err != nil {
		t.Fatal(err)
	}
	return pg
}

type navRecorder struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (n *navRecorder) navigate(_ context.Context, u string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.urls = append(n.urls, u)
	return nil
}

func (n *navRecorder) last(t *testing.T) *url.URL {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.urls) == 0 {
		t.Fatal("no navigation recorded")
	}
	u, err := url.Parse(n.urls[len(n.urls)-1])
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func signIn(t *testing.T, c *Client) {
	t.Helper()
	_, err := c.store.Write(context.Background(), session.Entry{
		Account:      shared.NewAccount("uid.utid", "login.microsoftonline.com", "utid", "uid", "MSSTS", "alice@contoso.com"),
		ClientID:     testClientID,
		AccessToken:  "cached-at",
		ExpiresOn:    time.Now().Add(time.Hour),
		Scopes:       []string{"User.Read", "openid", "profile", "offline_access"},
		RefreshToken: "cached-rt",
		IDToken:      testIDToken,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAcquireSilentNoAccount(t *testing.T) {
	mc := mock.NewClient()
	c := newTestClient(t, mc, appURL)

	_, err := c.AcquireSilent(context.Background(), []string{"User.Read"}, shared.Account{})
	if !errors.Is(err, msauthErrors.ErrInteractionRequired) {
		t.Errorf("TestAcquireSilentNoAccount: got err == %v, want InteractionRequired", err)
	}

	// an account the session does not know about
	stranger := shared.NewAccount("other.utid", "login.microsoftonline.com", "utid", "other", "MSSTS", "bob")
	_, err = c.AcquireSilent(context.Background(), []string{"User.Read"}, stranger)
	if !errors.Is(err, msauthErrors.ErrInteractionRequired) {
		t.Errorf("TestAcquireSilentNoAccount(stranger): got err == %v, want InteractionRequired", err)
	}
	if mc.Calls() != 0 {
		t.Errorf("TestAcquireSilentNoAccount: made %d HTTP calls, want 0", mc.Calls())
	}
}

func TestAcquireSilent(t *testing.T) {
	ctx := context.Background()

	t.Run("cached access token", func(t *testing.T) {
		mc := mock.NewClient()
		c := newTestClient(t, mc, appURL)
		signIn(t, c)
		acc, _, _ := c.ActiveAccount(ctx)

		res, err := c.AcquireSilent(ctx, []string{"user.read"}, acc)
		if err != nil {
			t.Fatal(err)
		}
		if res.AccessToken != "cached-at" || res.IDToken != testIDToken {
			t.Errorf("got (%q, %q), want the cached tokens", res.AccessToken, res.IDToken)
		}
		if diff := pretty.Compare([]string{"User.Read"}, res.Scopes); diff != "" {
			t.Errorf("Scopes: -want/+got:\n%s", diff)
		}
		if mc.Calls() != 0 {
			t.Errorf("made %d HTTP calls, want 0", mc.Calls())
		}
	})

	t.Run("refresh for new scope", func(t *testing.T) {
		mc := mock.NewClient()
		var form url.Values
		mc.AppendResponse(
			mock.WithBody(mock.GetAccessTokenBody("mail-at", "", "new-rt", testClientInfo, 3600, "Mail.Read openid profile offline_access")),
			mock.WithCallback(func(r *http.Request) {
				_ = r.ParseForm()
				form = r.PostForm
			}),
		)
		c := newTestClient(t, mc, appURL)
		signIn(t, c)
		acc, _, _ := c.ActiveAccount(ctx)

		res, err := c.AcquireSilent(ctx, []string{"Mail.Read"}, acc)
		if err != nil {
			t.Fatal(err)
		}
		if form.Get("refresh_token") != "cached-rt" {
			t.Errorf("refresh_token sent was %q, want cached-rt", form.Get("refresh_token"))
		}
		if res.AccessToken != "mail-at" {
			t.Errorf("got access token %q, want mail-at", res.AccessToken)
		}
		// the refresh response had no id token; the cached one is kept
		if res.IDToken != testIDToken {
			t.Errorf("got id token %q, want the cached one", res.IDToken)
		}
		if res.Account.PreferredUsername != "alice@contoso.com" {
			t.Errorf("refresh lost the account metadata: %+v", res.Account)
		}

		// second call is served from the cache
		again, err := c.AcquireSilent(ctx, []string{"Mail.Read"}, acc)
		if err != nil {
			t.Fatal(err)
		}
		if again.AccessToken != "mail-at" || mc.Calls() != 1 {
			t.Errorf("second call: got %q after %d calls, want mail-at after 1", again.AccessToken, mc.Calls())
		}
	})

	t.Run("refresh token rejected", func(t *testing.T) {
		mc := mock.NewClient()
		mc.AppendResponse(mock.WithHTTPStatusCode(http.StatusBadRequest), mock.WithBody(mock.GetErrorBody("invalid_grant", "AADSTS70043: expired")))
		c := newTestClient(t, mc, appURL)
		signIn(t, c)
		acc, _, _ := c.ActiveAccount(ctx)

		_, err := c.AcquireSilent(ctx, []string{"Mail.Read"}, acc)
		if !errors.Is(err, msauthErrors.ErrInteractionRequired) {
			t.Errorf("got err == %v, want InteractionRequired", err)
		}
	})

	t.Run("network failure", func(t *testing.T) {
		mc := mock.NewClient()
		c := newTestClient(t, mc, appURL)
		signIn(t, c)
		acc, _, _ := c.ActiveAccount(ctx)

		_, err := c.AcquireSilent(ctx, []string{"Mail.Read"}, acc)
		if !errors.Is(err, msauthErrors.ErrProvider) {
			t.Errorf("got err == %v, want ProviderError", err)
		}
	})
}

func TestAcquireSilentSingleFlight(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	mc.AppendResponse(
		mock.WithBody(mock.GetAccessTokenBody("mail-at", "", "", testClientInfo, 3600, "Mail.Read")),
		mock.WithCallback(func(*http.Request) { time.Sleep(100 * time.Millisecond) }),
	)
	c := newTestClient(t, mc, appURL)
	signIn(t, c)
	acc, _, _ := c.ActiveAccount(ctx)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// same scope set, different order and case
			scopes := []string{"Mail.Read"}
			if i%2 == 0 {
				scopes = []string{"mail.read"}
			}
			res, err := c.AcquireSilent(ctx, scopes, acc)
			if err == nil && res.AccessToken != "mail-at" {
				err = fmt.Errorf("got access token %q", res.AccessToken)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if mc.Calls() != 1 {
		t.Errorf("TestAcquireSilentSingleFlight: made %d token requests, want 1", mc.Calls())
	}
}

func TestAcquireInteractivePopup(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	var form url.Values
	mc.AppendResponse(
		mock.WithBody(tokenBody("AT1", "RT1", 3600)),
		mock.WithCallback(func(r *http.Request) {
			_ = r.ParseForm()
			form = r.PostForm
		}),
	)
	c := newTestClient(t, mc, appURL)

	var authQuery url.Values
	pg := popupPage(t, url.Values{"code": {"the-code"}}, &authQuery)

	res, err := c.AcquireInteractivePopup(ctx, pg, Interactive{Scopes: []string{"User.Read"}, Prompt: "select_account", DomainHint: "contoso.com", LoginHint: "alice@contoso.com"})
	if err != nil {
		t.Fatal(err)
	}
	if res.AccessToken != "AT1" || res.IDToken != testIDToken {
		t.Errorf("TestAcquireInteractivePopup: got (%q, %q)", res.AccessToken, res.IDToken)
	}
	if diff := pretty.Compare([]string{"User.Read"}, res.Scopes); diff != "" {
		t.Errorf("TestAcquireInteractivePopup(Scopes): -want/+got:\n%s", diff)
	}
	if authQuery.Get("prompt") != "select_account" || authQuery.Get("domain_hint") != "contoso.com" || authQuery.Get("login_hint") != "alice@contoso.com" {
		t.Errorf("TestAcquireInteractivePopup: authorize request was %v", authQuery)
	}
	if !strings.HasPrefix(authQuery.Get("redirect_uri"), "http://localhost:") {
		t.Errorf("TestAcquireInteractivePopup: redirect_uri %q is not the loopback server", authQuery.Get("redirect_uri"))
	}
	if form.Get("code") != "the-code" || form.Get("redirect_uri") != authQuery.Get("redirect_uri") {
		t.Errorf("TestAcquireInteractivePopup: token request was %v", form)
	}
	if pg.Unloaded() {
		t.Error("TestAcquireInteractivePopup: a popup unloaded the page")
	}

	acc, ok, err := c.ActiveAccount(ctx)
	if err != nil || !ok {
		t.Fatalf("TestAcquireInteractivePopup: no active account after sign in (%v)", err)
	}
	if acc.HomeAccountID != "uid.utid" || acc.PreferredUsername != "alice@contoso.com" {
		t.Errorf("TestAcquireInteractivePopup: unexpected account %+v", acc)
	}
}

func TestAcquireInteractivePopupFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("popup blocked", func(t *testing.T) {
		c := newTestClient(t, mock.NewClient(), appURL)
		pg, err := page.New(appURL, page.WithPopupOpener(func(context.Context, string) error {
			return errors.New("blocked")
		}))
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.AcquireInteractivePopup(ctx, pg, Interactive{Scopes: []string{"User.Read"}, Prompt: "select_account"})
		if !errors.Is(err, msauthErrors.ErrPopupBlocked) {
			t.Errorf("got err == %v, want PopupBlocked", err)
		}
	})

	t.Run("user cancelled", func(t *testing.T) {
		c := newTestClient(t, mock.NewClient(), appURL)
		pg := popupPage(t, url.Values{"error": {"access_denied"}, "error_description": {"AADSTS65004: User declined"}}, nil)
		_, err := c.AcquireInteractivePopup(ctx, pg, Interactive{Scopes: []string{"User.Read"}, Prompt: "select_account"})
		if !errors.Is(err, msauthErrors.ErrUserCancelled) {
			t.Errorf("got err == %v, want UserCancelled", err)
		}
		if _, ok, _ := c.ActiveAccount(ctx); ok {
			t.Error("a cancelled sign in left an account behind")
		}
	})

	t.Run("token endpoint error", func(t *testing.T) {
		mc := mock.NewClient()
		mc.AppendResponse(mock.WithHTTPStatusCode(http.StatusBadRequest), mock.WithBody(mock.GetErrorBody("invalid_client", "AADSTS7000215")))
		c := newTestClient(t, mc, appURL)
		pg := popupPage(t, url.Values{"code": {"the-code"}}, nil)
		_, err := c.AcquireInteractivePopup(ctx, pg, Interactive{Scopes: []string{"User.Read"}, Prompt: "select_account"})
		if !errors.Is(err, msauthErrors.ErrProvider) {
			t.Errorf("got err == %v, want ProviderError", err)
		}
	})

	t.Run("popup left unanswered", func(t *testing.T) {
		a, err := oauth.NewAuthority("", "contoso", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		c := New(Config{ClientID: testClientID, Authority: a, RedirectURI: appURL, PendingTTL: 100 * time.Millisecond})
		pg, err := page.New(appURL, page.WithPopupOpener(func(context.Context, string) error { return nil }))
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.AcquireInteractivePopup(ctx, pg, Interactive{Scopes: []string{"User.Read"}})
		if !errors.Is(err, msauthErrors.ErrUserCancelled) {
			t.Errorf("got err == %v, want UserCancelled", err)
		}
	})

	t.Run("caller gives up", func(t *testing.T) {
		c := newTestClient(t, mock.NewClient(), appURL)
		pg, err := page.New(appURL, page.WithPopupOpener(func(context.Context, string) error { return nil }))
		if err != nil {
			t.Fatal(err)
		}
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = c.AcquireInteractivePopup(cctx, pg, Interactive{Scopes: []string{"User.Read"}, Prompt: "select_account"})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("got err == %v, want context.DeadlineExceeded", err)
		}
	})
}

// TestAcquireInteractivePopupSharedCancel checks that a caller leaving a shared popup
// does not fail the callers still waiting for it.
func TestAcquireInteractivePopupSharedCancel(t *testing.T) {
	mc := mock.NewClient()
	mc.AppendResponse(mock.WithBody(tokenBody("AT1", "RT1", 3600)))
	c := newTestClient(t, mc, appURL)

	opened := make(chan string, 1)
	pg, err := page.New(appURL, page.WithPopupOpener(func(_ context.Context, authURL string) error {
		opened <- authURL
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	req := Interactive{Scopes: []string{"User.Read"}, Prompt: "select_account"}

	type outcome struct {
		res Result
		err error
	}
	actx, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	a, b := make(chan outcome, 1), make(chan outcome, 1)
	go func() {
		res, err := c.AcquireInteractivePopup(actx, pg, req)
		a <- outcome{res, err}
	}()
	var authURL string
	select {
	case authURL = <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("TestAcquireInteractivePopupSharedCancel: popup was never opened")
	}
	go func() {
		res, err := c.AcquireInteractivePopup(context.Background(), pg, req)
		b <- outcome{res, err}
	}()
	// wait for B to join A's popup
	key := "popup|" + req.key()
	for deadline := time.Now().Add(5 * time.Second); ; time.Sleep(time.Millisecond) {
		c.flight.mu.Lock()
		n := c.flight.waiting[key]
		c.flight.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("TestAcquireInteractivePopupSharedCancel: %d callers waiting, want 2", n)
		}
	}

	cancelA()
	if got := <-a; !errors.Is(got.err, context.Canceled) {
		t.Fatalf("TestAcquireInteractivePopupSharedCancel(A): got err == %v, want context.Canceled", got.err)
	}

	// the user finishes in the popup A opened
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	resp, err := http.Get(q.Get("redirect_uri") + "?" + url.Values{"state": {q.Get("state")}, "code": {"the-code"}}.Encode())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case got := <-b:
		if got.err != nil || got.res.AccessToken != "AT1" {
			t.Errorf("TestAcquireInteractivePopupSharedCancel(B): got (%q, %v), want AT1", got.res.AccessToken, got.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("TestAcquireInteractivePopupSharedCancel(B): no result")
	}
	if mc.Calls() != 1 {
		t.Errorf("TestAcquireInteractivePopupSharedCancel: made %d token requests, want 1", mc.Calls())
	}
}

// TestAcquireSilentSharedCancel is the silent counterpart: the refresh outlives the
// caller that started it.
func TestAcquireSilentSharedCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	mc := mock.NewClient()
	mc.AppendResponse(
		mock.WithBody(mock.GetAccessTokenBody("mail-at", "", "", testClientInfo, 3600, "Mail.Read")),
		mock.WithCallback(func(*http.Request) {
			close(started)
			<-release
		}),
	)
	c := newTestClient(t, mc, appURL)
	signIn(t, c)
	acc, _, _ := c.ActiveAccount(context.Background())
	scopes := []string{"Mail.Read"}

	actx, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	aErr := make(chan error, 1)
	go func() {
		_, err := c.AcquireSilent(actx, scopes, acc)
		aErr <- err
	}()
	<-started

	type outcome struct {
		res Result
		err error
	}
	b := make(chan outcome, 1)
	go func() {
		res, err := c.AcquireSilent(context.Background(), scopes, acc)
		b <- outcome{res, err}
	}()
	key := "silent|" + acc.Key() + "|" + scopeKey(scopes)
	for deadline := time.Now().Add(5 * time.Second); ; time.Sleep(time.Millisecond) {
		c.flight.mu.Lock()
		n := c.flight.waiting[key]
		c.flight.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("TestAcquireSilentSharedCancel: %d callers waiting, want 2", n)
		}
	}

	cancelA()
	if err := <-aErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("TestAcquireSilentSharedCancel(A): got err == %v, want context.Canceled", err)
	}
	close(release)
	got := <-b
	if got.err != nil || got.res.AccessToken != "mail-at" {
		t.Errorf("TestAcquireSilentSharedCancel(B): got (%q, %v), want mail-at", got.res.AccessToken, got.err)
	}
}

// TestRedirectReturnSharedPage puts two applications on the page the authority
// redirected back to. The one that did not start the redirect must leave it alone.
func TestRedirectReturnSharedPage(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	mc.AppendResponse(mock.WithBody(tokenBody("AT1", "RT1", 3600)))
	medium := cache.NewMemory()
	a, err := oauth.NewAuthority("", "contoso", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	newClient := func(clientID string) *Client {
		return New(Config{
			ClientID:    clientID,
			Authority:   a,
			RedirectURI: appURL,
			HTTP:        mc.HTTPClient(),
			Store:       session.New(medium, clientID+"|"+a.Canonical),
		})
	}
	owner, other := newClient("owner"), newClient("other")

	nav := &navRecorder{}
	first, _ := page.New(appURL, page.WithNavigator(nav.navigate))
	if err := owner.AcquireInteractiveRedirect(ctx, first, Interactive{Scopes: []string{"User.Read"}}); err != nil {
		t.Fatal(err)
	}
	state := nav.last(t).Query().Get("state")

	back, err := page.New(appURL + "?code=the-code&state=" + url.QueryEscape(state))
	if err != nil {
		t.Fatal(err)
	}
	if res, err := other.HandleRedirectReturn(ctx, back); res != nil || err != nil {
		t.Fatalf("TestRedirectReturnSharedPage(other): got (%v, %v), want (nil, nil)", res, err)
	}
	res, err := owner.HandleRedirectReturn(ctx, back)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.AccessToken != "AT1" {
		t.Fatalf("TestRedirectReturnSharedPage(owner): got %+v, want AT1", res)
	}

	// the redirect is settled, so the owner may start another one
	again, _ := page.New(appURL, page.WithNavigator(nav.navigate))
	if err := owner.AcquireInteractiveRedirect(ctx, again, Interactive{Scopes: []string{"User.Read"}}); err != nil {
		t.Errorf("TestRedirectReturnSharedPage: new redirect after return: %v", err)
	}
}

func TestRedirectRoundTrip(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	var form url.Values
	mc.AppendResponse(
		mock.WithBody(tokenBody("AT1", "RT1", 3600)),
		mock.WithCallback(func(r *http.Request) {
			_ = r.ParseForm()
			form = r.PostForm
		}),
	)
	c := newTestClient(t, mc, appURL)

	nav := &navRecorder{}
	first, err := page.New(appURL, page.WithNavigator(nav.navigate))
	if err != nil {
		t.Fatal(err)
	}
	if res, err := c.HandleRedirectReturn(ctx, first); res != nil || err != nil {
		t.Fatalf("TestRedirectRoundTrip: plain page handled as a return: (%v, %v)", res, err)
	}
	if err := c.AcquireInteractiveRedirect(ctx, first, Interactive{Scopes: []string{"User.Read"}, Prompt: "select_account"}); err != nil {
		t.Fatal(err)
	}
	if !first.Unloaded() {
		t.Fatal("TestRedirectRoundTrip: page was not navigated away")
	}
	authURL := nav.last(t)
	q := authURL.Query()
	if authURL.Host != "login.microsoftonline.com" || q.Get("redirect_uri") != appURL || q.Get("code_challenge") == "" {
		t.Errorf("TestRedirectRoundTrip: unexpected authorize URL %s", authURL)
	}

	// another redirect while this one is outstanding
	other, _ := page.New(appURL, page.WithNavigator(nav.navigate))
	err = c.AcquireInteractiveRedirect(ctx, other, Interactive{Scopes: []string{"User.Read"}, Prompt: "select_account"})
	if !errors.Is(err, msauthErrors.ErrRedirectInFlight) {
		t.Errorf("TestRedirectRoundTrip: got err == %v, want RedirectInFlight", err)
	} else if !strings.Contains(err.Error(), q.Get("client-request-id")) {
		t.Errorf("TestRedirectRoundTrip: %q does not name the redirect in flight", err)
	}
	if other.Unloaded() {
		t.Error("TestRedirectRoundTrip: a refused redirect navigated")
	}

	// a response for a state this client never issued
	stray, _ := page.New(appURL + "?state=unknown&code=x")
	if res, err := c.HandleRedirectReturn(ctx, stray); res != nil || err != nil {
		t.Errorf("TestRedirectRoundTrip: stray response handled: (%v, %v)", res, err)
	}

	second, err := page.New(appURL + "?code=the-code&state=" + url.QueryEscape(q.Get("state")))
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.HandleRedirectReturn(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.AccessToken != "AT1" {
		t.Fatalf("TestRedirectRoundTrip: got %+v, want AT1", res)
	}
	if diff := pretty.Compare([]string{"User.Read"}, res.Scopes); diff != "" {
		t.Errorf("TestRedirectRoundTrip(Scopes): -want/+got:\n%s", diff)
	}
	if form.Get("code") != "the-code" || form.Get("code_verifier") == "" {
		t.Errorf("TestRedirectRoundTrip: token request was %v", form)
	}
	if res, err := c.HandleRedirectReturn(ctx, second); res != nil || err != nil {
		t.Errorf("TestRedirectRoundTrip: response handled twice: (%v, %v)", res, err)
	}

	// the pending redirect is gone, so a new one may start
	third, _ := page.New(appURL, page.WithNavigator(nav.navigate))
	if err := c.AcquireInteractiveRedirect(ctx, third, Interactive{Scopes: []string{"User.Read"}}); err != nil {
		t.Errorf("TestRedirectRoundTrip: redirect after completion: %v", err)
	}
}

func TestRedirectReturnError(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, mock.NewClient(), appURL)
	nav := &navRecorder{}
	first, _ := page.New(appURL, page.WithNavigator(nav.navigate))
	if err := c.AcquireInteractiveRedirect(ctx, first, Interactive{Scopes: []string{"User.Read"}, Prompt: "select_account"}); err != nil {
		t.Fatal(err)
	}
	state := nav.last(t).Query().Get("state")

	second, _ := page.New(appURL + "#error=access_denied&error_description=declined&state=" + url.QueryEscape(state))
	res, err := c.HandleRedirectReturn(ctx, second)
	if res != nil || !errors.Is(err, msauthErrors.ErrUserCancelled) {
		t.Errorf("TestRedirectReturnError: got (%v, %v), want UserCancelled", res, err)
	}
}

func TestRedirectReturnExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, mock.NewClient(), appURL)
	nav := &navRecorder{}
	first, _ := page.New(appURL, page.WithNavigator(nav.navigate))
	if err := c.AcquireInteractiveRedirect(ctx, first, Interactive{Scopes: []string{"User.Read"}}); err != nil {
		t.Fatal(err)
	}
	state := nav.last(t).Query().Get("state")

	orig := now
	now = func() time.Time { return time.Now().Add(DefaultPendingTTL + time.Minute) }
	defer func() { now = orig }()

	second, _ := page.New(appURL + "?code=c&state=" + url.QueryEscape(state))
	if _, err := c.HandleRedirectReturn(ctx, second); !errors.Is(err, msauthErrors.ErrInteractionRequired) {
		t.Errorf("TestRedirectReturnExpired: got err == %v, want InteractionRequired", err)
	}
}

func TestRedirectOtherRedirectURI(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, mock.NewClient(), appURL)
	nav := &navRecorder{}
	first, _ := page.New(appURL, page.WithNavigator(nav.navigate))
	if err := c.AcquireInteractiveRedirect(ctx, first, Interactive{Scopes: []string{"User.Read"}}); err != nil {
		t.Fatal(err)
	}
	state := nav.last(t).Query().Get("state")

	// same session, different redirect URI
	otherURI := "https://app.example.com/other"
	other := New(Config{ClientID: testClientID, Authority: c.cfg.Authority, RedirectURI: otherURI, Store: c.store})
	pg, _ := page.New(otherURI + "?code=c&state=" + url.QueryEscape(state))
	if res, err := other.HandleRedirectReturn(ctx, pg); res != nil || err != nil {
		t.Errorf("TestRedirectOtherRedirectURI: got (%v, %v), want (nil, nil)", res, err)
	}
	if _, ok, _ := c.store.LivePending(ctx, DefaultPendingTTL); !ok {
		t.Error("TestRedirectOtherRedirectURI: pending redirect was consumed by the wrong client")
	}
}

func TestRedirectNavigationFails(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, mock.NewClient(), appURL)
	nav := &navRecorder{err: errors.New("no browser")}
	pg, _ := page.New(appURL, page.WithNavigator(nav.navigate))

	if err := c.AcquireInteractiveRedirect(ctx, pg, Interactive{Scopes: []string{"User.Read"}}); !errors.Is(err, msauthErrors.ErrProvider) {
		t.Fatalf("TestRedirectNavigationFails: got err == %v, want ProviderError", err)
	}
	if _, ok, _ := c.store.LivePending(ctx, DefaultPendingTTL); ok {
		t.Error("TestRedirectNavigationFails: pending redirect left behind")
	}
}

func TestSignOutRedirect(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, mock.NewClient(), appURL)
	nav := &navRecorder{}

	pg, _ := page.New(appURL, page.WithNavigator(nav.navigate))
	if err := c.SignOutRedirect(ctx, pg); !errors.Is(err, msauthErrors.ErrNoActiveSession) {
		t.Errorf("TestSignOutRedirect(signed out): got err == %v, want NoActiveSession", err)
	}
	if pg.Unloaded() {
		t.Error("TestSignOutRedirect(signed out): page navigated")
	}

	signIn(t, c)
	if err := c.SignOutRedirect(ctx, pg); err != nil {
		t.Fatal(err)
	}
	u := nav.last(t)
	if u.Path != "/contoso/oauth2/v2.0/logout" {
		t.Errorf("TestSignOutRedirect: navigated to %s", u)
	}
	if u.Query().Get("logout_hint") != "alice@contoso.com" || u.Query().Get("post_logout_redirect_uri") != appURL {
		t.Errorf("TestSignOutRedirect: logout query was %v", u.Query())
	}
	if _, ok, _ := c.ActiveAccount(ctx); ok {
		t.Error("TestSignOutRedirect: account still active")
	}
}

func TestLoopback(t *testing.T) {
	tests := []struct {
		redirect string
		popup    int
		wantPort int
		wantURI  string
	}{
		{"http://localhost:4200/", 0, 4200, "http://localhost:4200/"},
		{"http://127.0.0.1:5000/cb", 0, 5000, "http://127.0.0.1:5000/cb"},
		{"http://localhost/", 7000, 7000, ""},
		{"https://localhost:4200/", 0, 0, ""},
		{appURL, 0, 0, ""},
	}
	for _, test := range tests {
		c := &Client{cfg: Config{RedirectURI: test.redirect, PopupPort: test.popup}}
		port, uri := c.loopback()
		if port != test.wantPort || uri != test.wantURI {
			t.Errorf("TestLoopback(%s): got (%d, %q), want (%d, %q)", test.redirect, port, uri, test.wantPort, test.wantURI)
		}
	}
}

func TestVisibleScopes(t *testing.T) {
	got := visibleScopes([]string{"User.Read", "openid", "profile", "offline_access"}, []string{"x"})
	if diff := pretty.Compare([]string{"User.Read"}, got); diff != "" {
		t.Errorf("TestVisibleScopes: -want/+got:\n%s", diff)
	}
	got = visibleScopes([]string{"openid"}, []string{"User.Read"})
	if diff := pretty.Compare([]string{"User.Read"}, got); diff != "" {
		t.Errorf("TestVisibleScopes(only reserved): -want/+got:\n%s", diff)
	}
	if scopeKey([]string{"B", "a"}) != scopeKey([]string{"A", "b"}) {
		t.Error("TestVisibleScopes: scopeKey depends on order or case")
	}
}
