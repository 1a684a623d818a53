// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package page

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
)

func TestNew(t *testing.T) {
	for _, bad := range []string{"", "/relative", "::", "app.example.com"} {
		if _, err := New(bad); err == nil {
			t.Errorf("TestNew(%q): got err == nil, want err != nil", bad)
		}
	}
	p, err := New("https://app.example.com/path?x=1#frag")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.BaseURL(); got != "https://app.example.com/path" {
		t.Errorf("TestNew(BaseURL): got %s, want https://app.example.com/path", got)
	}
	p.URL().RawQuery = ""
	if p.URL().RawQuery != "x=1" {
		t.Error("TestNew: URL() did not return a copy")
	}
}

func TestNavigate(t *testing.T) {
	var opened []string
	p, err := New("https://app.example.com/", WithNavigator(func(_ context.Context, u string) error {
		opened = append(opened, u)
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if p.Unloaded() {
		t.Fatal("TestNavigate: new page is unloaded")
	}

	if err := p.Navigate(context.Background(), "https://login.example.com/authorize?state=s"); err != nil {
		t.Fatal(err)
	}
	if !p.Unloaded() {
		t.Error("TestNavigate: page still loaded after navigation")
	}
	if cause := context.Cause(p.Context()); !errors.Is(cause, ErrUnloaded) {
		t.Errorf("TestNavigate: got cause %v, want ErrUnloaded", cause)
	}
	if got := p.NavigatedTo(); got != "https://login.example.com/authorize?state=s" {
		t.Errorf("TestNavigate(NavigatedTo): got %s", got)
	}
	if err := p.Navigate(context.Background(), "https://elsewhere.example.com/"); !errors.Is(err, ErrUnloaded) {
		t.Errorf("TestNavigate(second): got err == %v, want ErrUnloaded", err)
	}
	if err := p.OpenPopup(context.Background(), "https://elsewhere.example.com/"); !errors.Is(err, ErrUnloaded) {
		t.Errorf("TestNavigate(OpenPopup): got err == %v, want ErrUnloaded", err)
	}
	if len(opened) != 1 {
		t.Errorf("TestNavigate: navigator called %d times, want 1", len(opened))
	}
}

func TestNavigateFailure(t *testing.T) {
	p, err := New("https://app.example.com/", WithNavigator(func(context.Context, string) error {
		return errors.New("no browser")
	}))
	if err != nil {
		t.Fatal(err)
	}
	err = p.Navigate(context.Background(), "https://login.example.com/authorize?login_hint=alice")
	if err == nil {
		t.Fatal("TestNavigateFailure: got err == nil, want err != nil")
	}
	if p.Unloaded() {
		t.Error("TestNavigateFailure: a failed navigation unloaded the page")
	}
	if want := "navigation to https://login.example.com/authorize failed: no browser"; err.Error() != want {
		t.Errorf("TestNavigateFailure: got %q, want %q", err.Error(), want)
	}
}

func TestDefaultBrowser(t *testing.T) {
	var got []string
	orig := openURL
	openURL = func(u string) error {
		got = append(got, u)
		return nil
	}
	defer func() { openURL = orig }()

	p, err := New("https://app.example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.OpenPopup(context.Background(), "https://popup.example.com/"); err != nil {
		t.Fatal(err)
	}
	if err := p.Navigate(context.Background(), "https://nav.example.com/"); err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare([]string{"https://popup.example.com/", "https://nav.example.com/"}, got); diff != "" {
		t.Errorf("TestDefaultBrowser: -want/+got:\n%s", diff)
	}
}

func TestRedirectResponse(t *testing.T) {
	tests := []struct {
		desc   string
		url    string
		want   RedirectResponse
		wantOK bool
	}{
		{
			desc:   "code in query",
			url:    "https://app.example.com/?state=s&code=c",
			want:   RedirectResponse{State: "s", Code: "c"},
			wantOK: true,
		},
		{
			desc:   "code in fragment",
			url:    "https://app.example.com/#state=s&code=c",
			want:   RedirectResponse{State: "s", Code: "c"},
			wantOK: true,
		},
		{
			desc:   "error",
			url:    "https://app.example.com/?state=s&error=access_denied&error_description=no",
			want:   RedirectResponse{State: "s", Error: "access_denied", ErrorDescription: "no"},
			wantOK: true,
		},
		{desc: "plain page", url: "https://app.example.com/"},
		{desc: "code without state", url: "https://app.example.com/?code=c"},
		{desc: "state without code", url: "https://app.example.com/?state=s"},
		{desc: "unrelated fragment", url: "https://app.example.com/#section-2"},
	}
	for _, test := range tests {
		p, err := New(test.url)
		if err != nil {
			t.Fatal(err)
		}
		got, ok := p.RedirectResponse()
		if ok != test.wantOK {
			t.Errorf("TestRedirectResponse(%s): got ok == %v, want %v", test.desc, ok, test.wantOK)
			continue
		}
		if diff := pretty.Compare(test.want, got); diff != "" {
			t.Errorf("TestRedirectResponse(%s): -want/+got:\n%s", test.desc, diff)
		}
		if !ok {
			continue
		}
		// looking does not claim
		if _, again := p.RedirectResponse(); !again {
			t.Errorf("TestRedirectResponse(%s): response gone before it was claimed", test.desc)
		}
		if p.Claim("other-state") {
			t.Errorf("TestRedirectResponse(%s): claimed with the wrong state", test.desc)
		}
		if !p.Claim(got.State) {
			t.Errorf("TestRedirectResponse(%s): Claim failed", test.desc)
		}
		if p.Claim(got.State) {
			t.Errorf("TestRedirectResponse(%s): response claimed twice", test.desc)
		}
		if _, again := p.RedirectResponse(); again {
			t.Errorf("TestRedirectResponse(%s): response handed out after it was claimed", test.desc)
		}
	}
}

func TestNavigatorCallsBack(t *testing.T) {
	var p *Page
	var during string
	p, err := New("https://app.example.com/?state=s&code=c", WithNavigator(func(ctx context.Context, u string) error {
		during = p.NavigatedTo()
		if _, ok := p.RedirectResponse(); !ok {
			return errors.New("response not visible while navigating")
		}
		// a second navigation started by the navigator is refused
		if err := p.Navigate(ctx, "https://elsewhere.example.com/"); !errors.Is(err, ErrUnloaded) {
			return fmt.Errorf("nested Navigate: got err == %v, want ErrUnloaded", err)
		}
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Navigate(context.Background(), "https://login.example.com/") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("TestNavigatorCallsBack: Navigate deadlocked")
	}
	if during != "" {
		t.Errorf("TestNavigatorCallsBack: NavigatedTo was %q during navigation, want empty", during)
	}
	if p.NavigatedTo() != "https://login.example.com/" || !p.Unloaded() {
		t.Errorf("TestNavigatorCallsBack: got NavigatedTo %q, Unloaded %v", p.NavigatedTo(), p.Unloaded())
	}
}
