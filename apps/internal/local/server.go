// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package local receives the authority's redirect on a loopback address while a popup
// sign-in is in progress.
package local

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	msauthErrors "github.com/msauth/msauth-go/apps/errors"
)

var donePage = template.Must(template.New("done").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8" />
    <title>{{.Title}}</title>
</head>
<body>
    <p>{{.Message}} You can close this tab and return to the application.</p>
    {{if .Code}}<p>{{.Code}}: {{.Description}}</p>{{end}}
</body>
</html>
`))

type pageData struct {
	Title       string
	Message     string
	Code        string
	Description string
}

// Result is what the authority sent back.
type Result struct {
	Code string
	// Err is an *errors.AuthError when the authority answered with an OAuth error or
	// the redirect was malformed, or the context error when waiting was given up.
	Err error
}

// Server accepts one authorization response for a single state.
type Server struct {
	// Addr is the redirect URI the server answers, http://localhost:PORT.
	Addr string

	state   string
	srv     *http.Server
	results chan Result
	unwatch func() bool
	closed  sync.Once
}

// Listen starts a server expecting the response for state on port, or on a free port
// when port is 0. The server is closed when ctx is done.
func Listen(ctx context.Context, state string, port int) (*Server, error) {
	if state == "" {
		return nil, errors.New("local: a state is required")
	}
	l, err := net.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("local: could not listen on port %d: %w", port, err)
	}
	s := &Server{
		Addr:    "http://localhost:" + strconv.Itoa(l.Addr().(*net.TCPAddr).Port),
		state:   state,
		results: make(chan Result, 1),
	}
	s.srv = &http.Server{Handler: http.HandlerFunc(s.handle), ReadHeaderTimeout: time.Second}
	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deliver(Result{Err: msauthErrors.New(msauthErrors.ProviderError, "the local redirect server stopped", err)})
		}
	}()
	s.unwatch = context.AfterFunc(ctx, s.shutdown)
	return s, nil
}

// Result waits for the response. If ctx is done first, Err is ctx.Err().
func (s *Server) Result(ctx context.Context) Result {
	select {
	case r := <-s.results:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Close stops the server. It must not be called from a request handler.
func (s *Server) Close() {
	s.unwatch()
	s.shutdown()
}

func (s *Server) shutdown() {
	s.closed.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	})
}

// deliver keeps the first result only.
func (s *Server) deliver(r Result) {
	select {
	case s.results <- r:
	default:
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("code") && !q.Has("error") {
		// favicon.ico and friends
		http.NotFound(w, r)
		return
	}
	// anything not answering our request is dropped, errors included
	if q.Get("state") != s.state {
		http.Error(w, "the response does not match a sign-in in progress", http.StatusBadRequest)
		return
	}

	if oauthErr := q.Get("error"); oauthErr != "" {
		desc := q.Get("error_description")
		render(w, http.StatusOK, pageData{Title: "Sign-in failed", Message: "Sign-in did not complete.", Code: oauthErr, Description: desc})
		s.deliver(Result{Err: msauthErrors.FromOAuth(oauthErr, desc, nil)})
		return
	}
	code := q.Get("code")
	if code == "" {
		render(w, http.StatusBadRequest, pageData{Title: "Sign-in failed", Message: "The authority sent no authorization code."})
		s.deliver(Result{Err: msauthErrors.New(msauthErrors.ProviderError, "redirect to the local server carried no authorization code", nil)})
		return
	}
	render(w, http.StatusOK, pageData{Title: "Signed in", Message: "Sign-in complete."})
	s.deliver(Result{Code: code})
}

func render(w http.ResponseWriter, status int, d pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = donePage.Execute(w, d)
}
