// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package mock

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type response struct {
	body     []byte
	callback func(*http.Request)
	code     int
	headers  http.Header
}

type responseOption interface {
	apply(*response)
}

type respOpt func(*response)

func (fn respOpt) apply(r *response) {
	fn(r)
}

// WithBody sets the HTTP response's body to the specified value.
func WithBody(b []byte) responseOption {
	return respOpt(func(r *response) {
		r.body = b
	})
}

// WithCallback sets a callback to invoke before returning the response.
func WithCallback(callback func(*http.Request)) responseOption {
	return respOpt(func(r *response) {
		r.callback = callback
	})
}

// WithHTTPHeader sets the HTTP headers of the response to the specified value.
func WithHTTPHeader(header http.Header) responseOption {
	return respOpt(func(r *response) {
		r.headers = header
	})
}

// WithHTTPStatusCode sets the HTTP statusCode of response to the specified value.
func WithHTTPStatusCode(statusCode int) responseOption {
	return respOpt(func(r *response) {
		r.code = statusCode
	})
}

// Client is a mock HTTP transport that returns a sequence of responses. Use
// AppendResponse to specify the sequence. A request with no response left fails.
type Client struct {
	mu    sync.Mutex
	resp  []response
	calls int
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) AppendResponse(opts ...responseOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := response{code: http.StatusOK, headers: http.Header{"Content-Type": {"application/json; charset=utf-8"}}}
	for _, o := range opts {
		o.apply(&r)
	}
	c.resp = append(c.resp, r)
}

// RoundTrip implements http.RoundTripper.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.calls++
	if len(c.resp) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf(`no response for "%s"`, req.URL.String())
	}
	resp := c.resp[0]
	c.resp = c.resp[1:]
	c.mu.Unlock()

	if req.Body != nil {
		// keep the body readable by the callback and release the original
		b, _ := io.ReadAll(req.Body)
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(b))
	}
	if resp.callback != nil {
		resp.callback(req)
	}
	res := http.Response{Header: resp.headers, StatusCode: resp.code, Request: req}
	res.Body = io.NopCloser(bytes.NewReader(resp.body))
	return &res, nil
}

// HTTPClient returns an *http.Client that sends every request to c.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: c}
}

// Calls is the number of requests c has received.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Remaining is the number of responses that have not been served yet.
func (c *Client) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resp)
}

// GetAccessTokenBody returns a token endpoint response. Empty optional fields are left out.
func GetAccessTokenBody(accessToken, idToken, refreshToken, clientInfo string, expiresIn int, scope string) []byte {
	body := fmt.Sprintf(
		`{"access_token": "%s","expires_in": %d,"token_type": "Bearer"`,
		accessToken, expiresIn,
	)
	if clientInfo != "" {
		body += fmt.Sprintf(`, "client_info": "%s"`, clientInfo)
	}
	if idToken != "" {
		body += fmt.Sprintf(`, "id_token": "%s"`, idToken)
	}
	if refreshToken != "" {
		body += fmt.Sprintf(`, "refresh_token": "%s"`, refreshToken)
	}
	if scope != "" {
		body += fmt.Sprintf(`, "scope": "%s"`, scope)
	}
	body += "}"
	return []byte(body)
}

// GetErrorBody returns an OAuth error response.
func GetErrorBody(code, description string) []byte {
	return []byte(fmt.Sprintf(`{"error": "%s", "error_description": "%s", "error_codes": [50000]}`, code, description))
}

// GetIDToken returns an unsigned ID token for the given user.
func GetIDToken(tenant, issuer, oid, username string) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"aud": "client",
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
		"iss": issuer,
		"tid": tenant,
		"oid": oid,
		"sub": "sub-" + oid,
	}
	if username != "" {
		claims["preferred_username"] = username
		claims["name"] = strings.Split(username, "@")[0]
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		panic(err)
	}
	return s
}

// GetClientInfo returns an encoded client_info for uid and utid.
func GetClientInfo(uid, utid string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"uid":"%s","utid":"%s"}`, uid, utid)))
}
