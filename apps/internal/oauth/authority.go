// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package oauth

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// DefaultHost is the public cloud host used when no authority URL is given.
	DefaultHost = "login.microsoftonline.com"
	// DefaultTenant is used when neither a tenant nor an authority URL is given.
	DefaultTenant = "common"
)

// Authority types accepted by msauth.
const (
	AAD  = "AAD"
	B2C  = "B2C"
	CIAM = "CIAM"
)

// aadHosts are trusted without appearing in a known authorities list.
var aadHosts = map[string]bool{
	"login.microsoftonline.com":        true,
	"login.microsoft.com":              true,
	"login.windows.net":                true,
	"sts.windows.net":                  true,
	"login.microsoftonline.us":         true,
	"login.chinacloudapi.cn":           true,
	"login.partner.microsoftonline.cn": true,
	"login-us.microsoftonline.com":     true,
	"login.usgovcloudapi.net":          true,
	"login.microsoftonline.de":         true,
}

// Authority is a validated identity provider root such as
// https://login.microsoftonline.com/contoso.
type Authority struct {
	// Canonical is the authority URL without a trailing slash.
	Canonical string
	Host      string
	// Tenant is the first path segment.
	Tenant string
	// Type is one of AAD, B2C or CIAM.
	Type string
}

// Endpoints are the OAuth endpoints under an Authority.
type Endpoints struct {
	Authorize string
	Token     string
	Logout    string
}

// NewAuthority resolves the authority for a request. rawURL overrides everything;
// otherwise the authority is the public cloud host with tenant (default "common").
// When knownAuthorities is not empty, a host that is not a well-known AAD host must be
// listed there. Entries may be bare hosts or URLs.
func NewAuthority(rawURL, tenant, authorityType string, knownAuthorities []string) (Authority, error) {
	if authorityType == "" {
		authorityType = AAD
	}
	switch authorityType {
	case AAD, B2C, CIAM:
	default:
		return Authority{}, fmt.Errorf("authority type %q is not one of AAD, B2C or CIAM", authorityType)
	}

	if rawURL == "" {
		if tenant == "" {
			tenant = DefaultTenant
		}
		rawURL = "https://" + DefaultHost + "/" + tenant
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Authority{}, fmt.Errorf("authority URL %q could not be parsed: %w", rawURL, err)
	}
	if u.Scheme != "https" {
		return Authority{}, fmt.Errorf("authority URL %q must use https", rawURL)
	}
	if u.Hostname() == "" {
		return Authority{}, fmt.Errorf("authority URL %q has no host", rawURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return Authority{}, fmt.Errorf("authority URL %q must not have a query or fragment", rawURL)
	}
	path := strings.Trim(u.EscapedPath(), "/")
	if path == "" {
		return Authority{}, fmt.Errorf("authority URL %q has no tenant segment", rawURL)
	}

	host := strings.ToLower(u.Host)
	if len(knownAuthorities) > 0 && !aadHosts[strings.ToLower(u.Hostname())] && !isKnown(host, knownAuthorities) {
		return Authority{}, fmt.Errorf("authority host %q is not in the known authorities list", host)
	}

	return Authority{
		Canonical: "https://" + host + "/" + path,
		Host:      host,
		Tenant:    strings.SplitN(path, "/", 2)[0],
		Type:      authorityType,
	}, nil
}

func isKnown(host string, knownAuthorities []string) bool {
	for _, k := range knownAuthorities {
		k = strings.TrimSpace(k)
		if u, err := url.Parse(k); err == nil && u.Host != "" {
			k = u.Host
		}
		if strings.EqualFold(strings.TrimSuffix(k, "/"), host) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (a Authority) String() string {
	return a.Canonical
}

// Endpoints returns the v2.0 endpoints of a.
func (a Authority) Endpoints() Endpoints {
	return Endpoints{
		Authorize: a.Canonical + "/oauth2/v2.0/authorize",
		Token:     a.Canonical + "/oauth2/v2.0/token",
		Logout:    a.Canonical + "/oauth2/v2.0/logout",
	}
}

// accountType is the authority type recorded on cached accounts.
func (a Authority) accountType() string {
	if a.Type == B2C {
		return "B2C"
	}
	return "MSSTS"
}
