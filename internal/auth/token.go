// Package auth provides the session token accessor used for
// authenticated requests against the backend chat/search service.
package auth

import (
	"net/http"
	"net/url"
)

// TokenName is the cookie the backend sets on sign-in.
const TokenName = "token"

// TokenSource yields the auth token attached to backend requests as the
// Authorization header and to the socket URL as a query parameter.
type TokenSource interface {
	Token() string
}

// StaticTokenSource returns the same token forever. Used by the CLI,
// where the token arrives as a flag or environment variable.
type StaticTokenSource string

func (s StaticTokenSource) Token() string { return string(s) }

// CookieTokenSource reads the token cookie from an http.CookieJar scoped
// to the backend origin.
type CookieTokenSource struct {
	Jar http.CookieJar
	URL *url.URL
}

func (c *CookieTokenSource) Token() string {
	if c.Jar == nil || c.URL == nil {
		return ""
	}
	for _, cookie := range c.Jar.Cookies(c.URL) {
		if cookie.Name == TokenName {
			return cookie.Value
		}
	}
	return ""
}
