package util

import (
	"net/url"
	"regexp"
	"strings"
)

// TokenParam is the query parameter carrying the dashboard's bearer token.
const TokenParam = "token"

var replaceHTTPSRe = regexp.MustCompile("^(http)(s?)")

// MakeWsURL converts http:// to ws://
func MakeWsURL(url string) string {
	return replaceHTTPSRe.ReplaceAllString(url, "ws$2")
}

// TokenFromRequestURI returns the token query parameter of a request URI.
// A missing or unparsable URI yields an empty token rather than an error, so
// that connections without credentials are still accepted.
func TokenFromRequestURI(requestURI string) string {
	u, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return ""
	}
	return u.Query().Get(TokenParam)
}

// AppendToken adds token to base as a query parameter. The base is returned
// unchanged if token is empty or base already carries a token parameter.
func AppendToken(base, token string) string {
	if token == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	if _, ok := u.Query()[TokenParam]; ok {
		return base
	}
	sep := "?"
	switch {
	case strings.HasSuffix(base, "?"), strings.HasSuffix(base, "&"):
		sep = ""
	case u.RawQuery != "":
		sep = "&"
	}
	return base + sep + TokenParam + "=" + url.QueryEscape(token)
}

// RedactToken removes the token parameter so the URL is safe to log or show.
func RedactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if _, ok := q[TokenParam]; !ok {
		return raw
	}
	q.Del(TokenParam)
	u.RawQuery = q.Encode()
	return u.String()
}
