// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package net

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidSourceURL is returned for playlist URLs the engine refuses to fetch.
var ErrInvalidSourceURL = errors.New("invalid source url")

// ValidateSourceURL checks that raw is an absolute http(s) URL without
// embedded credentials and returns it with a normalised host and no
// fragment.
func ValidateSourceURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSourceURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSourceURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrInvalidSourceURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidSourceURL)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials not allowed", ErrInvalidSourceURL)
	}

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSourceURL, err)
	}
	u.Scheme = scheme
	u.Host = joinHostPort(host, u.Port())
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Origin returns scheme://host[:port] of u, the value sent as Referer.
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// SanitizeURL removes user info and query parameters for safe logging.
func SanitizeURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsedURL.User = nil
	parsedURL.RawQuery = ""
	return parsedURL.String()
}
