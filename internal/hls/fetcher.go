// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hls resolves HLS playlists into segment lists, fetches remote
// resources and decrypts AES-128 segments.
package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/m3u8d/internal/platform/httpx"
	pnet "github.com/ManuGH/m3u8d/internal/platform/net"
)

// maxBodyBytes caps a single playlist, key or segment response.
const maxBodyBytes = 1 << 30

// Getter fetches the full body of a remote resource.
type Getter interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// StatusError reports a non-200 response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", pnet.SanitizeURL(e.URL), e.Code)
}

// Fetcher performs GET requests with the headers CDNs expect from a browser
// player: Referer set to the resource origin and Upgrade-Insecure-Requests.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) { f.userAgent = ua }
}

// NewFetcher wraps client. A nil client gets a traced httpx client with the
// default timeout.
func NewFetcher(client *http.Client, opts ...FetcherOption) *Fetcher {
	if client == nil {
		client = NewHTTPClient(0)
	}
	f := &Fetcher{client: client}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewHTTPClient returns an httpx client whose transport is instrumented with
// otelhttp so each remote fetch becomes a client span.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return httpx.NewClient(timeout, httpx.WithTransport(func(rt http.RoundTripper) http.RoundTripper {
		return otelhttp.NewTransport(rt)
	}))
}

// Get fetches rawURL and returns the body of a 200 response.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Referer", pnet.Origin(u))
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", pnet.SanitizeURL(rawURL), err)
	}
	return body, nil
}
