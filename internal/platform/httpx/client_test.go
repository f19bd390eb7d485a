// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpx

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(0)
	assert.Equal(t, defaultClientTimeout, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok, "transport type = %T", client.Transport)
	assert.Equal(t, defaultMaxIdleConnsPerHost, transport.MaxIdleConnsPerHost)
	assert.Equal(t, defaultResponseHeaderTimeout, transport.ResponseHeaderTimeout)
}

func TestNewClient_ShortTimeoutCapsTransport(t *testing.T) {
	want := 1500 * time.Millisecond
	client := NewClient(want)
	transport := client.Transport.(*http.Transport)
	assert.Equal(t, want, transport.TLSHandshakeTimeout)
	assert.Equal(t, want, transport.ResponseHeaderTimeout)
}

type countingRT struct {
	next  http.RoundTripper
	calls int
}

func (c *countingRT) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls++
	return c.next.RoundTrip(r)
}

func TestNewClient_WithTransport(t *testing.T) {
	var wrapped *countingRT
	client := NewClient(time.Second, WithTransport(func(rt http.RoundTripper) http.RoundTripper {
		wrapped = &countingRT{next: rt}
		return wrapped
	}))
	require.NotNil(t, wrapped)
	assert.Same(t, wrapped, client.Transport)
	_, isBase := wrapped.next.(*http.Transport)
	assert.True(t, isBase)
}
