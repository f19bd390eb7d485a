// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package testutil provides a fake HLS origin for tests.
package testutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Origin is an httptest server that serves registered paths and records
// request counts, headers and peak concurrency.
type Origin struct {
	Server *httptest.Server

	mu      sync.Mutex
	files   map[string][]byte
	fail    map[string]int
	hits    map[string]int
	headers map[string]http.Header
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewOrigin starts an origin that is closed when the test ends.
func NewOrigin(t testing.TB) *Origin {
	t.Helper()
	o := &Origin{
		files:   make(map[string][]byte),
		fail:    make(map[string]int),
		hits:    make(map[string]int),
		headers: make(map[string]http.Header),
	}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Server.Close)
	return o
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	n := o.inFlight.Add(1)
	defer o.inFlight.Add(-1)
	for {
		peak := o.maxInFlight.Load()
		if n <= peak || o.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	o.mu.Lock()
	path := r.URL.Path
	o.hits[path]++
	o.headers[path] = r.Header.Clone()
	body, ok := o.files[path]
	failing := o.fail[path]
	if failing > 0 {
		o.fail[path] = failing - 1
	}
	delay := o.delay
	o.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failing != 0 {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(body)
}

// Put registers body under path.
func (o *Origin) Put(path string, body []byte) {
	o.mu.Lock()
	o.files[path] = body
	o.mu.Unlock()
}

// Fail makes the next times requests for path answer 500. A negative value
// fails forever.
func (o *Origin) Fail(path string, times int) {
	o.mu.Lock()
	o.fail[path] = times
	o.mu.Unlock()
}

// SetDelay holds every response for d.
func (o *Origin) SetDelay(d time.Duration) {
	o.mu.Lock()
	o.delay = d
	o.mu.Unlock()
}

// URL returns the absolute URL of path.
func (o *Origin) URL(path string) string {
	return o.Server.URL + path
}

// Hits returns how many requests reached path.
func (o *Origin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// Header returns the headers of the last request for path.
func (o *Origin) Header(path string) http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.headers[path]
}

// MaxInFlight returns the peak number of concurrent requests observed.
func (o *Origin) MaxInFlight() int {
	return int(o.maxInFlight.Load())
}

// VOD describes a media playlist served by ServeVOD.
type VOD struct {
	Dir      string // URL directory, e.g. "/vod"
	Segments int
	MediaSeq uint64
	Key      []byte // AES-128 key; nil serves clear segments
	IV       []byte // explicit IV; nil uses the sequence number
}

// ServeVOD registers a media playlist, its segments and key. It returns the
// playlist URL and the plaintext of each segment in playlist order.
func (o *Origin) ServeVOD(v VOD) (string, [][]byte) {
	if v.Dir == "" {
		v.Dir = "/vod"
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", v.MediaSeq)
	if v.Key != nil {
		o.Put(v.Dir+"/key.bin", v.Key)
		if v.IV != nil {
			fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\",IV=0x%x\n", v.IV)
		} else {
			b.WriteString("#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n")
		}
	}

	plain := make([][]byte, v.Segments)
	for i := 0; i < v.Segments; i++ {
		name := fmt.Sprintf("seg%03d.ts", i)
		plain[i] = SegmentBody(i)
		body := plain[i]
		if v.Key != nil {
			iv := v.IV
			if iv == nil {
				iv = seqIV(v.MediaSeq + uint64(i))
			}
			body = EncryptCBC(v.Key, iv, plain[i])
		}
		o.Put(v.Dir+"/"+name, body)
		fmt.Fprintf(&b, "#EXTINF:4.0,\n%s\n", name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	o.Put(v.Dir+"/index.m3u8", []byte(b.String()))
	return o.URL(v.Dir + "/index.m3u8"), plain
}

// SegmentPath returns the URL path of segment i of a VOD served under dir.
func SegmentPath(dir string, i int) string {
	if dir == "" {
		dir = "/vod"
	}
	return fmt.Sprintf("%s/seg%03d.ts", dir, i)
}

// SegmentBody returns deterministic, non-block-aligned segment content.
func SegmentBody(i int) []byte {
	return bytes.Repeat([]byte{byte('a' + i%26)}, 100+i*7)
}

// EncryptCBC encrypts plain with AES-128-CBC and PKCS#7 padding.
func EncryptCBC(key, iv, plain []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	buf := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, buf)
	return out
}

func seqIV(seq uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	for i := 0; i < 8; i++ {
		iv[15-i] = byte(seq >> (8 * i))
	}
	return iv
}
