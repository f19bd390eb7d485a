// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
)

// Method is an EXT-X-KEY encryption method.
type Method string

const (
	MethodNone   Method = "NONE"
	MethodAES128 Method = "AES-128"
)

var (
	// ErrUnsupportedMethod is returned for encryption methods other than NONE and AES-128.
	ErrUnsupportedMethod = errors.New("unsupported encryption method")
	// ErrBadKey is returned for keys or IVs of the wrong size or encoding.
	ErrBadKey = errors.New("malformed encryption key")
	// ErrBadCiphertext is returned when a segment cannot be decrypted.
	ErrBadCiphertext = errors.New("malformed ciphertext")
)

// Encryption describes how the segments of one task are encrypted. It is
// stored verbatim in the segment manifest.
type Encryption struct {
	Method Method `json:"method"`
	Key    []byte `json:"key"`
	IV     []byte `json:"iv"`
}

// Encrypted reports whether segments need decryption.
func (e Encryption) Encrypted() bool {
	return e.Method == MethodAES128
}

// ResolveKey turns a playlist key declaration into an Encryption, fetching
// the key URI relative to playlistURL.
func ResolveKey(ctx context.Context, get Getter, playlistURL *url.URL, key *m3u8.Key) (Encryption, error) {
	if key == nil {
		return Encryption{Method: MethodNone}, nil
	}
	method := Method(strings.ToUpper(strings.TrimSpace(key.Method)))
	switch method {
	case "", MethodNone:
		return Encryption{Method: MethodNone}, nil
	case MethodAES128:
	default:
		return Encryption{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, key.Method)
	}

	if key.URI == "" {
		return Encryption{}, fmt.Errorf("%w: missing key uri", ErrBadKey)
	}
	ref, err := url.Parse(key.URI)
	if err != nil {
		return Encryption{}, fmt.Errorf("%w: key uri: %v", ErrBadKey, err)
	}
	keyURL := ref
	if playlistURL != nil {
		keyURL = playlistURL.ResolveReference(ref)
	}

	raw, err := get.Get(ctx, keyURL.String())
	if err != nil {
		return Encryption{}, fmt.Errorf("fetch key: %w", err)
	}
	if len(raw) != aes.BlockSize {
		return Encryption{}, fmt.Errorf("%w: key is %d bytes, want %d", ErrBadKey, len(raw), aes.BlockSize)
	}

	iv, err := parseIV(key.IV)
	if err != nil {
		return Encryption{}, err
	}
	return Encryption{Method: MethodAES128, Key: raw, IV: iv}, nil
}

// parseIV decodes a 0x-prefixed hex IV. Short values are left-padded.
func parseIV(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("%w: iv %q lacks 0x prefix", ErrBadKey, s)
	}
	digits := s[2:]
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrBadKey, err)
	}
	if len(b) > aes.BlockSize {
		return nil, fmt.Errorf("%w: iv is %d bytes", ErrBadKey, len(b))
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv[aes.BlockSize-len(b):], b)
	return iv, nil
}

// SequenceIV is the implicit IV of a segment: its media sequence number as a
// 128-bit big-endian integer.
func SequenceIV(seq uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], seq)
	return iv
}

// Decrypt returns the plaintext of a segment with media sequence number seq.
func (e Encryption) Decrypt(data []byte, seq uint64) ([]byte, error) {
	if !e.Encrypted() {
		return data, nil
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of the block size", ErrBadCiphertext, len(data))
	}

	block, err := aes.NewCipher(e.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	iv := e.IV
	if len(iv) == 0 {
		iv = SequenceIV(seq)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return unpadPKCS7(out)
}

func unpadPKCS7(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: invalid padding", ErrBadCiphertext)
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, fmt.Errorf("%w: invalid padding", ErrBadCiphertext)
	}
	return b[:len(b)-n], nil
}
