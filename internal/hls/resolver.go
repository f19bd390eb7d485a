// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/grafov/m3u8"
)

var (
	// ErrNestedMaster is returned when a variant resolves to another master playlist.
	ErrNestedMaster = errors.New("variant playlist is itself a master playlist")
	// ErrNoVariant is returned for a master playlist without variants.
	ErrNoVariant = errors.New("master playlist has no variants")
	// ErrNoSegments is returned for a media playlist without segments.
	ErrNoSegments = errors.New("media playlist has no segments")
)

// Segment is one media segment of a resolved playlist.
type Segment struct {
	Seq uint64
	URL string
}

// Playlist is a resolved media playlist.
type Playlist struct {
	URL      *url.URL
	Segments []Segment
	Key      *m3u8.Key
}

// Resolver turns a playlist URL into a media playlist, following exactly one
// level of variant indirection (always the first variant).
type Resolver struct {
	get Getter
}

// NewResolver returns a resolver that fetches through get.
func NewResolver(get Getter) *Resolver {
	return &Resolver{get: get}
}

// Resolve fetches and decodes rawURL.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*Playlist, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse playlist url: %w", err)
	}

	pl, listType, err := r.decode(ctx, base)
	if err != nil {
		return nil, err
	}

	if listType == m3u8.MASTER {
		master := pl.(*m3u8.MasterPlaylist)
		variant := firstVariant(master)
		if variant == nil {
			return nil, ErrNoVariant
		}
		ref, err := url.Parse(variant.URI)
		if err != nil {
			return nil, fmt.Errorf("parse variant uri: %w", err)
		}
		base = base.ResolveReference(ref)

		pl, listType, err = r.decode(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("variant: %w", err)
		}
		if listType == m3u8.MASTER {
			return nil, ErrNestedMaster
		}
	}

	media, ok := pl.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type %T", pl)
	}
	return mediaToPlaylist(base, media)
}

func (r *Resolver) decode(ctx context.Context, u *url.URL) (m3u8.Playlist, m3u8.ListType, error) {
	body, err := r.get.Get(ctx, u.String())
	if err != nil {
		return nil, 0, fmt.Errorf("fetch playlist: %w", err)
	}
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, 0, fmt.Errorf("decode playlist: %w", err)
	}
	return pl, listType, nil
}

func firstVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	for _, v := range master.Variants {
		if v != nil && v.URI != "" {
			return v
		}
	}
	return nil
}

func mediaToPlaylist(base *url.URL, media *m3u8.MediaPlaylist) (*Playlist, error) {
	out := &Playlist{URL: base, Key: media.Key}

	var idx uint64
	for _, seg := range media.Segments {
		// the decoder leaves unused capacity as nil entries
		if seg == nil {
			continue
		}
		if out.Key == nil && seg.Key != nil {
			out.Key = seg.Key
		}
		ref, err := url.Parse(seg.URI)
		if err != nil {
			return nil, fmt.Errorf("parse segment uri %q: %w", seg.URI, err)
		}
		out.Segments = append(out.Segments, Segment{
			Seq: media.SeqNo + idx,
			URL: base.ResolveReference(ref).String(),
		})
		idx++
	}

	if len(out.Segments) == 0 {
		return nil, ErrNoSegments
	}
	return out, nil
}
