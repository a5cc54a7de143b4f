// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/grafov/m3u8"

	"github.com/quaverhq/quaver/internal/logging"
)

// downloadHLS fetches a segmented track: parse the media playlist, then
// fetch segments in order, decrypting each through the stripe cipher.
// Some lossless qualities are only delivered this way.
func (c *DeezerClient) downloadHLS(ctx context.Context, req DownloadRequest, source *mediaSource) error {
	playlist, err := c.fetchPlaylist(ctx, source.URL)
	if err != nil {
		return err
	}

	base, err := url.Parse(source.URL)
	if err != nil {
		return NewError(KindPermanent, CodeUnsupportedFormat, fmt.Errorf("playlist url: %w", err))
	}

	segments := playlist.Segments
	total := 0
	for _, seg := range segments {
		if seg != nil {
			total++
		}
	}
	if total == 0 {
		return NewError(KindTransient, CodeNetwork, fmt.Errorf("empty media playlist"))
	}

	client := &http.Client{Jar: c.http.Jar}
	var written int64
	done := 0
	for _, seg := range segments {
		if seg == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		segURL, err := base.Parse(seg.URI)
		if err != nil {
			return NewError(KindPermanent, CodeUnsupportedFormat, fmt.Errorf("segment uri %q: %w", seg.URI, err))
		}

		n, err := c.fetchSegment(ctx, client, req, segURL.String())
		written += n
		if err != nil {
			return err
		}

		done++
		if req.OnProgress != nil {
			req.OnProgress(done * 100 / total)
		}
	}

	logging.Debug().
		Str("track", req.Track.ID).
		Int("segments", total).
		Str("size", humanize.Bytes(uint64(written))).
		Msg("hls track downloaded")
	return nil
}

func (c *DeezerClient) fetchPlaylist(ctx context.Context, rawURL string) (*m3u8.MediaPlaylist, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build playlist request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, NewError(KindTransient, CodeNetwork, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	parsed, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, NewError(KindTransient, CodeNetwork, fmt.Errorf("parse playlist: %w", err))
	}
	media, ok := parsed.(*m3u8.MediaPlaylist)
	if !ok || listType != m3u8.MEDIA {
		return nil, NewError(KindPermanent, CodeUnsupportedFormat, fmt.Errorf("expected media playlist, got %v", listType))
	}
	return media, nil
}

func (c *DeezerClient) fetchSegment(ctx context.Context, client *http.Client, req DownloadRequest, segURL string) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, segURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build segment request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, NewError(KindTransient, CodeNetwork, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return 0, err
	}

	// Segments carry the same stripe cipher as direct files.
	n, err := decryptStripe(req.Track.ID, resp.Body, req.Dest, nil)
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}
