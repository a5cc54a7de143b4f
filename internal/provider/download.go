// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"

	"github.com/quaverhq/quaver/internal/logging"
)

// qualityFormats maps requested quality names onto the media API's
// format identifiers, best candidate first. A track missing the exact
// quality falls back down the list rather than failing outright.
var qualityFormats = map[string][]string{
	"flac":    {"FLAC", "MP3_320", "MP3_128"},
	"mp3_320": {"MP3_320", "MP3_128"},
	"mp3_128": {"MP3_128"},
}

// Download resolves the media URL for the requested quality and streams
// the decrypted payload into req.Dest. HLS-delivered qualities are
// fetched segment by segment; direct URLs stream through the stripe
// decrypter. Cancelling ctx aborts the transfer.
func (c *DeezerClient) Download(ctx context.Context, req DownloadRequest) error {
	c.mu.RLock()
	license := c.licenseToken
	c.mu.RUnlock()
	if license == "" {
		return NewError(KindAuth, CodeNotLoggedIn, nil)
	}

	formats, ok := qualityFormats[req.Quality]
	if !ok {
		return NewError(KindPermanent, CodeUnsupportedFormat, fmt.Errorf("quality %q", req.Quality))
	}

	source, err := c.resolveMedia(ctx, req.Track, license, formats)
	if err != nil {
		return err
	}

	if strings.Contains(source.URL, ".m3u8") {
		return c.downloadHLS(ctx, req, source)
	}
	return c.downloadDirect(ctx, req, source)
}

// mediaSource is one resolved download location.
type mediaSource struct {
	URL    string
	Format string
}

// resolveMedia asks the media API for a delivery URL, trying each format
// candidate until one is granted.
func (c *DeezerClient) resolveMedia(ctx context.Context, track TrackInfo, license string, formats []string) (*mediaSource, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	type formatReq struct {
		Cipher string `json:"cipher"`
		Format string `json:"format"`
	}
	payload := struct {
		LicenseToken string   `json:"license_token"`
		TrackTokens  []string `json:"track_tokens"`
		Media        []struct {
			Type    string      `json:"type"`
			Formats []formatReq `json:"formats"`
		} `json:"media"`
	}{
		LicenseToken: license,
		TrackTokens:  []string{track.Token},
	}
	media := struct {
		Type    string      `json:"type"`
		Formats []formatReq `json:"formats"`
	}{Type: "FULL"}
	for _, f := range formats {
		media.Formats = append(media.Formats, formatReq{Cipher: "BF_CBC_STRIPE", Format: f})
	}
	payload.Media = append(payload.Media, media)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal media request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, mediaURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, NewError(KindTransient, CodeNetwork, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var result struct {
		Data []struct {
			Media []struct {
				Format  string `json:"format"`
				Sources []struct {
					URL string `json:"url"`
				} `json:"sources"`
			} `json:"media"`
			Errors []struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"errors"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, NewError(KindTransient, CodeNetwork, fmt.Errorf("decode media response: %w", err))
	}
	if len(result.Data) == 0 {
		return nil, NewError(KindTransient, CodeNetwork, fmt.Errorf("empty media response"))
	}
	data := result.Data[0]
	if len(data.Errors) > 0 {
		return nil, NewError(KindPermanent, CodeForbidden,
			fmt.Errorf("media error %d: %s", data.Errors[0].Code, data.Errors[0].Message))
	}
	for _, m := range data.Media {
		if len(m.Sources) > 0 {
			return &mediaSource{URL: m.Sources[0].URL, Format: m.Format}, nil
		}
	}
	return nil, NewError(KindPermanent, CodeUnsupportedFormat,
		fmt.Errorf("no source granted for track %s", track.ID))
}

// downloadDirect streams a single encrypted file through the stripe
// decrypter into req.Dest.
func (c *DeezerClient) downloadDirect(ctx context.Context, req DownloadRequest, source *mediaSource) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	// Downloads bypass the API client timeout; the scheduler's attempt
	// timeout bounds the whole transfer via ctx.
	client := &http.Client{Jar: c.http.Jar}
	resp, err := client.Do(httpReq)
	if err != nil {
		return NewError(KindTransient, CodeNetwork, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	written, err := decryptStripe(req.Track.ID, resp.Body, req.Dest, progressWriterFn(resp.ContentLength, req.OnProgress))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	logging.Debug().
		Str("track", req.Track.ID).
		Str("format", source.Format).
		Str("size", humanize.Bytes(uint64(written))).
		Msg("track downloaded")
	return nil
}

// progressWriterFn converts byte counts into coarse percentage callbacks.
func progressWriterFn(total int64, onProgress func(pct int)) func(written int64) {
	if onProgress == nil || total <= 0 {
		return nil
	}
	last := -1
	return func(written int64) {
		pct := int(written * 100 / total)
		if pct != last {
			last = pct
			onProgress(pct)
		}
	}
}
