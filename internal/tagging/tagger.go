// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package tagging writes ID3v2 metadata into completed MP3 downloads.
package tagging

import (
	"fmt"

	"github.com/bogem/id3v2"

	"github.com/quaverhq/quaver/internal/provider"
)

// Tagger applies catalog metadata as ID3v2 frames.
type Tagger struct{}

// New returns a Tagger.
func New() *Tagger {
	return &Tagger{}
}

// Tag writes title, artist, album, numbering, year, and ISRC frames
// into the MP3 at path. Existing frames of the same IDs are replaced.
func (t *Tagger) Tag(path string, track provider.TrackInfo) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("open id3 tag: %w", err)
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	if track.Title != "" {
		tag.SetTitle(track.Title)
	}
	if track.Artist != "" {
		tag.SetArtist(track.Artist)
	}
	if track.Album != "" {
		tag.SetAlbum(track.Album)
	}
	if track.Year != "" {
		tag.SetYear(track.Year)
	}
	if track.TrackNumber > 0 {
		tag.AddTextFrame("TRCK", id3v2.EncodingUTF8, fmt.Sprintf("%d", track.TrackNumber))
	}
	if track.DiskNumber > 0 {
		tag.AddTextFrame("TPOS", id3v2.EncodingUTF8, fmt.Sprintf("%d", track.DiskNumber))
	}
	if track.ISRC != "" {
		tag.AddTextFrame("TSRC", id3v2.EncodingUTF8, track.ISRC)
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("save id3 tag: %w", err)
	}
	return nil
}
