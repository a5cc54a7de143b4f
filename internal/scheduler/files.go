// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quaverhq/quaver/internal/provider"
)

// outputPath builds <dir>/<artist>/<album>/<NN - title>.<ext> for the
// track, creating the directories as needed.
func (s *Scheduler) outputPath(track provider.TrackInfo, quality string) (string, error) {
	artist := sanitizeName(track.Artist)
	if artist == "" {
		artist = "Unknown Artist"
	}
	album := sanitizeName(track.Album)
	if album == "" {
		album = "Unknown Album"
	}
	dir := filepath.Join(s.cfg.Directory, artist, album)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create album directory: %w", err)
	}

	title := sanitizeName(track.Title)
	if title == "" {
		title = track.ID
	}
	name := title
	if track.TrackNumber > 0 {
		name = fmt.Sprintf("%02d - %s", track.TrackNumber, title)
	}
	return filepath.Join(dir, name+extForQuality(quality)), nil
}

func extForQuality(quality string) string {
	if quality == "flac" {
		return ".flac"
	}
	return ".mp3"
}

// filenameReplacer strips characters that are path separators or
// illegal on common filesystems.
var filenameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "",
	"?", "",
	"\"", "'",
	"<", "(",
	">", ")",
	"|", "-",
	"\x00", "",
)

func sanitizeName(name string) string {
	clean := strings.TrimSpace(filenameReplacer.Replace(name))
	clean = strings.Trim(clean, ".")
	const maxLen = 180
	if len(clean) > maxLen {
		clean = clean[:maxLen]
	}
	return clean
}
