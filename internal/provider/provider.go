// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package provider defines the capability interface for the external
// music-catalog/download provider and a Deezer-style implementation.
//
// The rest of the system depends only on the Client interface; the
// concrete adapter wraps whatever the provider actually speaks (HTTP
// API, encrypted CDN streams, HLS manifests) behind it. One Client
// belongs to exactly one session for its entire lifetime.
package provider

import (
	"context"
	"io"

	"github.com/quaverhq/quaver/internal/models"
)

// Credentials authenticate a Client against the provider. The ARL token
// is an already-issued long-lived session credential; Quaver never
// performs the provider's interactive login flow.
type Credentials struct {
	ARL string
}

// TrackInfo is the catalog metadata for a single downloadable track.
type TrackInfo struct {
	ID          string
	Title       string
	Artist      string
	Album       string
	TrackNumber int
	DiskNumber  int
	Year        string
	Duration    int
	ISRC        string

	// Token authorizes media URL resolution for this track; short-lived.
	Token string

	// Qualities the provider offers for this track, best first.
	Qualities []string
}

// Metadata is the expansion of a target: one track for TargetTrack,
// every member track for albums and playlists.
type Metadata struct {
	Target models.Target
	Title  string
	Artist string
	Tracks []TrackInfo
}

// Favorites is the logged-in user's library, served by the connect
// surface for session bootstrap.
type Favorites struct {
	Playlists []CollectionInfo `json:"playlists"`
	Albums    []CollectionInfo `json:"albums"`
	Artists   []CollectionInfo `json:"artists"`
	Tracks    []TrackInfo      `json:"tracks"`
}

// CollectionInfo is a provider collection reference (album, playlist,
// artist page) as shown in favorites listings.
type CollectionInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist,omitempty"`
	NumTracks int   `json:"num_tracks,omitempty"`
}

// DownloadRequest is one track download attempt.
type DownloadRequest struct {
	Track   TrackInfo
	Quality string

	// Dest receives the decrypted audio payload.
	Dest io.Writer

	// OnProgress, if set, receives coarse percentage updates. It must be
	// cheap and non-blocking; the adapter calls it from the transfer
	// goroutine.
	OnProgress func(pct int)
}

// Client is the fixed capability interface over the provider. All
// blocking operations honor their context; cancelling the context of an
// in-flight Download aborts the transfer.
type Client interface {
	// Login authenticates with the given credentials. Constructing a
	// Client never touches the network; failures surface here.
	Login(ctx context.Context, creds Credentials) (*models.User, error)

	// IsLoggedIn reports whether the client holds a live provider session.
	IsLoggedIn() bool

	// CurrentUser returns the logged-in account, or nil.
	CurrentUser() *models.User

	// FetchMetadata expands a target into its track list.
	FetchMetadata(ctx context.Context, target models.Target) (*Metadata, error)

	// FetchFavorites returns the logged-in user's library.
	FetchFavorites(ctx context.Context) (*Favorites, error)

	// Download streams one track into req.Dest.
	Download(ctx context.Context, req DownloadRequest) error
}
