// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/models"
)

const (
	gwLightURL  = "https://www.deezer.com/ajax/gw-light.php"
	mediaURL    = "https://media.deezer.com/v1/get_url"
	userAgent   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	gwAPIVersion = "1.0"
)

// Options configure a DeezerClient.
type Options struct {
	// RateLimit/RateBurst throttle API calls; the provider rate-limits
	// aggressively and a throttled client sees far fewer 4xx retries.
	RateLimit float64
	RateBurst int

	// Timeout bounds metadata/API calls (not downloads, which are
	// bounded by the scheduler's attempt timeout).
	Timeout time.Duration
}

// DeezerClient implements Client against the Deezer gw-light API and
// media CDN. Safe for concurrent use; one instance per session.
type DeezerClient struct {
	http    *http.Client
	limiter *rate.Limiter

	mu           sync.RWMutex
	user         *models.User
	apiToken     string
	licenseToken string
}

// compile-time interface check
var _ Client = (*DeezerClient)(nil)

// NewDeezerClient constructs an unauthenticated client. No network I/O
// happens here; failures surface on Login or first use.
func NewDeezerClient(opts Options) *DeezerClient {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &DeezerClient{
		http: &http.Client{
			Jar:     jar,
			Timeout: opts.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
	}
}

// Login authenticates with an ARL token. The ARL is set as a cookie and
// validated by fetching user data through the gw-light API.
func (c *DeezerClient) Login(ctx context.Context, creds Credentials) (*models.User, error) {
	if creds.ARL == "" {
		return nil, NewError(KindAuth, CodeInvalidCredentials, fmt.Errorf("empty arl"))
	}

	base, _ := url.Parse("https://www.deezer.com")
	c.http.Jar.SetCookies(base, []*http.Cookie{{
		Name:   "arl",
		Value:  strings.TrimSpace(creds.ARL),
		Domain: ".deezer.com",
		Path:   "/",
	}})

	var result struct {
		User struct {
			ID      json.Number `json:"USER_ID"`
			Name    string      `json:"BLOG_NAME"`
			Options struct {
				LicenseToken string `json:"license_token"`
			} `json:"OPTIONS"`
		} `json:"USER"`
		Country  string `json:"COUNTRY"`
		APIToken string `json:"checkForm"`
		Offer    string `json:"OFFER_NAME"`
	}
	if err := c.gwCall(ctx, "deezer.getUserData", nil, &result); err != nil {
		return nil, err
	}
	if result.User.ID.String() == "" || result.User.ID.String() == "0" {
		return nil, NewError(KindAuth, CodeInvalidCredentials, fmt.Errorf("arl rejected"))
	}

	user := &models.User{
		ID:      result.User.ID.String(),
		Name:    result.User.Name,
		Country: result.Country,
		Plan:    result.Offer,
	}

	c.mu.Lock()
	c.user = user
	c.apiToken = result.APIToken
	c.licenseToken = result.User.Options.LicenseToken
	c.mu.Unlock()

	logging.Debug().Str("user", user.Name).Str("plan", user.Plan).Msg("provider login succeeded")
	return user, nil
}

// IsLoggedIn reports whether the client holds a provider session.
func (c *DeezerClient) IsLoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user != nil
}

// CurrentUser returns the logged-in account, or nil.
func (c *DeezerClient) CurrentUser() *models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// FetchMetadata expands a target into its member tracks.
func (c *DeezerClient) FetchMetadata(ctx context.Context, target models.Target) (*Metadata, error) {
	if !c.IsLoggedIn() {
		return nil, NewError(KindAuth, CodeNotLoggedIn, nil)
	}

	switch target.Type {
	case models.TargetTrack:
		track, err := c.fetchTrack(ctx, target.ID)
		if err != nil {
			return nil, err
		}
		return &Metadata{
			Target: target,
			Title:  track.Title,
			Artist: track.Artist,
			Tracks: []TrackInfo{*track},
		}, nil

	case models.TargetAlbum:
		return c.fetchTrackList(ctx, target, "song.getListByAlbum", map[string]interface{}{
			"alb_id": target.ID, "nb": -1,
		})

	case models.TargetPlaylist:
		return c.fetchTrackList(ctx, target, "playlist.getSongs", map[string]interface{}{
			"playlist_id": target.ID, "nb": -1,
		})

	default:
		return nil, NewError(KindPermanent, CodeNotFound, fmt.Errorf("unknown target type %q", target.Type))
	}
}

// FetchFavorites returns the logged-in user's library in one call per
// collection type through the single bounded call path (no duplicated
// inline retries; the caller's retry policy applies uniformly).
func (c *DeezerClient) FetchFavorites(ctx context.Context) (*Favorites, error) {
	c.mu.RLock()
	user := c.user
	c.mu.RUnlock()
	if user == nil {
		return nil, NewError(KindAuth, CodeNotLoggedIn, nil)
	}

	fav := &Favorites{}

	var playlists struct {
		Tab struct {
			Playlists struct{ Data []gwPlaylist } `json:"playlists"`
			Albums    struct{ Data []gwAlbum }    `json:"albums"`
			Artists   struct{ Data []gwArtist }   `json:"artists"`
			Loved     struct{ Data []gwSong }     `json:"loved"`
		} `json:"TAB"`
	}
	err := c.gwCall(ctx, "deezer.pageProfile", map[string]interface{}{
		"user_id": user.ID, "tab": "playlists", "nb": -1,
	}, &playlists)
	if err != nil {
		return nil, err
	}

	for _, p := range playlists.Tab.Playlists.Data {
		fav.Playlists = append(fav.Playlists, CollectionInfo{
			ID: p.ID.String(), Title: p.Title, NumTracks: p.NumTracks,
		})
	}
	for _, a := range playlists.Tab.Albums.Data {
		fav.Albums = append(fav.Albums, CollectionInfo{
			ID: a.ID.String(), Title: a.Title, Artist: a.Artist, NumTracks: a.NumTracks,
		})
	}
	for _, a := range playlists.Tab.Artists.Data {
		fav.Artists = append(fav.Artists, CollectionInfo{ID: a.ID.String(), Title: a.Name})
	}
	for _, s := range playlists.Tab.Loved.Data {
		fav.Tracks = append(fav.Tracks, s.trackInfo())
	}
	return fav, nil
}

func (c *DeezerClient) fetchTrack(ctx context.Context, id string) (*TrackInfo, error) {
	var song gwSong
	if err := c.gwCall(ctx, "song.getData", map[string]interface{}{"sng_id": id}, &song); err != nil {
		return nil, err
	}
	if song.ID.String() == "" || song.ID.String() == "0" {
		return nil, NewError(KindPermanent, CodeNotFound, fmt.Errorf("track %s", id))
	}
	info := song.trackInfo()
	return &info, nil
}

func (c *DeezerClient) fetchTrackList(ctx context.Context, target models.Target, method string, args map[string]interface{}) (*Metadata, error) {
	var list struct {
		Data []gwSong `json:"data"`
	}
	if err := c.gwCall(ctx, method, args, &list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, NewError(KindPermanent, CodeNotFound, fmt.Errorf("%s %s has no tracks", target.Type, target.ID))
	}

	meta := &Metadata{Target: target}
	for _, song := range list.Data {
		meta.Tracks = append(meta.Tracks, song.trackInfo())
	}
	meta.Title = meta.Tracks[0].Album
	meta.Artist = meta.Tracks[0].Artist
	return meta, nil
}

// gwCall performs one gw-light API call with rate limiting and failure
// classification. Every provider API interaction funnels through here.
func (c *DeezerClient) gwCall(ctx context.Context, method string, args map[string]interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	token := c.apiToken
	c.mu.RUnlock()
	if method == "deezer.getUserData" {
		token = "null"
	}

	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal gw args: %w", err)
	}

	q := url.Values{}
	q.Set("api_version", gwAPIVersion)
	q.Set("api_token", token)
	q.Set("input", "3")
	q.Set("method", method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gwLightURL+"?"+q.Encode(), strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build gw request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return NewError(KindTransient, CodeNetwork, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Results json.RawMessage `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return NewError(KindTransient, CodeNetwork, fmt.Errorf("decode gw response: %w", err))
	}
	if gwErr := parseGWError(envelope.Error); gwErr != nil {
		return gwErr
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Results, out); err != nil {
			return NewError(KindTransient, CodeNetwork, fmt.Errorf("decode gw results: %w", err))
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return NewError(KindTransient, CodeRateLimited, fmt.Errorf("http %d", status))
	case status == http.StatusUnauthorized:
		return NewError(KindAuth, CodeNotLoggedIn, fmt.Errorf("http %d", status))
	case status == http.StatusForbidden:
		return NewError(KindPermanent, CodeForbidden, fmt.Errorf("http %d", status))
	case status == http.StatusNotFound:
		return NewError(KindPermanent, CodeNotFound, fmt.Errorf("http %d", status))
	case status >= 500:
		return NewError(KindTransient, CodeNetwork, fmt.Errorf("http %d", status))
	default:
		return NewError(KindPermanent, CodeForbidden, fmt.Errorf("http %d", status))
	}
}

// parseGWError interprets the gw-light error payload. The API signals
// errors inside a 200 response; an empty object or array means success.
func parseGWError(raw json.RawMessage) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" || trimmed == "[]" {
		return nil
	}
	var byName map[string]string
	if err := json.Unmarshal(raw, &byName); err == nil {
		for name, msg := range byName {
			switch name {
			case "VALID_TOKEN_REQUIRED", "NEED_USER_AUTH_REQUIRED":
				return NewError(KindAuth, CodeNotLoggedIn, fmt.Errorf("%s: %s", name, msg))
			case "DATA_ERROR":
				return NewError(KindPermanent, CodeNotFound, fmt.Errorf("%s: %s", name, msg))
			default:
				return NewError(KindTransient, CodeNetwork, fmt.Errorf("%s: %s", name, msg))
			}
		}
	}
	return NewError(KindTransient, CodeNetwork, fmt.Errorf("gw error: %s", trimmed))
}

// gw-light wire shapes. Numeric fields arrive as either strings or
// numbers depending on endpoint, hence json.Number throughout.

type gwSong struct {
	ID           json.Number `json:"SNG_ID"`
	Title        string      `json:"SNG_TITLE"`
	ArtistName   string      `json:"ART_NAME"`
	AlbumTitle   string      `json:"ALB_TITLE"`
	TrackNumber  json.Number `json:"TRACK_NUMBER"`
	DiskNumber   json.Number `json:"DISK_NUMBER"`
	Duration     json.Number `json:"DURATION"`
	ISRC         string      `json:"ISRC"`
	TrackToken   string      `json:"TRACK_TOKEN"`
	PhysicalYear string      `json:"PHYSICAL_RELEASE_DATE"`
	FileSize320  json.Number `json:"FILESIZE_MP3_320"`
	FileSizeFlac json.Number `json:"FILESIZE_FLAC"`
	FileSize128  json.Number `json:"FILESIZE_MP3_128"`
}

func (s *gwSong) trackInfo() TrackInfo {
	trackNo, _ := strconv.Atoi(s.TrackNumber.String())
	diskNo, _ := strconv.Atoi(s.DiskNumber.String())
	duration, _ := strconv.Atoi(s.Duration.String())

	var qualities []string
	if n, _ := s.FileSizeFlac.Int64(); n > 0 {
		qualities = append(qualities, "flac")
	}
	if n, _ := s.FileSize320.Int64(); n > 0 {
		qualities = append(qualities, "mp3_320")
	}
	if n, _ := s.FileSize128.Int64(); n > 0 {
		qualities = append(qualities, "mp3_128")
	}

	year := s.PhysicalYear
	if len(year) >= 4 {
		year = year[:4]
	}

	return TrackInfo{
		ID:          s.ID.String(),
		Title:       s.Title,
		Artist:      s.ArtistName,
		Album:       s.AlbumTitle,
		TrackNumber: trackNo,
		DiskNumber:  diskNo,
		Year:        year,
		Duration:    duration,
		ISRC:        s.ISRC,
		Token:       s.TrackToken,
		Qualities:   qualities,
	}
}

type gwPlaylist struct {
	ID        json.Number `json:"PLAYLIST_ID"`
	Title     string      `json:"TITLE"`
	NumTracks int         `json:"NB_SONG"`
}

type gwAlbum struct {
	ID        json.Number `json:"ALB_ID"`
	Title     string      `json:"ALB_TITLE"`
	Artist    string      `json:"ART_NAME"`
	NumTracks int         `json:"NUMBER_TRACK"`
}

type gwArtist struct {
	ID   json.Number `json:"ART_ID"`
	Name string      `json:"ART_NAME"`
}
