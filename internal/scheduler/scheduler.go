// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package scheduler runs the download engine: a fixed worker pool that
// drains the queue, drives provider downloads through a circuit
// breaker, applies the retry/backoff policy, and coordinates session
// teardown between the queue and the registry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quaverhq/quaver/internal/config"
	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/metrics"
	"github.com/quaverhq/quaver/internal/models"
	"github.com/quaverhq/quaver/internal/provider"
	"github.com/quaverhq/quaver/internal/queue"
	"github.com/quaverhq/quaver/internal/registry"
)

const (
	// expandConcurrency bounds parallel metadata fetches during
	// composite-target expansion.
	expandConcurrency = 4

	// idlePoll bounds how long an idle worker sleeps between dispatch
	// checks when no wake signal arrives.
	idlePoll = time.Second

	breakerInterval = time.Minute
	breakerTimeout  = 2 * time.Minute
)

// CredentialSource supplies the stored provider credential for
// single-user auto-login. Absence is reported as an empty string.
type CredentialSource interface {
	LoadARL() (string, error)
}

// Recorder persists terminal jobs to the download history.
type Recorder interface {
	Record(job *models.Job)
}

// Tagger writes audio metadata into a completed download.
type Tagger interface {
	Tag(path string, track provider.TrackInfo) error
}

// Scheduler owns the worker pool and the dispatch policy.
type Scheduler struct {
	cfg      config.DownloadsConfig
	sessions config.SessionsConfig
	queue    *queue.Queue
	registry *registry.Registry
	breaker  *providerBreaker
	creds    CredentialSource
	recorder Recorder
	tagger   Tagger

	// autologinMu serializes single-user auto-login per session so
	// concurrent workers do not race duplicate login calls.
	autologinMu sync.Mutex
}

// New assembles a scheduler. creds, recorder, and tagger may be nil.
func New(cfg *config.Config, q *queue.Queue, reg *registry.Registry, creds CredentialSource, recorder Recorder, tagger Tagger) *Scheduler {
	return &Scheduler{
		cfg:      cfg.Downloads,
		sessions: cfg.Sessions,
		queue:    q,
		registry: reg,
		breaker:  newProviderBreaker(),
		creds:    creds,
		recorder: recorder,
		tagger:   tagger,
	}
}

// Serve runs the worker pool until ctx is cancelled. Implemented as a
// suture service body.
func (s *Scheduler) Serve(ctx context.Context) error {
	logging.Info().
		Int("workers", s.cfg.Concurrency).
		Int("session_cap", s.cfg.SessionConcurrency).
		Msg("Scheduler started")

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
	logging.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Scheduler) runWorker(ctx context.Context, worker int) {
	for {
		job, ok := s.queue.DequeueNext()
		if ok {
			s.runJob(ctx, worker, job)
			continue
		}
		idle := idlePoll
		if d, ok := s.queue.NextEligibleIn(); ok && d < idle {
			idle = d
		}
		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.queue.WakeCh():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Enqueue expands targets into track jobs and adds them to the queue.
// Composite targets (albums, playlists) are expanded by fetching their
// track lists; expansion failures reject the whole request so the
// caller never sees a partially added album.
func (s *Scheduler) Enqueue(ctx context.Context, sessionID string, targets []models.Target) ([]*models.Job, error) {
	session := s.registry.GetOrCreate(sessionID)
	if err := s.ensureLogin(ctx, session); err != nil {
		return nil, err
	}

	expanded := make([]*provider.Metadata, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expandConcurrency)
	for i, target := range targets {
		g.Go(func() error {
			var md *provider.Metadata
			err := s.breaker.execute(func() error {
				var ferr error
				md, ferr = session.Client.FetchMetadata(gctx, target)
				return ferr
			})
			metrics.RecordProviderCall("metadata", err)
			if err != nil {
				return fmt.Errorf("expand %s %s: %w", target.Type, target.ID, err)
			}
			expanded[i] = md
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var jobs []*models.Job
	for i, md := range expanded {
		quality := targets[i].Quality
		if quality == "" {
			quality = s.cfg.Quality
		}
		for _, track := range md.Tracks {
			jobs = append(jobs, &models.Job{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				Target: models.Target{
					Type:    models.TargetTrack,
					ID:      track.ID,
					Quality: quality,
				},
				Title:  track.Title,
				Artist: track.Artist,
			})
		}
	}
	s.queue.Add(jobs)
	metrics.JobsEnqueued.Add(float64(len(jobs)))
	logging.Info().
		Str("session_id", sessionID).
		Int("targets", len(targets)).
		Int("jobs", len(jobs)).
		Msg("Targets enqueued")
	return jobs, nil
}

// DestroySession force-cancels the session's jobs, then removes it
// from the registry, in that order so a concurrent connect cannot
// observe a session whose jobs are being torn down.
func (s *Scheduler) DestroySession(sessionID string) {
	stillRunning := s.queue.CancelSession(sessionID)
	removed := s.registry.Remove(sessionID)
	if removed {
		metrics.SessionsActive.Set(float64(s.registry.Len()))
	}
	logging.Info().
		Str("session_id", sessionID).
		Int("running_at_teardown", stillRunning).
		Msg("Session destroyed")
}

// ReapIdle destroys every session idle past the configured timeout and
// returns how many were reaped.
func (s *Scheduler) ReapIdle() int {
	expired := s.registry.Expired(s.sessions.IdleTimeout)
	for _, sessionID := range expired {
		s.DestroySession(sessionID)
		metrics.SessionsReaped.Inc()
	}
	return len(expired)
}

// EnsureLogin exposes the auto-login path for API surfaces that need a
// live provider session (favorites, connect).
func (s *Scheduler) EnsureLogin(ctx context.Context, sessionID string) error {
	return s.ensureLogin(ctx, s.registry.GetOrCreate(sessionID))
}

// ensureLogin makes sure the session can talk to the provider,
// attempting single-user auto-login with the stored credential when
// enabled. Returns an auth error when no login path exists.
func (s *Scheduler) ensureLogin(ctx context.Context, session *registry.Session) error {
	if session.Client.IsLoggedIn() {
		return nil
	}
	if !s.sessions.SingleUser || s.creds == nil {
		return provider.NewError(provider.KindAuth, provider.CodeNotLoggedIn, errors.New("session not logged in"))
	}

	s.autologinMu.Lock()
	defer s.autologinMu.Unlock()
	if session.Client.IsLoggedIn() {
		return nil
	}
	arl, err := s.creds.LoadARL()
	if err != nil {
		return fmt.Errorf("load stored credential: %w", err)
	}
	if arl == "" {
		return provider.NewError(provider.KindAuth, provider.CodeNotLoggedIn, errors.New("no stored credential"))
	}
	if _, err := s.registry.Login(ctx, session.ID, provider.Credentials{ARL: arl}); err != nil {
		return err
	}
	logging.Info().Str("session_id", session.ID).Msg("Auto-login with stored credential")
	return nil
}

// runJob executes one dispatch of a running job and reports the
// outcome back to the queue.
func (s *Scheduler) runJob(ctx context.Context, worker int, job *models.Job) {
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	if !s.queue.BindCancel(job.ID, cancel) {
		// Cancelled between dequeue and bind.
		s.finish(job, s.queue.MarkCancelled(job.ID))
		return
	}

	session, ok := s.registry.Get(job.SessionID)
	if !ok {
		s.finish(job, s.queue.MarkCancelled(job.ID))
		return
	}

	logging.Debug().
		Int("worker", worker).
		Str("job_id", job.ID).
		Str("session_id", job.SessionID).
		Int("attempt", job.Attempts).
		Msg("Dispatching job")

	start := time.Now()
	err := s.download(attemptCtx, session, job)
	if err == nil {
		metrics.JobDuration.WithLabelValues(job.Target.Quality).Observe(time.Since(start).Seconds())
		metrics.RecordJobOutcome(string(models.JobDone))
		s.finish(job, s.queue.MarkDone(job.ID))
		return
	}
	s.handleFailure(ctx, session, job, err)
}

// handleFailure classifies err and applies the retry policy.
func (s *Scheduler) handleFailure(ctx context.Context, session *registry.Session, job *models.Job, err error) {
	code := provider.Code(err)

	switch {
	case ctx.Err() != nil:
		// Process shutdown; leave no terminal transition behind.
		return

	case errors.Is(err, context.Canceled):
		metrics.RecordJobOutcome(string(models.JobCancelled))
		s.finish(job, s.queue.MarkCancelled(job.ID))

	case provider.IsAuth(err):
		// The session lost its provider login. Hold its queue and hand
		// the job back without burning an attempt.
		logging.Warn().
			Str("session_id", job.SessionID).
			Str("job_id", job.ID).
			Str("code", code).
			Msg("Auth failure, pausing session queue")
		s.queue.PauseSession(job.SessionID)
		s.registry.MarkLoggedOut(job.SessionID, code)
		s.finish(job, s.queue.ReturnQueued(job.ID, code))

	case provider.Retryable(err) && job.Attempts < s.cfg.MaxAttempts:
		delay := s.backoff(job.Attempts)
		metrics.JobRetries.WithLabelValues(code).Inc()
		logging.Warn().
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Dur("backoff", delay).
			Str("code", code).
			Err(err).
			Msg("Retryable failure, re-queueing")
		s.finish(job, s.queue.Requeue(job.ID, code, delay))

	default:
		logging.Error().
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Str("code", code).
			Err(err).
			Msg("Job failed")
		metrics.RecordJobOutcome(string(models.JobFailed))
		s.finish(job, s.queue.MarkFailed(job.ID, code))
	}
}

// finish records the terminal job in history and logs bookkeeping
// errors from the queue.
func (s *Scheduler) finish(job *models.Job, err error) {
	if err != nil {
		logging.Error().Str("job_id", job.ID).Err(err).Msg("Queue bookkeeping failed")
		return
	}
	if s.recorder == nil {
		return
	}
	if final, ok := s.queue.Get(job.ID); ok && final.State.Terminal() {
		s.recorder.Record(final)
	}
}

// backoff computes the delay before the next attempt: base doubled per
// completed attempt, capped.
func (s *Scheduler) backoff(attempts int) time.Duration {
	delay := s.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if delay > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return delay
}

// download performs the full pipeline for one track: refresh its
// metadata (media tokens are short-lived), stream the decrypted audio
// to a temp file, tag it, and move it into place.
func (s *Scheduler) download(ctx context.Context, session *registry.Session, job *models.Job) error {
	if err := s.ensureLogin(ctx, session); err != nil {
		return err
	}

	var md *provider.Metadata
	err := s.breaker.execute(func() error {
		var ferr error
		md, ferr = session.Client.FetchMetadata(ctx, job.Target)
		return ferr
	})
	metrics.RecordProviderCall("metadata", err)
	if err != nil {
		return fmt.Errorf("track metadata: %w", err)
	}
	if len(md.Tracks) != 1 {
		return provider.NewError(provider.KindPermanent, provider.CodeNotFound,
			fmt.Errorf("track %s expanded to %d tracks", job.Target.ID, len(md.Tracks)))
	}
	track := md.Tracks[0]

	finalPath, err := s.outputPath(track, job.Target.Quality)
	if err != nil {
		return err
	}
	partPath := finalPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	counter := &countingWriter{w: out}
	err = s.breaker.execute(func() error {
		return session.Client.Download(ctx, provider.DownloadRequest{
			Track:   track,
			Quality: job.Target.Quality,
			Dest:    counter,
			OnProgress: func(pct int) {
				s.queue.ReportProgress(job.ID, pct)
			},
		})
	})
	metrics.RecordProviderCall("download", err)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("download track %s: %w", track.ID, err)
	}
	metrics.DownloadBytes.Add(float64(counter.n))

	if s.tagger != nil && s.cfg.TagFiles && strings.HasSuffix(finalPath, ".mp3") {
		if terr := s.tagger.Tag(partPath, track); terr != nil {
			// Tagging is cosmetic; keep the audio.
			logging.Warn().Str("job_id", job.ID).Err(terr).Msg("Tagging failed")
		}
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		_ = os.Remove(partPath)
		return fmt.Errorf("finalize output: %w", err)
	}
	logging.Info().
		Str("job_id", job.ID).
		Str("path", finalPath).
		Str("size", humanize.Bytes(uint64(counter.n))).
		Msg("Track downloaded")
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
