// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package models defines the shared data model: download jobs with their
// state machine, session login states, and the wire events pushed to
// subscribers.
package models

import (
	"time"
)

// JobState is a node in the job state machine.
type JobState string

const (
	// JobQueued: waiting in its session's FIFO.
	JobQueued JobState = "queued"

	// JobRunning: held by exactly one scheduler worker.
	JobRunning JobState = "running"

	// JobCancelling: cancellation requested while running; the in-flight
	// provider call has been signalled but has not returned yet.
	JobCancelling JobState = "cancelling"

	// Terminal states. A job in one of these never transitions again.
	JobDone      JobState = "done"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// validTransitions encodes the job state machine:
//
//	queued  -> running | cancelled
//	running -> done | failed | queued (retryable failure) | cancelling
//	cancelling -> cancelled
var validTransitions = map[JobState][]JobState{
	JobQueued:     {JobRunning, JobCancelled},
	JobRunning:    {JobDone, JobFailed, JobQueued, JobCancelling, JobCancelled},
	JobCancelling: {JobCancelled},
}

// ValidTransition reports whether from -> to is a legal job transition.
// Illegal transitions indicate a locking bug and must fail loudly at the
// call site rather than corrupt queue state.
func ValidTransition(from, to JobState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TargetType distinguishes single tracks from composite targets that
// expand into multiple track jobs at enqueue time.
type TargetType string

const (
	TargetTrack    TargetType = "track"
	TargetAlbum    TargetType = "album"
	TargetPlaylist TargetType = "playlist"
)

// Target references provider content to download.
type Target struct {
	Type TargetType `json:"type"`

	// ID is the provider's opaque content identifier.
	ID string `json:"id"`

	// Quality is the requested audio quality (mp3_128, mp3_320, flac).
	// Empty means the configured default.
	Quality string `json:"quality,omitempty"`
}

// Job is one requested track download. Composite targets (album,
// playlist) are expanded into track jobs before they reach the queue.
type Job struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Target    Target   `json:"target"`
	Title     string   `json:"title,omitempty"`
	Artist    string   `json:"artist,omitempty"`
	State     JobState `json:"state"`

	// Attempts counts dispatches. It increases only on retryable failure
	// and never exceeds the configured maximum.
	Attempts int `json:"attempts"`

	// ErrorCode is the stable reason code of the last failure, empty
	// while no failure has occurred.
	ErrorCode string `json:"error,omitempty"`

	// Seq is the monotonic enqueue ordering key within the queue.
	Seq uint64 `json:"seq"`

	// Progress is the coarse completion percentage while running.
	Progress int `json:"progress"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// EligibleAt gates dispatch after a retryable failure (backoff).
	// Zero means immediately eligible.
	EligibleAt time.Time `json:"-"`
}

// Clone returns a copy safe to hand to subscribers and snapshots.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
