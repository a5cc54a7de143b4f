// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package models

// Event types pushed to session subscribers. Deltas for a single session
// are delivered in transition order; a reconnecting subscriber recovers
// missed deltas by requesting a fresh snapshot.
const (
	EventQueueSnapshot = "queue_snapshot"
	EventJobUpdated    = "job_updated"
	EventJobProgress   = "job_progress"
	EventLoginChanged  = "session_login_changed"
)

// Event is the wire envelope for subscriber messages.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// JobUpdate is the minimal delta for a job state transition.
type JobUpdate struct {
	SessionID string   `json:"session_id"`
	JobID     string   `json:"job_id"`
	State     JobState `json:"state"`
	Attempts  int      `json:"attempts"`
	ErrorCode string   `json:"error,omitempty"`
}

// JobProgress is a coarse progress delta for a running job.
type JobProgress struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
	Progress  int    `json:"progress"`
}

// QueueSnapshot is the full queue state of one session, used to
// reconstruct client state on (re)connect.
type QueueSnapshot struct {
	SessionID string `json:"session_id"`
	Jobs      []*Job `json:"jobs"`
}

// LoginChange announces a session login-state transition.
type LoginChange struct {
	SessionID  string     `json:"session_id"`
	LoginState LoginState `json:"login_state"`
	User       *User      `json:"user,omitempty"`
	ErrorCode  string     `json:"error,omitempty"`
}
