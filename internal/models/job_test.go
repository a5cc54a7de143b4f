// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package models

import (
	"testing"
	"time"
)

func TestTerminalStates(t *testing.T) {
	terminal := []JobState{JobDone, JobFailed, JobCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []JobState{JobQueued, JobRunning, JobCancelling}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to JobState
		want     bool
	}{
		{JobQueued, JobRunning, true},
		{JobQueued, JobCancelled, true},
		{JobQueued, JobDone, false},
		{JobRunning, JobDone, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobQueued, true}, // retryable failure re-tail
		{JobRunning, JobCancelling, true},
		{JobCancelling, JobCancelled, true},
		{JobCancelling, JobRunning, false},
		// Terminal states are immutable.
		{JobDone, JobQueued, false},
		{JobFailed, JobRunning, false},
		{JobCancelled, JobQueued, false},
	}

	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobClone(t *testing.T) {
	started := time.Now()
	job := &Job{
		ID:        "j1",
		SessionID: "s1",
		State:     JobRunning,
		StartedAt: &started,
	}

	clone := job.Clone()
	clone.State = JobDone
	*clone.StartedAt = started.Add(time.Hour)

	if job.State != JobRunning {
		t.Error("mutating the clone changed the original state")
	}
	if !job.StartedAt.Equal(started) {
		t.Error("mutating the clone changed the original timestamp")
	}
}
