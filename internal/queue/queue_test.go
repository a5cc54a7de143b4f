// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package queue

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

type recordingPub struct {
	mu       sync.Mutex
	updates  []models.JobUpdate
	progress []models.JobProgress
}

func (p *recordingPub) PublishJobUpdate(u models.JobUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
}

func (p *recordingPub) PublishJobProgress(pr models.JobProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, pr)
}

func (p *recordingPub) updatesFor(jobID string) []models.JobUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.JobUpdate
	for _, u := range p.updates {
		if u.JobID == jobID {
			out = append(out, u)
		}
	}
	return out
}

func (p *recordingPub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

func testJob(sessionID, id string) *models.Job {
	return &models.Job{
		ID:        id,
		SessionID: sessionID,
		Target:    models.Target{Type: models.TargetTrack, ID: id},
	}
}

func addJobs(q *Queue, sessionID string, n int) []string {
	jobs := make([]*models.Job, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("%s-job-%d", sessionID, i)
		jobs[i] = testJob(sessionID, ids[i])
	}
	q.Add(jobs)
	return ids
}

func TestFIFOAtConcurrencyOne(t *testing.T) {
	q := New(Limits{Global: 1, PerSession: 1}, nil)
	ids := addJobs(q, "s1", 5)

	var completed []string
	for {
		job, ok := q.DequeueNext()
		if !ok {
			break
		}
		completed = append(completed, job.ID)
		if err := q.MarkDone(job.ID); err != nil {
			t.Fatalf("MarkDone(%s) error = %v", job.ID, err)
		}
	}
	if len(completed) != len(ids) {
		t.Fatalf("completed %d jobs, want %d", len(completed), len(ids))
	}
	for i, id := range ids {
		if completed[i] != id {
			t.Fatalf("completion order %v, want %v", completed, ids)
		}
	}
}

func TestGlobalCapBlocksDispatch(t *testing.T) {
	q := New(Limits{Global: 2, PerSession: 2}, nil)
	addJobs(q, "s1", 4)

	if _, ok := q.DequeueNext(); !ok {
		t.Fatal("first dequeue failed")
	}
	if _, ok := q.DequeueNext(); !ok {
		t.Fatal("second dequeue failed")
	}
	if _, ok := q.DequeueNext(); ok {
		t.Fatal("dequeue exceeded the global cap")
	}
	if got := q.RunningCount(); got != 2 {
		t.Fatalf("RunningCount() = %d, want 2", got)
	}
}

func TestPerSessionCapAndRoundRobin(t *testing.T) {
	q := New(Limits{Global: 4, PerSession: 1}, nil)
	addJobs(q, "a", 2)
	addJobs(q, "b", 2)

	first, ok := q.DequeueNext()
	if !ok {
		t.Fatal("first dequeue failed")
	}
	second, ok := q.DequeueNext()
	if !ok {
		t.Fatal("second dequeue failed")
	}
	if first.SessionID == second.SessionID {
		t.Fatalf("both dispatches went to session %q", first.SessionID)
	}
	// Both sessions are at their cap now.
	if _, ok := q.DequeueNext(); ok {
		t.Fatal("dequeue exceeded a per-session cap")
	}

	if err := q.MarkDone(first.ID); err != nil {
		t.Fatalf("MarkDone error = %v", err)
	}
	third, ok := q.DequeueNext()
	if !ok {
		t.Fatal("dequeue after completion failed")
	}
	if third.SessionID != first.SessionID {
		t.Fatalf("freed capacity went to %q, want %q", third.SessionID, first.SessionID)
	}
}

func TestAttemptsCountDispatches(t *testing.T) {
	q := New(Limits{Global: 1, PerSession: 1}, nil)
	addJobs(q, "s1", 1)

	for want := 1; want <= 3; want++ {
		job, ok := q.DequeueNext()
		if !ok {
			t.Fatalf("dequeue %d failed", want)
		}
		if job.Attempts != want {
			t.Fatalf("attempt %d: Attempts = %d", want, job.Attempts)
		}
		if want < 3 {
			if err := q.Requeue(job.ID, "network", 0); err != nil {
				t.Fatalf("Requeue error = %v", err)
			}
		} else {
			if err := q.MarkDone(job.ID); err != nil {
				t.Fatalf("MarkDone error = %v", err)
			}
		}
	}

	job, _ := q.Get("s1-job-0")
	if job.State != models.JobDone || job.Attempts != 3 {
		t.Fatalf("final job = state %q attempts %d, want done/3", job.State, job.Attempts)
	}
}

func TestRequeueReTails(t *testing.T) {
	q := New(Limits{Global: 1, PerSession: 1}, nil)
	ids := addJobs(q, "s1", 3)

	first, _ := q.DequeueNext()
	if first.ID != ids[0] {
		t.Fatalf("dequeued %q first, want %q", first.ID, ids[0])
	}
	if err := q.Requeue(first.ID, "timeout", 0); err != nil {
		t.Fatalf("Requeue error = %v", err)
	}

	// The failed job goes to the tail, behind the other two.
	var order []string
	for {
		job, ok := q.DequeueNext()
		if !ok {
			break
		}
		order = append(order, job.ID)
		q.MarkDone(job.ID)
	}
	want := []string{ids[1], ids[2], ids[0]}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestBackoffGatesDispatch(t *testing.T) {
	q := New(Limits{Global: 1, PerSession: 1}, nil)
	now := time.Now()
	q.now = func() time.Time { return now }
	addJobs(q, "s1", 1)

	job, _ := q.DequeueNext()
	if err := q.Requeue(job.ID, "network", 5*time.Second); err != nil {
		t.Fatalf("Requeue error = %v", err)
	}

	if _, ok := q.DequeueNext(); ok {
		t.Fatal("job dispatched inside its backoff window")
	}
	delay, ok := q.NextEligibleIn()
	if !ok || delay <= 0 || delay > 5*time.Second {
		t.Fatalf("NextEligibleIn() = %v, %v", delay, ok)
	}

	now = now.Add(6 * time.Second)
	if _, ok := q.DequeueNext(); !ok {
		t.Fatal("job not dispatched after backoff elapsed")
	}
}

func TestCancelQueuedIsSynchronous(t *testing.T) {
	pub := &recordingPub{}
	q := New(Limits{Global: 1, PerSession: 1}, pub)
	ids := addJobs(q, "s1", 1)

	if err := q.Cancel(ids[0]); err != nil {
		t.Fatalf("Cancel error = %v", err)
	}
	job, _ := q.Get(ids[0])
	if job.State != models.JobCancelled {
		t.Fatalf("state = %q, want cancelled", job.State)
	}
	if job.FinishedAt == nil {
		t.Fatal("FinishedAt not set")
	}

	updates := pub.updatesFor(ids[0])
	last := updates[len(updates)-1]
	if last.State != models.JobCancelled {
		t.Fatalf("last delta state = %q, want cancelled", last.State)
	}

	// Terminal jobs reject further cancels.
	if err := q.Cancel(ids[0]); err != ErrJobTerminal {
		t.Fatalf("second Cancel error = %v, want ErrJobTerminal", err)
	}
}

func TestCancelRunningGoesThroughCancelling(t *testing.T) {
	q := New(Limits{Global: 1, PerSession: 1}, nil)
	ids := addJobs(q, "s1", 1)

	job, _ := q.DequeueNext()
	ctx, cancel := context.WithCancel(context.Background())
	if !q.BindCancel(job.ID, cancel) {
		t.Fatal("BindCancel failed for a running job")
	}

	if err := q.Cancel(ids[0]); err != nil {
		t.Fatalf("Cancel error = %v", err)
	}
	got, _ := q.Get(ids[0])
	if got.State != models.JobCancelling {
		t.Fatalf("state = %q, want cancelling", got.State)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("attempt context not cancelled")
	}

	// Worker acknowledges the abort; even MarkDone lands in cancelled.
	if err := q.MarkDone(job.ID); err != nil {
		t.Fatalf("MarkDone error = %v", err)
	}
	got, _ = q.Get(ids[0])
	if got.State != models.JobCancelled {
		t.Fatalf("final state = %q, want cancelled", got.State)
	}
}

func TestBindCancelAfterCancelFails(t *testing.T) {
	q := New(Limits{Global: 1, PerSession: 1}, nil)
	ids := addJobs(q, "s1", 1)

	job, _ := q.DequeueNext()
	if err := q.Cancel(ids[0]); err != nil {
		t.Fatalf("Cancel error = %v", err)
	}
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	if q.BindCancel(job.ID, cancel) {
		t.Fatal("BindCancel succeeded for a cancelling job")
	}
}

func TestCancelSessionSilencesDeltas(t *testing.T) {
	pub := &recordingPub{}
	q := New(Limits{Global: 2, PerSession: 2}, pub)
	addJobs(q, "s1", 3)

	running, _ := q.DequeueNext()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.BindCancel(running.ID, cancel)

	still := q.CancelSession("s1")
	if still != 1 {
		t.Fatalf("CancelSession returned %d running, want 1", still)
	}
	seen := pub.count()

	// The straggler's terminal transition must not produce a delta.
	if err := q.MarkCancelled(running.ID); err != nil {
		t.Fatalf("MarkCancelled error = %v", err)
	}
	if pub.count() != seen {
		t.Fatal("delta published after session cancellation")
	}

	// The session's jobs are gone once the straggler finished.
	snap := q.Snapshot("s1")
	if len(snap.Jobs) != 0 {
		t.Fatalf("snapshot has %d jobs after teardown, want 0", len(snap.Jobs))
	}
}

func TestEnqueueAfterCancelSessionRevives(t *testing.T) {
	pub := &recordingPub{}
	q := New(Limits{Global: 2, PerSession: 2}, pub)
	addJobs(q, "s1", 1)

	straggler, _ := q.DequeueNext()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.BindCancel(straggler.ID, cancel)
	if still := q.CancelSession("s1"); still != 1 {
		t.Fatalf("CancelSession returned %d running, want 1", still)
	}

	// The user is back under the same session ID before the straggler
	// drained; the new job's delta must escape.
	q.Add([]*models.Job{testJob("s1", "fresh-job")})
	queued := pub.updatesFor("fresh-job")
	if len(queued) != 1 || queued[0].State != models.JobQueued {
		t.Fatalf("enqueue deltas = %+v, want one queued update", queued)
	}

	// The straggler drains after the revival; its terminal transition is
	// visible again so the session's stream stays consistent.
	if err := q.MarkCancelled(straggler.ID); err != nil {
		t.Fatalf("MarkCancelled error = %v", err)
	}
	stragglerUpdates := pub.updatesFor(straggler.ID)
	if len(stragglerUpdates) == 0 || stragglerUpdates[len(stragglerUpdates)-1].State != models.JobCancelled {
		t.Fatalf("straggler deltas = %+v, want a trailing cancelled update", stragglerUpdates)
	}

	// The fresh job dispatches, completes with deltas, and its record
	// survives for snapshots.
	job, ok := q.DequeueNext()
	if !ok || job.ID != "fresh-job" {
		t.Fatalf("dequeued %+v, want fresh-job", job)
	}
	if err := q.MarkDone("fresh-job"); err != nil {
		t.Fatalf("MarkDone error = %v", err)
	}
	done := pub.updatesFor("fresh-job")
	if done[len(done)-1].State != models.JobDone {
		t.Fatalf("final delta = %+v, want done", done[len(done)-1])
	}
	if _, ok := q.Get("fresh-job"); !ok {
		t.Fatal("completed job record purged from a live session")
	}
}

func TestPauseSessionHoldsQueuedJobs(t *testing.T) {
	q := New(Limits{Global: 2, PerSession: 2}, nil)
	addJobs(q, "s1", 2)

	q.PauseSession("s1")
	if _, ok := q.DequeueNext(); ok {
		t.Fatal("paused session dispatched a job")
	}
	snap := q.Snapshot("s1")
	for _, job := range snap.Jobs {
		if job.State != models.JobQueued {
			t.Fatalf("job %s state = %q, want queued", job.ID, job.State)
		}
	}

	q.ResumeSession("s1")
	if _, ok := q.DequeueNext(); !ok {
		t.Fatal("resumed session did not dispatch")
	}
}

func TestSnapshotMatchesFoldedDeltas(t *testing.T) {
	pub := &recordingPub{}
	q := New(Limits{Global: 1, PerSession: 1}, pub)
	ids := addJobs(q, "s1", 2)

	job, _ := q.DequeueNext()
	q.Requeue(job.ID, "network", 0)
	job, _ = q.DequeueNext()
	q.MarkDone(job.ID)

	// Fold every delta in publish order; the result must agree with the
	// snapshot's view of state and attempts.
	folded := make(map[string]models.JobUpdate)
	pub.mu.Lock()
	for _, u := range pub.updates {
		folded[u.JobID] = u
	}
	pub.mu.Unlock()

	snap := q.Snapshot("s1")
	if len(snap.Jobs) != len(ids) {
		t.Fatalf("snapshot has %d jobs, want %d", len(snap.Jobs), len(ids))
	}
	for _, job := range snap.Jobs {
		u, ok := folded[job.ID]
		if !ok {
			t.Fatalf("no delta seen for job %s", job.ID)
		}
		if u.State != job.State || u.Attempts != job.Attempts {
			t.Fatalf("folded delta %+v disagrees with snapshot job state=%q attempts=%d",
				u, job.State, job.Attempts)
		}
	}
}

func TestClearFinished(t *testing.T) {
	q := New(Limits{Global: 1, PerSession: 1}, nil)
	ids := addJobs(q, "s1", 2)

	job, _ := q.DequeueNext()
	q.MarkDone(job.ID)

	if cleared := q.ClearFinished("s1"); cleared != 1 {
		t.Fatalf("ClearFinished() = %d, want 1", cleared)
	}
	snap := q.Snapshot("s1")
	if len(snap.Jobs) != 1 || snap.Jobs[0].ID != ids[1] {
		t.Fatalf("snapshot after clear = %+v", snap.Jobs)
	}
}

func TestProgressSuppressedWhenNotRunning(t *testing.T) {
	pub := &recordingPub{}
	q := New(Limits{Global: 1, PerSession: 1}, pub)
	ids := addJobs(q, "s1", 1)

	q.ReportProgress(ids[0], 50) // still queued
	job, _ := q.DequeueNext()
	q.ReportProgress(job.ID, 50)
	q.MarkDone(job.ID)
	q.ReportProgress(job.ID, 99) // terminal

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.progress) != 1 || pub.progress[0].Progress != 50 {
		t.Fatalf("progress deltas = %+v, want one at 50", pub.progress)
	}
}
