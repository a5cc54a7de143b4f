// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package queue holds the download jobs and enforces their state
// machine. One Queue instance serves every session; per-session FIFOs
// hang off a single mutex so transitions, snapshots, and the dispatch
// decision always observe a consistent picture.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/models"
)

var (
	// ErrJobNotFound: the job ID is unknown to the queue.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal: the job already reached a terminal state.
	ErrJobTerminal = errors.New("job already terminal")
)

// Publisher receives job deltas as transitions happen. Implementations
// must be non-blocking and must not call back into the Queue; deltas
// are published with the queue mutex held to preserve per-session
// transition order.
type Publisher interface {
	PublishJobUpdate(update models.JobUpdate)
	PublishJobProgress(progress models.JobProgress)
}

// Limits bound concurrent dispatch.
type Limits struct {
	// Global caps running jobs across all sessions.
	Global int

	// PerSession caps running jobs of a single session.
	PerSession int
}

// sessionQueue is the per-session FIFO of queued jobs plus dispatch
// bookkeeping. Protected by the owning Queue's mutex.
type sessionQueue struct {
	waiting []*models.Job
	running int

	// paused stops dispatch while the session needs a fresh login.
	paused bool

	// closing suppresses further deltas once the session is being
	// destroyed; set by CancelSession, cleared when new work arrives
	// for the same session ID before the last straggler drains.
	closing bool
}

// Queue is the multi-session download queue.
type Queue struct {
	mu       sync.Mutex
	limits   Limits
	jobs     map[string]*models.Job
	sessions map[string]*sessionQueue

	// ring holds each session with waiting jobs at most once; rrIndex
	// rotates dequeue fairness across it.
	ring    []string
	rrIndex int

	// cancels maps running job IDs to their attempt context cancel.
	cancels map[string]context.CancelFunc

	runningTotal int
	seq          uint64
	pub          Publisher
	wake         chan struct{}
	now          func() time.Time
}

// New returns an empty queue. pub may be nil in tests.
func New(limits Limits, pub Publisher) *Queue {
	return &Queue{
		limits:   limits,
		jobs:     make(map[string]*models.Job),
		sessions: make(map[string]*sessionQueue),
		cancels:  make(map[string]context.CancelFunc),
		pub:      pub,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// WakeCh signals workers whenever dispatchable work may have appeared.
func (q *Queue) WakeCh() <-chan struct{} { return q.wake }

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) session(sessionID string) *sessionQueue {
	sq, ok := q.sessions[sessionID]
	if !ok {
		sq = &sessionQueue{}
		q.sessions[sessionID] = sq
	}
	return sq
}

// transition applies from -> to under the state machine. Illegal
// transitions indicate a locking bug; they are logged loudly and the
// job is left untouched.
func (q *Queue) transition(job *models.Job, to models.JobState) bool {
	if !models.ValidTransition(job.State, to) {
		logging.Error().
			Str("job_id", job.ID).
			Str("from", string(job.State)).
			Str("to", string(to)).
			Msg("Illegal job transition rejected")
		return false
	}
	job.State = to
	return true
}

// publishUpdate emits the delta for job's current state unless its
// session is closing. Called with q.mu held.
func (q *Queue) publishUpdate(job *models.Job) {
	if q.pub == nil {
		return
	}
	if sq, ok := q.sessions[job.SessionID]; ok && sq.closing {
		return
	}
	q.pub.PublishJobUpdate(models.JobUpdate{
		SessionID: job.SessionID,
		JobID:     job.ID,
		State:     job.State,
		Attempts:  job.Attempts,
		ErrorCode: job.ErrorCode,
	})
}

// Add appends prepared track jobs to their sessions' FIFOs in the
// given order, stamping each with the next sequence number.
func (q *Queue) Add(jobs []*models.Job) {
	if len(jobs) == 0 {
		return
	}
	q.mu.Lock()
	for _, job := range jobs {
		q.seq++
		job.Seq = q.seq
		job.State = models.JobQueued
		job.EnqueuedAt = q.now()
		q.jobs[job.ID] = job
		q.enqueueLocked(job)
		q.publishUpdate(job)
	}
	q.mu.Unlock()
	q.kick()
}

// enqueueLocked appends job to its session FIFO and makes sure the
// session is in the fairness ring.
func (q *Queue) enqueueLocked(job *models.Job) {
	sq := q.session(job.SessionID)
	// New work revives a session that was tearing down: deltas flow
	// again, including the terminal transitions of any straggler still
	// draining, and the straggler purge no longer fires.
	sq.closing = false
	sq.waiting = append(sq.waiting, job)
	for _, id := range q.ring {
		if id == job.SessionID {
			return
		}
	}
	q.ring = append(q.ring, job.SessionID)
}

// Get returns a copy of the job, if known.
func (q *Queue) Get(jobID string) (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Snapshot returns copies of every job of the session in enqueue
// order. The snapshot is consistent: it is taken under the same mutex
// that serializes transitions, so no delta can interleave with it.
func (q *Queue) Snapshot(sessionID string) *models.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := &models.QueueSnapshot{SessionID: sessionID, Jobs: []*models.Job{}}
	for _, job := range q.jobs {
		if job.SessionID == sessionID {
			snap.Jobs = append(snap.Jobs, job.Clone())
		}
	}
	sortJobsBySeq(snap.Jobs)
	return snap
}

func sortJobsBySeq(jobs []*models.Job) {
	// Insertion sort; session queues are small.
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j-1].Seq > jobs[j].Seq; j-- {
			jobs[j-1], jobs[j] = jobs[j], jobs[j-1]
		}
	}
}

// Cancel requests cancellation of one job. Queued jobs are cancelled
// synchronously; running jobs move to cancelling and their attempt
// context is cancelled, with the terminal transition arriving once the
// worker observes the abort. Cancelling a job that is already
// cancelling is a no-op; cancelling a terminal job returns
// ErrJobTerminal.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	switch {
	case job.State == models.JobQueued:
		q.removeWaitingLocked(job)
		q.finishLocked(job, models.JobCancelled, "")
	case job.State == models.JobRunning:
		if q.transition(job, models.JobCancelling) {
			q.publishUpdate(job)
			if cancel, ok := q.cancels[jobID]; ok {
				cancel()
			}
		}
	case job.State == models.JobCancelling:
		// Already on its way out.
	default:
		return ErrJobTerminal
	}
	return nil
}

// CancelSession force-cancels every non-terminal job of the session
// and marks it closing so no further deltas escape. It returns the
// number of jobs still running; their terminal transitions are applied
// silently when the workers observe the abort.
func (q *Queue) CancelSession(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.sessions[sessionID]
	if !ok {
		return 0
	}
	for _, job := range sq.waiting {
		q.finishLocked(job, models.JobCancelled, "")
	}
	sq.waiting = nil
	q.removeFromRingLocked(sessionID)

	stillRunning := 0
	for _, job := range q.jobs {
		if job.SessionID != sessionID {
			continue
		}
		if job.State == models.JobRunning {
			if q.transition(job, models.JobCancelling) {
				q.publishUpdate(job)
				if cancel, ok := q.cancels[job.ID]; ok {
					cancel()
				}
			}
		}
		if job.State == models.JobCancelling {
			stillRunning++
		}
	}

	// Deltas stop here; stragglers finish silently.
	sq.closing = true
	if stillRunning == 0 {
		q.purgeSessionLocked(sessionID)
	}
	return stillRunning
}

func (q *Queue) removeFromRingLocked(sessionID string) {
	for i, id := range q.ring {
		if id == sessionID {
			q.ring = append(q.ring[:i], q.ring[i+1:]...)
			if q.rrIndex > i {
				q.rrIndex--
			}
			return
		}
	}
}

func (q *Queue) removeWaitingLocked(job *models.Job) {
	sq, ok := q.sessions[job.SessionID]
	if !ok {
		return
	}
	for i, waiting := range sq.waiting {
		if waiting.ID == job.ID {
			sq.waiting = append(sq.waiting[:i], sq.waiting[i+1:]...)
			break
		}
	}
	if len(sq.waiting) == 0 {
		q.removeFromRingLocked(job.SessionID)
	}
}

// finishLocked moves job into a terminal state and publishes the delta.
func (q *Queue) finishLocked(job *models.Job, to models.JobState, errorCode string) {
	if !q.transition(job, to) {
		return
	}
	if errorCode != "" {
		job.ErrorCode = errorCode
	}
	now := q.now()
	job.FinishedAt = &now
	q.publishUpdate(job)
}

// DequeueNext picks the next dispatchable job, transitions it to
// running, and returns a copy for the worker. Fairness is round-robin
// across sessions; within a session jobs dispatch in enqueue order,
// skipping jobs still inside their backoff window. Returns false when
// nothing is dispatchable right now.
func (q *Queue) DequeueNext() (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limits.Global > 0 && q.runningTotal >= q.limits.Global {
		return nil, false
	}
	now := q.now()
	for offset := 0; offset < len(q.ring); offset++ {
		idx := (q.rrIndex + offset) % len(q.ring)
		sessionID := q.ring[idx]
		sq := q.sessions[sessionID]
		if sq == nil || sq.paused {
			continue
		}
		if q.limits.PerSession > 0 && sq.running >= q.limits.PerSession {
			continue
		}
		for i, job := range sq.waiting {
			if job.EligibleAt.After(now) {
				continue
			}
			if !q.transition(job, models.JobRunning) {
				continue
			}
			sq.waiting = append(sq.waiting[:i], sq.waiting[i+1:]...)
			if len(sq.waiting) == 0 {
				q.removeFromRingLocked(sessionID)
			} else {
				q.rrIndex = (idx + 1) % len(q.ring)
			}
			job.Attempts++
			job.Progress = 0
			started := now
			job.StartedAt = &started
			sq.running++
			q.runningTotal++
			q.publishUpdate(job)
			return job.Clone(), true
		}
	}
	return nil, false
}

// BindCancel registers the attempt context cancel for a job the worker
// just dequeued. It returns false if the job was cancelled between
// dequeue and bind; the worker must then abort without starting the
// download and report the cancellation via MarkCancelled.
func (q *Queue) BindCancel(jobID string, cancel context.CancelFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.State != models.JobRunning {
		return false
	}
	q.cancels[jobID] = cancel
	return true
}

// releaseRunningLocked drops dispatch accounting for a job leaving the
// running/cancelling pair of states.
func (q *Queue) releaseRunningLocked(job *models.Job) {
	delete(q.cancels, job.ID)
	q.runningTotal--
	sq, ok := q.sessions[job.SessionID]
	if !ok {
		return
	}
	sq.running--
	if sq.closing && sq.running == 0 && len(sq.waiting) == 0 {
		q.purgeSessionLocked(job.SessionID)
	}
}

// purgeSessionLocked drops a fully closed session and every job record
// it still owns.
func (q *Queue) purgeSessionLocked(sessionID string) {
	delete(q.sessions, sessionID)
	for id, job := range q.jobs {
		if job.SessionID == sessionID {
			delete(q.jobs, id)
		}
	}
}

// ClearFinished removes the session's terminal jobs from snapshots and
// returns how many were dropped.
func (q *Queue) ClearFinished(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cleared := 0
	for id, job := range q.jobs {
		if job.SessionID == sessionID && job.State.Terminal() {
			delete(q.jobs, id)
			cleared++
		}
	}
	return cleared
}

// MarkDone records a successful download. A job cancelled while the
// transfer was finishing lands in cancelled instead.
func (q *Queue) MarkDone(jobID string) error {
	return q.complete(jobID, models.JobDone, "")
}

// MarkFailed records a fatal, non-retryable failure.
func (q *Queue) MarkFailed(jobID, errorCode string) error {
	return q.complete(jobID, models.JobFailed, errorCode)
}

// MarkCancelled records that the worker observed the abort of a
// cancelling job.
func (q *Queue) MarkCancelled(jobID string) error {
	return q.complete(jobID, models.JobCancelled, "")
}

func (q *Queue) complete(jobID string, to models.JobState, errorCode string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State == models.JobCancelling {
		to = models.JobCancelled
	}
	q.finishLocked(job, to, errorCode)
	q.releaseRunningLocked(job)
	q.mu.Unlock()
	q.kick()
	return nil
}

// Requeue re-tails a running job after a retryable failure: the
// attempt count stands, the error code is recorded, and the job
// becomes dispatchable again once the backoff delay elapses. A job
// cancelled mid-flight is finalized as cancelled instead.
func (q *Queue) Requeue(jobID, errorCode string, delay time.Duration) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State == models.JobCancelling {
		q.finishLocked(job, models.JobCancelled, "")
		q.releaseRunningLocked(job)
		q.mu.Unlock()
		q.kick()
		return nil
	}
	q.releaseRunningLocked(job)
	if q.transition(job, models.JobQueued) {
		job.ErrorCode = errorCode
		job.Progress = 0
		job.EligibleAt = q.now().Add(delay)
		q.enqueueLocked(job)
		q.publishUpdate(job)
	}
	q.mu.Unlock()
	q.kick()
	return nil
}

// ReturnQueued puts a running job back at the head of its session FIFO
// without consuming an attempt. Used when a dispatch could not start at
// all, typically because the session lost its login; pair with
// PauseSession so the job is not immediately re-dispatched.
func (q *Queue) ReturnQueued(jobID, errorCode string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State == models.JobCancelling {
		q.finishLocked(job, models.JobCancelled, "")
		q.releaseRunningLocked(job)
		q.mu.Unlock()
		q.kick()
		return nil
	}
	q.releaseRunningLocked(job)
	if q.transition(job, models.JobQueued) {
		job.Attempts--
		job.ErrorCode = errorCode
		job.Progress = 0
		sq := q.session(job.SessionID)
		sq.waiting = append([]*models.Job{job}, sq.waiting...)
		inRing := false
		for _, id := range q.ring {
			if id == job.SessionID {
				inRing = true
				break
			}
		}
		if !inRing {
			q.ring = append(q.ring, job.SessionID)
		}
		q.publishUpdate(job)
	}
	q.mu.Unlock()
	return nil
}

// ReportProgress publishes a coarse progress delta for a running job.
func (q *Queue) ReportProgress(jobID string, pct int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.State != models.JobRunning {
		return
	}
	job.Progress = pct
	if q.pub == nil {
		return
	}
	if sq, ok := q.sessions[job.SessionID]; ok && sq.closing {
		return
	}
	q.pub.PublishJobProgress(models.JobProgress{
		SessionID: job.SessionID,
		JobID:     job.ID,
		Progress:  pct,
	})
}

// PauseSession stops dispatch for the session until ResumeSession.
// Queued jobs keep their place; running jobs are unaffected.
func (q *Queue) PauseSession(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.session(sessionID).paused = true
}

// ResumeSession re-enables dispatch for a paused session.
func (q *Queue) ResumeSession(sessionID string) {
	q.mu.Lock()
	sq, ok := q.sessions[sessionID]
	if ok {
		sq.paused = false
	}
	q.mu.Unlock()
	if ok {
		q.kick()
	}
}

// Paused reports whether the session's dispatch is paused.
func (q *Queue) Paused(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.sessions[sessionID]
	return ok && sq.paused
}

// NextEligibleIn returns the shortest delay until a currently queued
// job leaves its backoff window, and false when no queued job is
// waiting on backoff. Workers use this to size their idle timer.
func (q *Queue) NextEligibleIn() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var best time.Duration
	found := false
	for _, sessionID := range q.ring {
		sq := q.sessions[sessionID]
		if sq == nil || sq.paused {
			continue
		}
		for _, job := range sq.waiting {
			if !job.EligibleAt.After(now) {
				continue
			}
			d := job.EligibleAt.Sub(now)
			if !found || d < best {
				best = d
				found = true
			}
		}
	}
	return best, found
}

// RunningCount reports currently running jobs across all sessions.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runningTotal
}

// StateCounts tallies jobs per state for metrics.
func (q *Queue) StateCounts() map[models.JobState]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[models.JobState]int)
	for _, job := range q.jobs {
		counts[job.State]++
	}
	return counts
}
