// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package services

import (
	"context"
	"time"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/push"
	"github.com/quaverhq/quaver/internal/scheduler"
	"github.com/quaverhq/quaver/internal/websocket"
)

// SchedulerService supervises the download worker pool.
type SchedulerService struct {
	sched *scheduler.Scheduler
}

func NewSchedulerService(sched *scheduler.Scheduler) *SchedulerService {
	return &SchedulerService{sched: sched}
}

func (s *SchedulerService) Serve(ctx context.Context) error {
	return s.sched.Serve(ctx)
}

func (s *SchedulerService) String() string { return "scheduler" }

// ReaperService periodically destroys idle sessions.
type ReaperService struct {
	sched    *scheduler.Scheduler
	interval time.Duration
}

func NewReaperService(sched *scheduler.Scheduler, interval time.Duration) *ReaperService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReaperService{sched: sched, interval: interval}
}

func (r *ReaperService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if reaped := r.sched.ReapIdle(); reaped > 0 {
				logging.Info().Int("sessions", reaped).Msg("Idle sessions reaped")
			}
		}
	}
}

func (r *ReaperService) String() string { return "session-reaper" }

// SyncChannelService supervises the sync channel forwarder.
type SyncChannelService struct {
	channel *push.Channel
}

func NewSyncChannelService(channel *push.Channel) *SyncChannelService {
	return &SyncChannelService{channel: channel}
}

func (s *SyncChannelService) Serve(ctx context.Context) error {
	return s.channel.Serve(ctx)
}

func (s *SyncChannelService) String() string { return "sync-channel" }

// WebSocketHubService supervises the WebSocket hub.
type WebSocketHubService struct {
	hub *websocket.Hub
}

func NewWebSocketHubService(hub *websocket.Hub) *WebSocketHubService {
	return &WebSocketHubService{hub: hub}
}

func (s *WebSocketHubService) Serve(ctx context.Context) error {
	return s.hub.Run(ctx)
}

func (s *WebSocketHubService) String() string { return "websocket-hub" }
