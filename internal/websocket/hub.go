// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package websocket delivers the sync channel to browsers. Each
// connection belongs to one session: on connect the client receives a
// full queue snapshot, then the live per-session event stream. Multiple
// tabs of the same session each get their own connection and stream.
package websocket

import (
	"context"
	"sync"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/metrics"
	"github.com/quaverhq/quaver/internal/models"
	"github.com/quaverhq/quaver/internal/push"
)

// Snapshotter produces the connect-time queue snapshot for a session.
type Snapshotter interface {
	Snapshot(sessionID string) *models.QueueSnapshot
}

// Hub tracks live connections and bridges each one to its session's
// sync channel subscription.
type Hub struct {
	channel  *push.Channel
	snaps    Snapshotter
	touch    func(sessionID string)
	register chan *Client
	unregister chan *Client

	// done unblocks clients registering or unregistering after Run has
	// returned and nobody drains those channels anymore.
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub wires the hub to the sync channel. touch is called on every
// inbound client frame to keep the session's idle clock fresh; it may
// be nil.
func NewHub(channel *push.Channel, snaps Snapshotter, touch func(sessionID string)) *Hub {
	return &Hub{
		channel:    channel,
		snaps:      snaps,
		touch:      touch,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// Run processes client lifecycle events until ctx is cancelled, then
// closes every remaining connection. Lifecycle events take priority
// over nothing else here; per-client delivery happens on the client's
// own pumps.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.doneOnce.Do(func() { close(h.done) })
			h.closeAll()
			return nil
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WSConnections.Set(float64(total))
			logging.Info().
				Str("session_id", client.sessionID).
				Int("total_clients", total).
				Msg("WebSocket client connected")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WSConnections.Set(float64(total))
			logging.Info().
				Str("session_id", client.sessionID).
				Int("total_clients", total).
				Msg("WebSocket client disconnected")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.WSConnections.Set(0)
	logging.Info().Msg("WebSocket hub shut down")
}

// ClientCount reports open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
