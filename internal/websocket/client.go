// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package websocket

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/push"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024

	// sendBuffer absorbs delivery bursts; a client that stays this far
	// behind is disconnected rather than allowed to stall the stream.
	sendBuffer = 256
)

// Client is one WebSocket connection bound to a session.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	cancel    context.CancelFunc
}

// Serve runs the connection: snapshot first, then the live stream. It
// returns when the peer disconnects or the hub shuts down. The caller
// owns the upgrade; Serve owns the connection from then on.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, sessionID string) {
	subCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		hub:       h,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, sendBuffer),
		cancel:    cancel,
	}

	// Subscribe before taking the snapshot: a transition published in
	// between is then buffered in the subscription instead of lost, and
	// since deltas carry full per-job state the stream corrects any
	// overlap with the snapshot. The snapshot still goes into the send
	// buffer before forward starts draining, so the client always sees
	// snapshot-then-deltas.
	msgs, err := h.channel.Subscribe(subCtx, sessionID)
	if err != nil {
		logging.Error().Err(err).Str("session_id", sessionID).Msg("Sync channel subscribe failed")
		cancel()
		_ = conn.Close()
		return
	}

	snapshot, err := push.MarshalSnapshot(h.snaps.Snapshot(sessionID))
	if err != nil {
		logging.Error().Err(err).Str("session_id", sessionID).Msg("Snapshot marshal failed")
		cancel()
		_ = conn.Close()
		return
	}
	client.send <- snapshot

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		_ = conn.Close()
		return
	}
	go client.forward(subCtx, msgs)
	go client.writePump()
	client.readPump()
}

// forward drains the sync channel subscription into the send buffer.
// A client that cannot keep up is disconnected; it recovers state by
// reconnecting for a fresh snapshot.
func (c *Client) forward(ctx context.Context, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			msg.Ack()
			select {
			case c.send <- msg.Payload:
			default:
				logging.Warn().
					Str("session_id", c.sessionID).
					Msg("WebSocket client too slow, dropping connection")
				c.cancel()
				_ = c.conn.Close()
				return
			}
		}
	}
}

// readPump consumes inbound frames. Clients send nothing meaningful;
// reads exist to detect disconnects, enforce the pong deadline, and
// refresh the session's idle clock.
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		// The hub stops draining unregister once it has shut down.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("Failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("session_id", c.sessionID).Msg("Unexpected WebSocket close")
			}
			return
		}
		if c.hub.touch != nil {
			c.hub.touch(c.sessionID)
		}
	}
}

// writePump pushes buffered payloads and keepalive pings to the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
