// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package push is the sync channel: the pub/sub fabric carrying job
// deltas, progress, and login changes from the queue and registry to
// whatever transports subscribe (currently the WebSocket hub). Topics
// are per-session, and delivery is best-effort: a slow or absent
// subscriber never blocks a scheduler worker.
package push

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/models"
)

// topicPrefix namespaces session topics inside the pubsub.
const topicPrefix = "session."

// publishBuffer absorbs bursts between a transition and the forwarder
// goroutine; beyond it events are dropped (subscribers resync via
// snapshot).
const publishBuffer = 1024

// Topic returns the pubsub topic for a session.
func Topic(sessionID string) string {
	return topicPrefix + sessionID
}

type envelope struct {
	topic   string
	payload []byte
}

// Channel multiplexes per-session event streams. Publish methods are
// non-blocking and safe to call with locks held; a single forwarder
// goroutine drains them into the pubsub in publish order, which
// preserves per-session delta ordering end to end.
type Channel struct {
	pubsub *gochannel.GoChannel
	events chan envelope
}

// New builds the channel on an in-process pubsub.
func New() *Channel {
	return &Channel{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, newLoggerAdapter()),
		events: make(chan envelope, publishBuffer),
	}
}

// Serve runs the forwarder loop until ctx is cancelled. Run under the
// supervision tree; publishes before Serve starts are buffered.
func (c *Channel) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return c.pubsub.Close()
		case e := <-c.events:
			msg := message.NewMessage(watermill.NewUUID(), e.payload)
			if err := c.pubsub.Publish(e.topic, msg); err != nil {
				logging.Warn().Err(err).Str("topic", e.topic).Msg("Sync channel publish failed")
			}
		}
	}
}

// Subscribe returns the session's event stream. The subscription ends
// when ctx is cancelled. Each message payload is one marshalled Event.
func (c *Channel) Subscribe(ctx context.Context, sessionID string) (<-chan *message.Message, error) {
	msgs, err := c.pubsub.Subscribe(ctx, Topic(sessionID))
	if err != nil {
		return nil, fmt.Errorf("subscribe session %s: %w", sessionID, err)
	}
	return msgs, nil
}

// PublishJobUpdate pushes a job state delta to the job's session.
func (c *Channel) PublishJobUpdate(update models.JobUpdate) {
	c.publish(update.SessionID, models.EventJobUpdated, update)
}

// PublishJobProgress pushes a progress delta to the job's session.
func (c *Channel) PublishJobProgress(progress models.JobProgress) {
	c.publish(progress.SessionID, models.EventJobProgress, progress)
}

// PublishLoginChange pushes a login-state delta to the session.
func (c *Channel) PublishLoginChange(change models.LoginChange) {
	c.publish(change.SessionID, models.EventLoginChanged, change)
}

func (c *Channel) publish(sessionID, eventType string, data interface{}) {
	payload, err := json.Marshal(models.Event{Type: eventType, Data: data})
	if err != nil {
		logging.Error().Err(err).Str("event", eventType).Msg("Event marshal failed")
		return
	}
	select {
	case c.events <- envelope{topic: Topic(sessionID), payload: payload}:
	default:
		// Best-effort: never block the caller. Subscribers recover
		// dropped deltas from the next snapshot.
		logging.Warn().
			Str("session_id", sessionID).
			Str("event", eventType).
			Msg("Sync channel buffer full, event dropped")
	}
}

// MarshalSnapshot encodes a queue snapshot in the same envelope format
// subscribers receive from the stream, for direct delivery on connect.
func MarshalSnapshot(snap *models.QueueSnapshot) ([]byte, error) {
	return json.Marshal(models.Event{Type: models.EventQueueSnapshot, Data: snap})
}
