package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/myrialabs/agentstream/internal/logger"
	"go.uber.org/zap"
)

// Handler receives published events for one stream.
type Handler func(Event)

// Channel is the in-process pub/sub surface. Subscriptions are keyed per
// stream id so teardown is dropping the stream's subscriber set. Handlers
// are invoked synchronously in subscription order, which preserves emission
// order within a stream; handlers that need to do slow work must hand off
// themselves.
type Channel struct {
	mu      sync.RWMutex
	streams map[string]map[string]Handler
	order   map[string][]string
}

// NewChannel creates an empty pub/sub channel.
func NewChannel() *Channel {
	return &Channel{
		streams: make(map[string]map[string]Handler),
		order:   make(map[string][]string),
	}
}

// Publish delivers the event to every subscriber of its stream. Events for
// streams with no subscribers are dropped; live catch-up is not the
// channel's job, the stream's buffered event list covers it.
func (c *Channel) Publish(event Event) {
	c.mu.RLock()
	subs := c.streams[event.StreamID]
	ids := c.order[event.StreamID]
	handlers := make([]Handler, 0, len(subs))
	for _, id := range ids {
		if h, ok := subs[id]; ok {
			handlers = append(handlers, h)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Subscribe registers a handler for one stream and returns the unsubscribe
// function. Unsubscribing twice is harmless.
func (c *Channel) Subscribe(streamID string, handler Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs, ok := c.streams[streamID]
	if !ok {
		subs = make(map[string]Handler)
		c.streams[streamID] = subs
	}

	subID := uuid.New().String()
	subs[subID] = handler
	c.order[streamID] = append(c.order[streamID], subID)

	logger.Debug("Event subscriber added",
		zap.String("stream_id", streamID),
		zap.Int("subscribers", len(subs)))

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs, ok := c.streams[streamID]
		if !ok {
			return
		}
		delete(subs, subID)
		if len(subs) == 0 {
			delete(c.streams, streamID)
			delete(c.order, streamID)
			return
		}
		ids := c.order[streamID]
		for i, id := range ids {
			if id == subID {
				c.order[streamID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

// DropStream removes every subscriber of a stream. Called by the garbage
// collector once the stream is terminal and swept.
func (c *Channel) DropStream(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, streamID)
	delete(c.order, streamID)
}

// SubscriberCount returns the number of live subscribers for a stream.
func (c *Channel) SubscriberCount(streamID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams[streamID])
}
