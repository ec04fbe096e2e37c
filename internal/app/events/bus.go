package events

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	core "github.com/devicelab/orchestrator/internal/app/core/service"
	"github.com/devicelab/orchestrator/pkg/logger"
)

// subscriberBacklog bounds the per-subscriber buffered channel. A full
// buffer means the subscriber is slow; new events are dropped rather than
// blocking the emitting goroutine.
const subscriberBacklog = 64

type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// Bus is a thread-safe, best-effort fan-out of Events keyed by an opaque
// socketId. It implements system.Service so its subscriber writer pumps are
// torn down on shutdown.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	log         *logger.Logger

	wg sync.WaitGroup
}

// NewBus constructs an empty Bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		log:         log,
	}
}

// Name implements system.Service.
func (b *Bus) Name() string { return "event-bus" }

// Start implements system.Service; the bus has no background work of its
// own beyond the per-subscriber writer pumps started by Subscribe.
func (b *Bus) Start(context.Context) error { return nil }

// Stop closes every subscriber connection and waits for writer pumps to exit.
func (b *Bus) Stop(context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Unsubscribe(id)
	}
	b.wg.Wait()
	return nil
}

// Descriptor implements system.DescriptorProvider.
func (b *Bus) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   b.Name(),
		Domain: "realtime",
		Layer:  core.LayerIngress,
	}.WithCapabilities("broadcast", "targeted-push")
}

// Subscribe registers a websocket connection under socketId and starts its
// writer pump. Replaces any existing subscriber under the same id.
func (b *Bus) Subscribe(socketID string, conn *websocket.Conn) {
	sub := &subscriber{conn: conn, send: make(chan Event, subscriberBacklog)}

	b.mu.Lock()
	if old, ok := b.subscribers[socketID]; ok {
		close(old.send)
	}
	b.subscribers[socketID] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.pump(socketID, sub)
}

// Unsubscribe removes socketId's subscriber and closes its connection.
func (b *Bus) Unsubscribe(socketID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[socketID]
	if ok {
		delete(b.subscribers, socketID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	close(sub.send)
	_ = sub.conn.Close()
}

func (b *Bus) pump(socketID string, sub *subscriber) {
	defer b.wg.Done()
	for evt := range sub.send {
		if err := sub.conn.WriteJSON(evt); err != nil {
			b.log.WithField("socket_id", socketID).WithError(err).Debug("dropping subscriber after write error")
			b.Unsubscribe(socketID)
			return
		}
	}
}

// Emit delivers e to its targeted subscriber, or to every subscriber when
// SocketID is empty. Never blocks: a full subscriber buffer drops the event.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e.SocketID != "" {
		if sub, ok := b.subscribers[e.SocketID]; ok {
			b.offer(e.SocketID, sub, e)
		}
		return
	}
	for id, sub := range b.subscribers {
		b.offer(id, sub, e)
	}
}

func (b *Bus) offer(socketID string, sub *subscriber, e Event) {
	select {
	case sub.send <- e:
	default:
		b.log.WithField("socket_id", socketID).WithField("event_type", string(e.Type)).Debug("dropping event for slow subscriber")
	}
}

// SubscriberCount reports the current number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
