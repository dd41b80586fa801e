package status

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alarmbot/homewatch/internal/alarm"
	"github.com/alarmbot/homewatch/internal/health"
)

const clientBuffer = 64

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans registry changes and delivered batches out to websocket
// clients. It implements health.Observer.
type Broadcaster struct {
	registry *health.Registry
	store    *Store

	// Sends happen under the read lock and close under the write lock, so a
	// client channel is never written after it is closed.
	mu      sync.RWMutex
	clients map[*client]bool

	snapshotTicker *time.Ticker
	done           chan struct{}
	closeOnce      sync.Once
}

// NewBroadcaster creates a broadcaster. A positive snapshotInterval also
// resends the full snapshot periodically.
func NewBroadcaster(registry *health.Registry, store *Store, snapshotInterval time.Duration) *Broadcaster {
	b := &Broadcaster{
		registry: registry,
		store:    store,
		clients:  make(map[*client]bool),
		done:     make(chan struct{}),
	}
	if snapshotInterval > 0 {
		b.snapshotTicker = time.NewTicker(snapshotInterval)
		go b.snapshotLoop()
	}
	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	data, err := json.Marshal(b.snapshot())
	if err != nil {
		log.Printf("snapshot marshal error: %v", err)
	}

	b.mu.Lock()
	b.clients[c] = true
	if data != nil {
		// The buffer is empty, so this cannot block.
		c.send <- data
	}
	b.mu.Unlock()

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) OnHealthChange(source string, state health.State) {
	b.broadcast(WSMessage{
		Type:    MsgHealth,
		Payload: HealthPayload{Source: source, State: state},
	})
}

func (b *Broadcaster) OnInflightChange(count int) {
	b.broadcast(WSMessage{
		Type:    MsgInflight,
		Payload: InflightPayload{Count: count},
	})
}

// PublishBatch records the latest list for source and pushes it to clients.
func (b *Broadcaster) PublishBatch(source string, events []alarm.Event) {
	b.store.Update(source, events)
	if events == nil {
		events = []alarm.Event{}
	}
	b.broadcast(WSMessage{
		Type:    MsgBatch,
		Payload: BatchPayload{Source: source, Events: events},
	})
}

// Close stops the snapshot loop and disconnects every client.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		if b.snapshotTicker != nil {
			b.snapshotTicker.Stop()
		}
		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) snapshot() WSMessage {
	return WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Health: b.registry.Snapshot(),
			Events: b.store.All(),
		},
	}
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(b.snapshot())
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it
		log.Printf("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}
