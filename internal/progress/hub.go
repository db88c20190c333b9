package progress

import (
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

// Subscriber subscribes to a video's progress channel.
type Subscriber interface {
	Subscribe(videoID string, handler func(ev Event)) (cancel func(), err error)
}

// Hub maintains video_id -> set of WebSocket connections and relays progress
// events to them. Each room holds one Redis subscription, opened when the
// first watcher connects and closed when the last one leaves.
type Hub struct {
	rooms  map[string]map[string]*Client
	subs   map[string]func()
	mu     sync.RWMutex
	logger *zap.Logger
	sub    Subscriber
}

// NewHub creates a progress hub. sub may be nil, in which case only local
// broadcasts reach clients.
func NewHub(logger *zap.Logger, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[string]*Client),
		subs:   make(map[string]func()),
		logger: logger,
		sub:    sub,
	}
}

// Register adds a client to a video's room, opening the Redis subscription if
// it is the first watcher. The subscribe round-trip runs outside the hub lock
// so a slow Redis cannot stall broadcasts to other rooms.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	first := h.rooms[c.VideoID] == nil
	if first {
		h.rooms[c.VideoID] = make(map[string]*Client)
	}
	h.rooms[c.VideoID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("progress watcher joined", zap.String("client_id", c.ID), zap.String("video_id", c.VideoID))

	if !first || h.sub == nil {
		return
	}
	cancel, err := h.sub.Subscribe(c.VideoID, func(ev Event) {
		h.Broadcast(ev)
	})
	if err != nil {
		h.logger.Warn("progress subscribe failed", zap.Error(err), zap.String("video_id", c.VideoID))
		return
	}

	h.mu.Lock()
	if _, live := h.rooms[c.VideoID]; live {
		h.subs[c.VideoID] = cancel
		cancel = nil
	}
	h.mu.Unlock()
	// Everyone left while we were subscribing; tear the subscription down.
	if cancel != nil {
		cancel()
	}
}

// Unregister removes a client, cancelling the subscription when the room
// empties.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.rooms[c.VideoID]
	if !ok {
		return
	}
	delete(m, c.ID)
	if len(m) == 0 {
		delete(h.rooms, c.VideoID)
		if cancel, ok := h.subs[c.VideoID]; ok {
			cancel()
			delete(h.subs, c.VideoID)
		}
	}
	h.logger.Debug("progress watcher left", zap.String("client_id", c.ID), zap.String("video_id", c.VideoID))
}

// Broadcast delivers an event to every local watcher of the video.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	clients := h.rooms[ev.VideoID]
	h.mu.RUnlock()
	for _, c := range clients {
		select {
		case c.send <- ev:
		default:
			// buffer full, skip
		}
	}
}

// WatcherCount returns the number of connected watchers for a video.
func (h *Hub) WatcherCount(videoID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[videoID])
}
