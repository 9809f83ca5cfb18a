package gateway

import "sync"

// Hub is the local connection registry: which users hold a socket on this
// instance, and which conversation rooms each has joined. It is only ever
// authoritative for this process; cross-instance truth lives in the
// coordination store.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]*Client          // userID -> client
	rooms   map[string]map[int64]bool  // conversationID -> userIDs
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[int64]*Client),
		rooms:   make(map[string]map[int64]bool),
	}
}

func (h *Hub) Add(userID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[userID] = c
}

func (h *Hub) Remove(userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, userID)
	for _, members := range h.rooms {
		delete(members, userID)
	}
}

// RemoveIf removes the user's registration only when c is still the
// registered client, so a fast reconnect is not torn down by the stale
// connection's cleanup. Reports whether removal happened.
func (h *Hub) RemoveIf(userID int64, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] != c {
		return false
	}
	delete(h.clients, userID)
	for _, members := range h.rooms {
		delete(members, userID)
	}
	return true
}

// Get returns the user's local client, or nil when the user is not
// connected to this instance.
func (h *Hub) Get(userID int64) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[userID]
}

// JoinRoom is idempotent.
func (h *Hub) JoinRoom(convID string, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[convID]; !ok {
		h.rooms[convID] = make(map[int64]bool)
	}
	h.rooms[convID][userID] = true
}

func (h *Hub) LeaveRoom(convID string, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[convID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(h.rooms, convID)
		}
	}
}

// InRoom reports whether userID has joined the conversation room locally.
func (h *Hub) InRoom(convID string, userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[convID][userID]
}

// BroadcastRoom sends payload to every local room member except the
// excluded user.
func (h *Hub) BroadcastRoom(convID string, except int64, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID := range h.rooms[convID] {
		if userID == except {
			continue
		}
		if c, ok := h.clients[userID]; ok {
			c.Send(payload)
		}
	}
}
