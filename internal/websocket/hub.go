package websocket

import (
	"sync"

	"DuelQueue/internal/utils"
)

type HubInterface interface {
	BroadcastToPlayers(users []string, msg OutgoingMessage)
	SendToPlayer(user string, msg OutgoingMessage)
	Connected(user string) bool
	Close()
}

// Hub tracks one connection per user and fans match notifications out to
// them. Player messages are handed to OnIncoming.
type Hub struct {
	clients    map[string]*Client // userId -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastReq
	incoming   chan IncomingMessage
	OnIncoming func(IncomingMessage)
	quit       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

type broadcastReq struct {
	Users   []string
	Message OutgoingMessage
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastReq, 64),
		incoming:   make(chan IncomingMessage, 64),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	utils.Log.Info("hub started")

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[c.UserID]; ok && old != c {
				// 同一用户重连：关闭旧连接
				close(old.Send)
			}
			h.clients[c.UserID] = c
			n := len(h.clients)
			h.mu.Unlock()
			utils.Log.Debug("hub: register", "user", c.UserID, "connections", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[c.UserID]; ok && cur == c {
				delete(h.clients, c.UserID)
				close(c.Send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			utils.Log.Debug("hub: unregister", "user", c.UserID, "connections", n)

		case req := <-h.broadcast:
			h.mu.RLock()
			for _, u := range req.Users {
				if client, ok := h.clients[u]; ok {
					select {
					case client.Send <- req.Message:
					default:
						utils.Log.Warn("hub: send buffer full, dropping", "user", u, "event", req.Message.Event)
					}
				}
			}
			h.mu.RUnlock()

		case msg := <-h.incoming:
			if h.OnIncoming != nil {
				h.OnIncoming(msg)
			}

		case <-h.quit:
			h.mu.Lock()
			for u, c := range h.clients {
				close(c.Send)
				delete(h.clients, u)
			}
			h.mu.Unlock()
			return
		}
	}
}

// BroadcastToPlayers queues msg for every connected user in users; users
// without a connection are skipped.
func (h *Hub) BroadcastToPlayers(users []string, msg OutgoingMessage) {
	select {
	case h.broadcast <- broadcastReq{Users: users, Message: msg}:
	case <-h.quit:
	}
}

func (h *Hub) SendToPlayer(user string, msg OutgoingMessage) {
	h.BroadcastToPlayers([]string{user}, msg)
}

func (h *Hub) Connected(user string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[user]
	return ok
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}
