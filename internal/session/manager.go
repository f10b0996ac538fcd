package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"DuelQueue/internal/matchmaker"
	"DuelQueue/internal/utils"
	"DuelQueue/internal/websocket"
)

var ErrUnknownSession = errors.New("unknown session")

// Session is one allocated two-player game.
type Session struct {
	ID        matchmaker.GameID
	Players   []matchmaker.Player
	Ready     bool
	CreatedAt time.Time
}

func (s *Session) users() []matchmaker.UserID {
	out := make([]matchmaker.UserID, 0, len(s.Players))
	for _, p := range s.Players {
		out = append(out, p.UserID)
	}
	return out
}

// Manager 管理所有对局。With a non-zero allocation delay sessions come up
// asynchronously and CreateSession reports them as pending.
type Manager struct {
	mu              sync.RWMutex
	sessions        map[matchmaker.GameID]*Session
	byUser          map[matchmaker.UserID]matchmaker.GameID
	timers          map[matchmaker.GameID]*time.Timer
	hub             websocket.HubInterface
	allocationDelay time.Duration
	connectURL      string

	// OnEnd runs after a session ends, outside the manager lock.
	OnEnd func(ctx context.Context, game matchmaker.GameID, users []matchmaker.UserID)
}

func NewManager(hub websocket.HubInterface, connectURL string, allocationDelay time.Duration) *Manager {
	return &Manager{
		sessions:        make(map[matchmaker.GameID]*Session),
		byUser:          make(map[matchmaker.UserID]matchmaker.GameID),
		timers:          make(map[matchmaker.GameID]*time.Timer),
		hub:             hub,
		allocationDelay: allocationDelay,
		connectURL:      connectURL,
	}
}

func (m *Manager) CreateSession(ctx context.Context, req matchmaker.SessionRequest) (matchmaker.SessionInfo, error) {
	m.mu.Lock()
	if s, ok := m.sessions[req.GameID]; ok {
		info := m.info(s)
		m.mu.Unlock()
		return info, nil
	}

	s := &Session{
		ID:        req.GameID,
		Players:   []matchmaker.Player{req.Player1, req.Player2},
		CreatedAt: time.Now(),
	}
	m.sessions[s.ID] = s
	for _, p := range s.Players {
		if !p.Bot {
			m.byUser[p.UserID] = s.ID
		}
	}
	if m.allocationDelay > 0 {
		m.timers[s.ID] = time.AfterFunc(m.allocationDelay, func() { m.markReady(s.ID) })
	} else {
		s.Ready = true
	}
	info := m.info(s)
	m.mu.Unlock()

	if info.Pending {
		utils.Log.Debug("session: allocation pending", "game", s.ID)
	} else {
		m.notifyReady(info, s.Players)
	}
	return info, nil
}

func (m *Manager) markReady(id matchmaker.GameID) {
	m.mu.Lock()
	delete(m.timers, id)
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Ready = true
	info := m.info(s)
	m.mu.Unlock()

	utils.Log.Debug("session: allocated", "game", id)
	m.notifyReady(info, s.Players)
}

func (m *Manager) Connection(ctx context.Context, game matchmaker.GameID) (matchmaker.SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[game]
	if !ok {
		return matchmaker.SessionInfo{}, fmt.Errorf("%w: %s", ErrUnknownSession, game)
	}
	return m.info(s), nil
}

func (m *Manager) info(s *Session) matchmaker.SessionInfo {
	info := matchmaker.SessionInfo{
		GameID:    s.ID,
		Pending:   !s.Ready,
		Players:   s.users(),
		CreatedAt: s.CreatedAt,
	}
	if s.Ready {
		info.URL = m.connectURL + "?game=" + url.QueryEscape(string(s.ID))
	}
	return info
}

func (m *Manager) notifyReady(info matchmaker.SessionInfo, players []matchmaker.Player) {
	if m.hub == nil {
		return
	}
	humans := make([]string, 0, len(players))
	for _, p := range players {
		if !p.Bot {
			humans = append(humans, string(p.UserID))
		}
	}
	m.hub.BroadcastToPlayers(humans, websocket.OutgoingMessage{
		Event: "session_ready",
		Data:  info,
	})
}

// End tears the session down and hands its players to OnEnd.
func (m *Manager) End(ctx context.Context, game matchmaker.GameID) error {
	users, ok := m.remove(game)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, game)
	}
	utils.Log.Info("session: ended", "game", game, "users", users)
	if m.OnEnd != nil {
		m.OnEnd(ctx, game, users)
	}
	return nil
}

// Abandon drops a session the matchmaker gave up on. Its players are not
// notified and OnEnd does not run; an unknown game is ignored.
func (m *Manager) Abandon(ctx context.Context, game matchmaker.GameID) error {
	if users, ok := m.remove(game); ok {
		utils.Log.Warn("session: abandoned before allocation", "game", game, "users", users)
	}
	return nil
}

func (m *Manager) remove(game matchmaker.GameID) ([]matchmaker.UserID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[game]
	if !ok {
		return nil, false
	}
	delete(m.sessions, game)
	if t, ok := m.timers[game]; ok {
		t.Stop()
		delete(m.timers, game)
	}
	for _, p := range s.Players {
		if m.byUser[p.UserID] == game {
			delete(m.byUser, p.UserID)
		}
	}
	return s.users(), true
}

// SessionOf returns the game user is playing, if any.
func (m *Manager) SessionOf(user matchmaker.UserID) (matchmaker.GameID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.byUser[user]
	return g, ok
}

// HandlePlayerMessage is the hub's OnIncoming: a "leave" ends the sender's
// session for both players.
func (m *Manager) HandlePlayerMessage(msg websocket.IncomingMessage) {
	switch msg.Event {
	case "leave", "concede":
		game, ok := m.SessionOf(matchmaker.UserID(msg.From))
		if !ok {
			return
		}
		if err := m.End(context.Background(), game); err != nil {
			utils.Log.Error("session: end on leave", "game", game, "err", err)
		}
	}
}

// Close stops pending allocations.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
