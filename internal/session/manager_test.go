package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"DuelQueue/internal/matchmaker"
	"DuelQueue/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockHub 记录每个用户收到的消息
type MockHub struct {
	mu   sync.Mutex
	msgs map[string][]websocket.OutgoingMessage
}

func NewMockHub() *MockHub {
	return &MockHub{msgs: make(map[string][]websocket.OutgoingMessage)}
}

func (m *MockHub) BroadcastToPlayers(users []string, msg websocket.OutgoingMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		m.msgs[u] = append(m.msgs[u], msg)
	}
}

func (m *MockHub) SendToPlayer(user string, msg websocket.OutgoingMessage) {
	m.BroadcastToPlayers([]string{user}, msg)
}

func (m *MockHub) Connected(user string) bool { return true }
func (m *MockHub) Close()                     {}

func (m *MockHub) Events(user string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.msgs[user] {
		out = append(out, msg.Event)
	}
	return out
}

func sessionReq(game matchmaker.GameID) matchmaker.SessionRequest {
	return matchmaker.SessionRequest{
		GameID:  game,
		Player1: matchmaker.Player{UserID: "alice", DeckID: "d-a"},
		Player2: matchmaker.Player{UserID: "bot-1", DeckID: "d-bot", Bot: true},
	}
}

func TestCreateSessionImmediate(t *testing.T) {
	hub := NewMockHub()
	m := NewManager(hub, "ws://games.local/play", 0)
	ctx := context.Background()

	info, err := m.CreateSession(ctx, sessionReq("g-1"))
	require.NoError(t, err)
	assert.False(t, info.Pending)
	assert.Equal(t, "ws://games.local/play?game=g-1", info.URL)
	assert.Equal(t, []matchmaker.UserID{"alice", "bot-1"}, info.Players)

	assert.Equal(t, []string{"session_ready"}, hub.Events("alice"))
	assert.Empty(t, hub.Events("bot-1"))

	game, ok := m.SessionOf("alice")
	assert.True(t, ok)
	assert.Equal(t, matchmaker.GameID("g-1"), game)
	_, ok = m.SessionOf("bot-1")
	assert.False(t, ok)

	// same game id again is the same session
	again, err := m.CreateSession(ctx, sessionReq("g-1"))
	require.NoError(t, err)
	assert.Equal(t, info.CreatedAt, again.CreatedAt)
	assert.Len(t, hub.Events("alice"), 1)
}

func TestCreateSessionPending(t *testing.T) {
	hub := NewMockHub()
	m := NewManager(hub, "ws://games.local/play", 30*time.Millisecond)
	defer m.Close()
	ctx := context.Background()

	info, err := m.CreateSession(ctx, sessionReq("g-2"))
	require.NoError(t, err)
	assert.True(t, info.Pending)
	assert.Empty(t, info.URL)

	require.Eventually(t, func() bool {
		info, err := m.Connection(ctx, "g-2")
		return err == nil && !info.Pending
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"session_ready"}, hub.Events("alice"))

	_, err = m.Connection(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestEndRunsOnEnd(t *testing.T) {
	m := NewManager(nil, "ws://x", 0)
	ctx := context.Background()

	var gotGame matchmaker.GameID
	var gotUsers []matchmaker.UserID
	m.OnEnd = func(ctx context.Context, game matchmaker.GameID, users []matchmaker.UserID) {
		gotGame, gotUsers = game, users
	}

	_, err := m.CreateSession(ctx, sessionReq("g-3"))
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, "g-3"))
	assert.Equal(t, matchmaker.GameID("g-3"), gotGame)
	assert.Equal(t, []matchmaker.UserID{"alice", "bot-1"}, gotUsers)

	_, ok := m.SessionOf("alice")
	assert.False(t, ok)
	assert.ErrorIs(t, m.End(ctx, "g-3"), ErrUnknownSession)
}

func TestEndStopsPendingAllocation(t *testing.T) {
	hub := NewMockHub()
	m := NewManager(hub, "ws://x", 50*time.Millisecond)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, sessionReq("g-4"))
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, "g-4"))

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, hub.Events("alice"))
}

func TestLeaveMessageEndsSession(t *testing.T) {
	m := NewManager(nil, "ws://x", 0)
	ctx := context.Background()
	ended := make(chan matchmaker.GameID, 1)
	m.OnEnd = func(ctx context.Context, game matchmaker.GameID, users []matchmaker.UserID) { ended <- game }

	_, err := m.CreateSession(ctx, sessionReq("g-5"))
	require.NoError(t, err)

	m.HandlePlayerMessage(websocket.IncomingMessage{From: "alice", Event: "chat"})
	m.HandlePlayerMessage(websocket.IncomingMessage{From: "nobody", Event: "leave"})
	assert.Empty(t, ended)

	m.HandlePlayerMessage(websocket.IncomingMessage{From: "alice", Event: "leave"})
	assert.Equal(t, matchmaker.GameID("g-5"), <-ended)
}

// The manager serves as the matchmaker's session creator; ending the game
// lets both players queue again.
func TestManagerBacksMatchmaker(t *testing.T) {
	hub := NewMockHub()
	m := NewManager(hub, "ws://x", 20*time.Millisecond)
	defer m.Close()

	opts := matchmaker.DefaultOptions()
	opts.SessionRetryDelay = 10 * time.Millisecond
	opts.SessionRetries = 20
	svc, err := matchmaker.NewService(context.Background(), matchmaker.Deps{
		Registry: matchmaker.NewMemoryRegistry(),
		Locker:   matchmaker.NewMemoryLocker(),
		Bus:      matchmaker.NewMemoryBus(),
		Creator:  m,
		Bots:     matchmaker.NewMemoryBots(nil),
		Hub:      hub,
	}, opts)
	require.NoError(t, err)
	defer svc.Close()
	m.OnEnd = func(ctx context.Context, game matchmaker.GameID, users []matchmaker.UserID) {
		assert.NoError(t, svc.ExpireOrEndMatch(ctx, game, users))
	}

	ctx := context.Background()
	game, err := svc.Vs(ctx, "", "alice", "d-a", "bob", "d-b")
	require.NoError(t, err)

	info, err := m.Connection(ctx, game)
	require.NoError(t, err)
	assert.False(t, info.Pending)
	assert.Contains(t, hub.Events("bob"), "matched")
	assert.Eventually(t, func() bool {
		return slices.Contains(hub.Events("bob"), "session_ready")
	}, time.Second, 5*time.Millisecond)

	m.HandlePlayerMessage(websocket.IncomingMessage{From: "bob", Event: "concede"})
	cur, err := svc.CurrentMatch(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, cur)
}

func TestGetConnection(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager(nil, "ws://x", 0)
	_, err := m.CreateSession(context.Background(), sessionReq("g-6"))
	require.NoError(t, err)

	r := gin.New()
	r.GET("/session/:gameId", m.GetConnection)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session/g-6", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"url":"ws://x?game=g-6"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// A game the matchmaker gives up on is dropped here too, and its players
// never hear that it became ready.
func TestExhaustedSessionIsAbandoned(t *testing.T) {
	hub := NewMockHub()
	m := NewManager(hub, "ws://x", 300*time.Millisecond)
	defer m.Close()

	opts := matchmaker.DefaultOptions()
	opts.SessionRetries = 2
	opts.SessionRetryDelay = 50 * time.Millisecond
	svc, err := matchmaker.NewService(context.Background(), matchmaker.Deps{
		Registry: matchmaker.NewMemoryRegistry(),
		Locker:   matchmaker.NewMemoryLocker(),
		Bus:      matchmaker.NewMemoryBus(),
		Creator:  m,
		Bots:     matchmaker.NewMemoryBots(nil),
		Hub:      hub,
	}, opts)
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	_, err = svc.Vs(ctx, "g-slow", "alice", "", "bob", "")
	require.ErrorIs(t, err, matchmaker.ErrSessionExhausted)

	_, err = m.Connection(ctx, "g-slow")
	assert.ErrorIs(t, err, ErrUnknownSession)
	_, ok := m.SessionOf("alice")
	assert.False(t, ok)

	// past the allocation delay nothing fires
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, hub.Events("alice"))
	assert.Empty(t, hub.Events("bob"))
}

func TestAbandonIgnoresUnknownAndSkipsOnEnd(t *testing.T) {
	m := NewManager(nil, "ws://x", 0)
	ctx := context.Background()
	m.OnEnd = func(ctx context.Context, game matchmaker.GameID, users []matchmaker.UserID) {
		t.Errorf("OnEnd must not run for an abandoned game %s", game)
	}

	assert.NoError(t, m.Abandon(ctx, "missing"))

	_, err := m.CreateSession(ctx, sessionReq("g-7"))
	require.NoError(t, err)
	require.NoError(t, m.Abandon(ctx, "g-7"))
	_, err = m.Connection(ctx, "g-7")
	assert.ErrorIs(t, err, ErrUnknownSession)
}
