package matchmaker

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc            *Service
	defaultTimeout time.Duration
}

func NewHandler(svc *Service, defaultTimeout time.Duration) *Handler {
	return &Handler{svc: svc, defaultTimeout: defaultTimeout}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/match/join", h.Join)
	r.POST("/match/cancel", h.Cancel)
	r.GET("/match/current", h.Current)
	r.POST("/match/expire", h.Expire)
	r.POST("/match/bot", h.Bot)
	r.POST("/match/vs", h.Vs)
}

// userFrom prefers the id injected by the JWT middleware.
func userFrom(c *gin.Context, fallback string) UserID {
	if id := c.GetString("userId"); id != "" {
		return UserID(id)
	}
	return UserID(fallback)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrSessionExhausted), errors.Is(err, ErrClosed), errors.Is(err, ErrNoBots):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// POST /match/join  body: {userId, deckId, timeoutMs, bot, botDeckId, queue}
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeout := h.defaultTimeout
	if req.TimeoutMs != nil {
		timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	game, state, err := h.svc.Matchmake(c.Request.Context(), MatchmakingRequest{
		UserID:    userFrom(c, req.UserID),
		DeckID:    DeckID(req.DeckID),
		Timeout:   timeout,
		BotMatch:  req.Bot,
		BotDeckID: DeckID(req.BotDeckID),
		Queue:     req.Queue,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, JoinResponse{Matched: game != "", GameID: game, State: state.String()})
}

// POST /match/cancel body: {userId}
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.Cancel(c.Request.Context(), userFrom(c, req.UserID)); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /match/current?userId=
func (h *Handler) Current(c *gin.Context) {
	game, err := h.svc.CurrentMatch(c.Request.Context(), userFrom(c, c.Query("userId")))
	if err != nil {
		abort(c, err)
		return
	}
	if game == "" {
		c.JSON(http.StatusOK, gin.H{"gameId": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gameId": game})
}

// POST /match/expire body: {gameId, users}
func (h *Handler) Expire(c *gin.Context) {
	var req ExpireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	users := make([]UserID, 0, len(req.Users))
	for _, u := range req.Users {
		users = append(users, UserID(u))
	}
	if err := h.svc.ExpireOrEndMatch(c.Request.Context(), GameID(req.GameID), users); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /match/bot body: {userId, deckId, botDeckId}
func (h *Handler) Bot(c *gin.Context) {
	var req BotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	game, err := h.svc.Bot(c.Request.Context(), userFrom(c, req.UserID), DeckID(req.DeckID), DeckID(req.BotDeckID))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gameId": game})
}

// POST /match/vs body: {gameId, userId, deckId, otherUserId, otherDeckId}
func (h *Handler) Vs(c *gin.Context) {
	var req VsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	game, err := h.svc.Vs(c.Request.Context(), GameID(req.GameID),
		UserID(req.UserID), DeckID(req.DeckID), UserID(req.OtherUserID), DeckID(req.OtherDeckID))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gameId": game})
}
