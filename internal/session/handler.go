package session

import (
	"errors"
	"net/http"

	"DuelQueue/internal/matchmaker"

	"github.com/gin-gonic/gin"
)

// GET /session/:gameId
func (m *Manager) GetConnection(c *gin.Context) {
	info, err := m.Connection(c.Request.Context(), matchmaker.GameID(c.Param("gameId")))
	if errors.Is(err, ErrUnknownSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}
