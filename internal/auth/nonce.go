package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const nonceTTL = 5 * time.Minute

func nonceKey(nonce string) string {
	return "auth:nonce:" + nonce
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (h *Handler) issueNonce(ctx context.Context) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}
	if err := h.rdb.Set(ctx, nonceKey(nonce), 1, nonceTTL).Err(); err != nil {
		return "", err
	}
	return nonce, nil
}

// consumeNonce 只允许使用一次，防止重放
func (h *Handler) consumeNonce(ctx context.Context, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	_, err := h.rdb.GetDel(ctx, nonceKey(nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// GET|POST /auth/nonce
func (h *Handler) Nonce(c *gin.Context) {
	nonce, err := h.issueNonce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate nonce"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nonce": nonce})
}
