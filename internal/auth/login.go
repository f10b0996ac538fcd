package auth

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"DuelQueue/internal/middleware"
	"DuelQueue/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const tokenTTL = 24 * time.Hour

type LoginRequest struct {
	Address   string `json:"address" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
}

type Handler struct {
	rdb    *redis.Client
	secret []byte
}

func NewHandler(rdb *redis.Client, secret []byte) *Handler {
	return &Handler{rdb: rdb, secret: secret}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/auth/nonce", h.Nonce)
	r.POST("/auth/nonce", h.Nonce)
	r.POST("/auth/login", h.Login)
}

// SignedMessage is the text the wallet signs for nonce.
func SignedMessage(nonce string) string {
	return "Sign this message to join matchmaking. Nonce: " + nonce
}

// personalHash matches MetaMask personal_sign.
func personalHash(msg string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return crypto.Keccak256([]byte(prefix))
}

func recoverAddress(msg, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(personalHash(msg), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// POST /auth/login body: {address, signature, nonce}. The JWT subject (the
// matchmaking user id) is the lower-cased wallet address.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}

	ok, err := h.consumeNonce(c.Request.Context(), req.Nonce)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "nonce lookup failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce"})
		return
	}

	recovered, err := recoverAddress(SignedMessage(req.Nonce), req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verify failed"})
		return
	}
	if !strings.EqualFold(recovered.Hex(), req.Address) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
		return
	}

	user := strings.ToLower(recovered.Hex())
	token, err := middleware.IssueToken(h.secret, user, tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "jwt generation failed"})
		return
	}
	utils.Log.Info("auth: login", "user", user)
	c.JSON(http.StatusOK, gin.H{"jwt": token, "userId": user})
}
