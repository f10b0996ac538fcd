package auth

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"DuelQueue/internal/middleware"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func setup(t *testing.T) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := gin.New()
	NewHandler(rdb, secret).Register(r)
	return r, mr
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, &buf))
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func sign(t *testing.T, nonce string) (address, signature string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := crypto.Sign(personalHash(SignedMessage(nonce)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), "0x" + hex.EncodeToString(sig)
}

func TestLoginIssuesToken(t *testing.T) {
	r, mr := setup(t)

	code, body := doJSON(t, r, http.MethodGet, "/auth/nonce", nil)
	require.Equal(t, http.StatusOK, code)
	nonce := body["nonce"].(string)
	assert.True(t, mr.Exists(nonceKey(nonce)))

	addr, sig := sign(t, nonce)
	code, body = doJSON(t, r, http.MethodPost, "/auth/login", LoginRequest{Address: addr, Signature: sig, Nonce: nonce})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, strings.ToLower(addr), body["userId"])

	user, err := middleware.ParseToken(secret, body["jwt"].(string))
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(addr), user)
	assert.False(t, mr.Exists(nonceKey(nonce)), "nonce must be single use")

	// replay
	code, _ = doJSON(t, r, http.MethodPost, "/auth/login", LoginRequest{Address: addr, Signature: sig, Nonce: nonce})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLoginRejectsWrongSigner(t *testing.T) {
	r, _ := setup(t)

	_, body := doJSON(t, r, http.MethodPost, "/auth/nonce", nil)
	nonce := body["nonce"].(string)
	_, sig := sign(t, nonce)
	other, _ := sign(t, nonce)

	code, _ := doJSON(t, r, http.MethodPost, "/auth/login", LoginRequest{Address: other, Signature: sig, Nonce: nonce})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestLoginRejectsUnknownNonce(t *testing.T) {
	r, _ := setup(t)
	addr, sig := sign(t, "never-issued")
	code, _ := doJSON(t, r, http.MethodPost, "/auth/login", LoginRequest{Address: addr, Signature: sig, Nonce: "never-issued"})
	assert.Equal(t, http.StatusBadRequest, code)
}
