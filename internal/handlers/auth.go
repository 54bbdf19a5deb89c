package handlers

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"raffle/internal/models"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/google/logger"
)

const (
	HeaderAddress   = "X-Raffle-Address"
	HeaderTimestamp = "X-Raffle-Timestamp"
	HeaderSignature = "X-Raffle-Signature"

	// MaxClockSkew bounds how far a request timestamp may be from server time.
	MaxClockSkew = 5 * time.Minute

	callerKey = "caller"
)

// SigningText is what a caller signs (EIP-191 personal message) to
// authenticate a request.
func SigningText(method, path string, ts int64, body []byte) []byte {
	return []byte(fmt.Sprintf("%s %s\n%d\n%s", method, path, ts, hexutil.Encode(crypto.Keccak256(body))))
}

// Sign returns the X-Raffle-Signature value for a request.
func Sign(key *ecdsa.PrivateKey, method, path string, ts int64, body []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(SigningText(method, path, ts, body)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func recoverSigner(text []byte, signature string) (models.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature: want %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(text), sig)
	if err != nil {
		return "", err
	}
	return models.Address(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// replayCache remembers signatures until they fall out of the timestamp window.
type replayCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{seen: make(map[string]time.Time)}
}

// add reports false when sig was already used.
func (r *replayCache) add(sig string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, exp := range r.seen {
		if now.After(exp) {
			delete(r.seen, k)
		}
	}
	if _, ok := r.seen[sig]; ok {
		return false
	}
	r.seen[sig] = now.Add(2 * MaxClockSkew)
	return true
}

var errUnauthenticated = errors.New("unauthenticated")

func (h *HTTPHandler) authenticate(c *gin.Context) (models.Address, error) {
	claimed, err := models.ParseAddress(c.GetHeader(HeaderAddress))
	if err != nil {
		return "", err
	}
	ts, err := strconv.ParseInt(c.GetHeader(HeaderTimestamp), 10, 64)
	if err != nil {
		return "", fmt.Errorf("timestamp: %w", err)
	}
	now := h.now()
	if skew := now.Sub(time.Unix(ts, 0)); skew > MaxClockSkew || skew < -MaxClockSkew {
		return "", fmt.Errorf("timestamp %d outside the allowed window", ts)
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	sig := strings.ToLower(c.GetHeader(HeaderSignature))
	signer, err := recoverSigner(SigningText(c.Request.Method, c.Request.URL.Path, ts, body), sig)
	if err != nil {
		return "", err
	}
	if signer != claimed {
		return "", fmt.Errorf("signed by %s, not %s", signer, claimed)
	}
	if !h.replay.add(sig, now) {
		return "", errors.New("signature already used")
	}
	return signer, nil
}

// AuthMiddleware identifies the caller from the request signature headers.
func (h *HTTPHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := h.authenticate(c)
		if err != nil {
			logger.Infof("rejected %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 0, "error": fmt.Sprintf("%v: %v", errUnauthenticated, err)})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func callerOf(c *gin.Context) models.Address {
	return c.MustGet(callerKey).(models.Address)
}
