// Package auth implements the playback token contract: short-lived
// HMAC-signed tokens binding a request to a user and optionally to one
// playlist, plus the legacy opaque token format they replaced.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxTokenLength bounds raw token input before any parsing.
	MaxTokenLength = 1024

	minTokenTTL = 30 * time.Second
	maxTokenTTL = 48 * time.Hour
)

var (
	ErrBadToken         = errors.New("malformed token")
	ErrBadSignature     = errors.New("token signature mismatch")
	ErrTokenExpired     = errors.New("token expired")
	ErrPlaylistMismatch = errors.New("token bound to a different playlist")
	ErrKeyTooShort      = errors.New("signing key must be at least 16 bytes")
)

var legacyTokenPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// IsLegacyToken reports whether raw looks like a pre-signed-token opaque
// credential, which is looked up directly in the user store.
func IsLegacyToken(raw string) bool {
	return legacyTokenPattern.MatchString(raw)
}

// IsLikelyToken is the cheap shape check applied before any verification.
func IsLikelyToken(raw string) bool {
	return raw != "" && len(raw) <= MaxTokenLength
}

type tokenPayload struct {
	UserID     int64  `json:"u"`
	PlaylistID string `json:"p"`
	ExpiresAt  int64  `json:"e"`
}

// TokenClaims is the verified content of a playback token.
type TokenClaims struct {
	UserID     int64
	PlaylistID string
	ExpiresAt  time.Time
}

// TokenIssuer creates and verifies playback tokens with one signing key.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewTokenIssuer(key string, ttl time.Duration) (*TokenIssuer, error) {
	if len(key) < 16 {
		return nil, ErrKeyTooShort
	}
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}
	return &TokenIssuer{key: []byte(key), ttl: ttl, now: time.Now}, nil
}

func (i *TokenIssuer) sign(payloadB64 string) string {
	mac := hmac.New(sha256.New, i.key)
	mac.Write([]byte(payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Issue creates a token for userID bound to playlistID.
func (i *TokenIssuer) Issue(userID int64, playlistID string) (string, error) {
	if userID <= 0 {
		return "", ErrBadToken
	}
	playlistID = strings.TrimSpace(playlistID)
	if playlistID == "" {
		return "", ErrBadToken
	}

	payload, err := json.Marshal(tokenPayload{
		UserID:     userID,
		PlaylistID: playlistID,
		ExpiresAt:  i.now().Add(i.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}

	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	return payloadB64 + "." + i.sign(payloadB64), nil
}

// Verify checks raw and returns its claims. When playlistID is non-empty the
// token must be bound to that playlist.
func (i *TokenIssuer) Verify(raw, playlistID string) (*TokenClaims, error) {
	raw = strings.TrimSpace(raw)
	if !IsLikelyToken(raw) {
		return nil, ErrBadToken
	}

	payloadB64, sigB64, ok := strings.Cut(raw, ".")
	if !ok || payloadB64 == "" || sigB64 == "" {
		return nil, ErrBadToken
	}

	expected := i.sign(payloadB64)
	if subtle := hmac.Equal([]byte(sigB64), []byte(expected)); !subtle {
		return nil, ErrBadSignature
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, ErrBadToken
	}
	var payload tokenPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, ErrBadToken
	}
	if payload.UserID <= 0 || payload.PlaylistID == "" || payload.ExpiresAt <= 0 {
		return nil, ErrBadToken
	}
	if !i.now().Before(time.Unix(payload.ExpiresAt, 0)) {
		return nil, ErrTokenExpired
	}
	if playlistID != "" && playlistID != payload.PlaylistID {
		return nil, ErrPlaylistMismatch
	}

	return &TokenClaims{
		UserID:     payload.UserID,
		PlaylistID: payload.PlaylistID,
		ExpiresAt:  time.Unix(payload.ExpiresAt, 0),
	}, nil
}
