// Package stream allocates streaming sessions for operations with the
// stream execution model and serves the SSE attach endpoint. The CALL
// core only owns the handshake; the transport here is deliberately thin.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openshelf/callgate/pkg/protocol"
)

// SessionClaims bind a stream session to a subject and operation.
type SessionClaims struct {
	jwt.RegisteredClaims
	Op string `json:"op"`
}

// Allocator mints and verifies signed stream-session tokens.
type Allocator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAllocator creates an allocator with the given signing secret.
func NewAllocator(secret []byte, ttl time.Duration) *Allocator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Allocator{secret: secret, ttl: ttl, now: time.Now}
}

// Open allocates a session and returns the handshake object the
// dispatcher places into the streaming envelope.
func (a *Allocator) Open(subject, op string) (*protocol.StreamInfo, error) {
	now := a.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			Issuer:    "callgate",
		},
		Op: op,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("stream: sign session token: %w", err)
	}
	return &protocol.StreamInfo{
		Transport: "sse",
		Location:  "/stream/" + token,
		SessionID: token,
		Encoding:  "json",
	}, nil
}

// ErrSessionInvalid covers unknown, malformed and expired sessions.
var ErrSessionInvalid = errors.New("stream session invalid")

// Verify parses and validates a session token.
func (a *Allocator) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrSessionInvalid
	}
	return claims, nil
}
