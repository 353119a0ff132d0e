package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrPatronNotFound is returned by directories when no patron matches.
var ErrPatronNotFound = errors.New("patron not found")

// cardNumberPattern is the canonical card format, e.g. 3f9A-77Qx-b2.
var cardNumberPattern = regexp.MustCompile(`^[A-Za-z0-9]{4}-[A-Za-z0-9]{4}-[A-Za-z0-9]{2}$`)

// ValidCardNumber reports whether s has the canonical card shape.
func ValidCardNumber(s string) bool { return cardNumberPattern.MatchString(s) }

// Patron is the directory's view of a library member.
type Patron struct {
	ID         string
	Username   string
	CardNumber string
}

// PatronDirectory materializes and resolves patron records. The library
// store implements it; auth only needs these three calls.
type PatronDirectory interface {
	FindByUsername(ctx context.Context, username string) (*Patron, error)
	FindByCard(ctx context.Context, cardNumber string) (*Patron, error)
	Create(ctx context.Context, username string) (*Patron, error)
}

// humanDeniedScopes are stripped from every human token at issuance.
var humanDeniedScopes = NewScopeSet("items:manage", "patron:billing")

// defaultHumanScopes is the grant when the caller requests none.
var defaultHumanScopes = []string{
	"items:browse", "items:read", "items:checkin", "items:write", "patron:read",
}

// agentScopes is the fixed grant for agent tokens. No checkin, no billing.
var agentScopes = []string{"items:browse", "items:read", "items:write", "patron:read"}

// Grant is the issuance response body.
type Grant struct {
	Token      string   `json:"token"`
	Username   string   `json:"username"`
	PatronID   string   `json:"patronId,omitempty"`
	CardNumber string   `json:"cardNumber"`
	Scopes     []string `json:"scopes"`
	ExpiresAt  int64    `json:"expiresAt"`
}

// Store issues and resolves bearer tokens. Read-mostly: resolution takes
// the read lock, issuance and cleanup the write lock.
type Store struct {
	mu       sync.RWMutex
	byToken  map[string]*Principal
	tokenTTL time.Duration
	dir      PatronDirectory
	now      func() time.Time
	done     chan struct{}
}

// NewStore creates a token store backed by the given patron directory.
func NewStore(dir PatronDirectory, tokenTTL time.Duration) *Store {
	s := &Store{
		byToken:  make(map[string]*Principal),
		tokenTTL: tokenTTL,
		dir:      dir,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Close stops the expiry sweeper.
func (s *Store) Close() { close(s.done) }

func (s *Store) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		now := s.now().Unix()
		s.mu.Lock()
		for tok, p := range s.byToken {
			if p.ExpiresAt <= now {
				delete(s.byToken, tok)
			}
		}
		s.mu.Unlock()
	}
}

// IssueHuman issues a demo_ token. The requested scope set is filtered
// against the human policy; a fresh patron record is materialized when
// the username is new.
func (s *Store) IssueHuman(ctx context.Context, username string, requested []string) (*Grant, error) {
	if username == "" {
		username = RandomHandle()
	}

	patron, err := s.dir.FindByUsername(ctx, username)
	if errors.Is(err, ErrPatronNotFound) {
		patron, err = s.dir.Create(ctx, username)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: materialize patron %q: %w", username, err)
	}

	if len(requested) == 0 {
		requested = defaultHumanScopes
	}
	granted := make([]string, 0, len(requested))
	for _, sc := range requested {
		if !humanDeniedScopes.Contains(sc) {
			granted = append(granted, sc)
		}
	}

	return s.issue(KindHuman, "demo_", patron, granted), nil
}

// IssueAgent issues an agent_ token bound to an existing patron.
func (s *Store) IssueAgent(ctx context.Context, cardNumber string) (*Grant, error) {
	if !ValidCardNumber(cardNumber) {
		return nil, fmt.Errorf("auth: %w", ErrInvalidCard)
	}
	patron, err := s.dir.FindByCard(ctx, cardNumber)
	if err != nil {
		if errors.Is(err, ErrPatronNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("auth: resolve card: %w", err)
	}
	return s.issue(KindAgent, "agent_", patron, agentScopes), nil
}

// ErrInvalidCard signals a card number shape mismatch.
var ErrInvalidCard = errors.New("invalid card number")

func (s *Store) issue(kind Kind, prefix string, patron *Patron, scopes []string) *Grant {
	token := prefix + randomHex(16)
	expiresAt := s.now().Add(s.tokenTTL).Unix()
	p := &Principal{
		Token:     token,
		Kind:      kind,
		Subject:   patron.ID,
		Scopes:    NewScopeSet(scopes...),
		ExpiresAt: expiresAt,
	}

	s.mu.Lock()
	s.byToken[token] = p
	s.mu.Unlock()

	return &Grant{
		Token:      token,
		Username:   patron.Username,
		PatronID:   patron.ID,
		CardNumber: patron.CardNumber,
		Scopes:     p.Scopes.Sorted(),
		ExpiresAt:  expiresAt,
	}
}

// Resolve turns an Authorization header into a principal. Unknown,
// malformed and expired tokens all resolve as absent.
func (s *Store) Resolve(authHeader string) (*Principal, bool) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return nil, false
	}

	s.mu.RLock()
	p, ok := s.byToken[parts[1]]
	s.mu.RUnlock()
	if !ok || p.ExpiresAt <= s.now().Unix() {
		return nil, false
	}
	return p, true
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
