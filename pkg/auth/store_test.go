package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDirectory is an in-memory PatronDirectory for token tests.
type fakeDirectory struct {
	mu      sync.Mutex
	byName  map[string]*Patron
	byCard  map[string]*Patron
	created int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		byName: make(map[string]*Patron),
		byCard: make(map[string]*Patron),
	}
}

func (d *fakeDirectory) add(p *Patron) {
	d.byName[p.Username] = p
	d.byCard[p.CardNumber] = p
}

func (d *fakeDirectory) FindByUsername(_ context.Context, username string) (*Patron, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.byName[username]; ok {
		return p, nil
	}
	return nil, ErrPatronNotFound
}

func (d *fakeDirectory) FindByCard(_ context.Context, cardNumber string) (*Patron, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.byCard[cardNumber]; ok {
		return p, nil
	}
	return nil, ErrPatronNotFound
}

func (d *fakeDirectory) Create(_ context.Context, username string) (*Patron, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created++
	p := &Patron{ID: "p-" + username, Username: username, CardNumber: "Aaaa-Bbbb-01"}
	d.byName[username] = p
	return p, nil
}

func TestIssueHumanFiltersDeniedScopes(t *testing.T) {
	store := NewStore(newFakeDirectory(), time.Hour)
	defer store.Close()

	grant, err := store.IssueHuman(context.Background(), "ada",
		[]string{"items:browse", "items:manage", "patron:billing", "patron:read"})
	if err != nil {
		t.Fatal(err)
	}
	for _, sc := range grant.Scopes {
		if sc == "items:manage" || sc == "patron:billing" {
			t.Fatalf("denied scope %q granted", sc)
		}
	}
	if !strings.HasPrefix(grant.Token, "demo_") {
		t.Fatalf("token prefix: %s", grant.Token)
	}
}

func TestIssueHumanDefaults(t *testing.T) {
	dir := newFakeDirectory()
	store := NewStore(dir, time.Hour)
	defer store.Close()

	grant, err := store.IssueHuman(context.Background(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if grant.Username == "" {
		t.Fatal("empty username not replaced with a generated handle")
	}
	if dir.created != 1 {
		t.Fatalf("created = %d, want 1 materialized patron", dir.created)
	}

	want := NewScopeSet(defaultHumanScopes...)
	if len(grant.Scopes) != len(want) {
		t.Fatalf("scopes = %v, want defaults %v", grant.Scopes, defaultHumanScopes)
	}
	for _, sc := range grant.Scopes {
		if !want.Contains(sc) {
			t.Fatalf("unexpected scope %q", sc)
		}
	}

	// Re-issuing for the same username reuses the patron record.
	again, err := store.IssueHuman(context.Background(), grant.Username, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.PatronID != grant.PatronID {
		t.Fatal("same username produced a different patron")
	}
	if dir.created != 1 {
		t.Fatalf("created = %d after reissue, want 1", dir.created)
	}
}

func TestIssueAgent(t *testing.T) {
	dir := newFakeDirectory()
	dir.add(&Patron{ID: "p-ada", Username: "ada", CardNumber: "A1b2-C3d4-E5"})
	store := NewStore(dir, time.Hour)
	defer store.Close()

	t.Run("invalid card shape", func(t *testing.T) {
		_, err := store.IssueAgent(context.Background(), "not-a-card")
		if !errors.Is(err, ErrInvalidCard) {
			t.Fatalf("err = %v, want ErrInvalidCard", err)
		}
	})

	t.Run("unknown card", func(t *testing.T) {
		_, err := store.IssueAgent(context.Background(), "Zzzz-Zzzz-99")
		if !errors.Is(err, ErrPatronNotFound) {
			t.Fatalf("err = %v, want ErrPatronNotFound", err)
		}
	})

	t.Run("known card", func(t *testing.T) {
		grant, err := store.IssueAgent(context.Background(), "A1b2-C3d4-E5")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(grant.Token, "agent_") {
			t.Fatalf("token prefix: %s", grant.Token)
		}
		granted := NewScopeSet(grant.Scopes...)
		if granted.Contains("items:checkin") || granted.Contains("patron:billing") {
			t.Fatalf("agent granted a forbidden scope: %v", grant.Scopes)
		}
	})
}

func TestResolve(t *testing.T) {
	store := NewStore(newFakeDirectory(), time.Hour)
	defer store.Close()
	grant, err := store.IssueHuman(context.Background(), "ada", nil)
	if err != nil {
		t.Fatal(err)
	}

	p, ok := store.Resolve("Bearer " + grant.Token)
	if !ok {
		t.Fatal("issued token did not resolve")
	}
	if p.Kind != KindHuman || p.Subject == "" {
		t.Fatalf("principal = %+v", p)
	}

	for _, header := range []string{
		"",
		grant.Token,             // no scheme
		"bearer " + grant.Token, // scheme is case-sensitive
		"Bearer ",
		"Bearer demo_deadbeef",
	} {
		if _, ok := store.Resolve(header); ok {
			t.Errorf("header %q resolved", header)
		}
	}
}

func TestResolveExpiredToken(t *testing.T) {
	store := NewStore(newFakeDirectory(), time.Minute)
	defer store.Close()
	now := time.Now()
	store.now = func() time.Time { return now }

	grant, err := store.IssueHuman(context.Background(), "ada", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Resolve("Bearer " + grant.Token); !ok {
		t.Fatal("fresh token did not resolve")
	}

	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, ok := store.Resolve("Bearer " + grant.Token); ok {
		t.Fatal("expired token resolved")
	}
}

func TestPrincipalContext(t *testing.T) {
	p := &Principal{Subject: "pat-001", Kind: KindHuman}
	ctx := WithPrincipal(context.Background(), p)

	got, ok := PrincipalFrom(ctx)
	if !ok || got.Subject != "pat-001" {
		t.Fatalf("got = %+v, ok = %v", got, ok)
	}
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Fatal("empty context yielded a principal")
	}
}

func TestValidCardNumber(t *testing.T) {
	good := []string{"A1b2-C3d4-E5", "aaaa-bbbb-cc", "1234-5678-90"}
	for _, card := range good {
		if !ValidCardNumber(card) {
			t.Errorf("ValidCardNumber(%q) = false", card)
		}
	}
	bad := []string{"", "A1b2C3d4E5", "A1b2-C3d4-E55", "A1b!-C3d4-E5", "a1b2-c3d4"}
	for _, card := range bad {
		if ValidCardNumber(card) {
			t.Errorf("ValidCardNumber(%q) = true", card)
		}
	}
}
