// Package library is the seeded demo domain behind the CALL gateway:
// a catalogue, patrons and lending over an embedded SQLite store.
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/openshelf/callgate/pkg/auth"
)

// Domain sentinels; handlers translate them into domain error codes.
var (
	ErrItemNotFound      = errors.New("item not found")
	ErrItemUnavailable   = errors.New("no copies available")
	ErrItemNotCheckedOut = errors.New("item not checked out by patron")
	ErrOverdueItemsExist = errors.New("patron has overdue items")
)

// loanPeriod is how long a checkout lasts before the item is overdue.
const loanPeriod = 21 * 24 * time.Hour

// Item is one catalogue entry.
type Item struct {
	ID        string `json:"itemId"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Year      int    `json:"year"`
	Genre     string `json:"genre"`
	CoverURI  string `json:"coverUri,omitempty"`
	Copies    int    `json:"copies"`
	Available int    `json:"available"`
}

// Loan is an active or returned checkout.
type Loan struct {
	ItemID       string     `json:"itemId"`
	Title        string     `json:"title"`
	CheckedOutAt time.Time  `json:"checkedOutAt"`
	DueAt        time.Time  `json:"dueAt"`
	ReturnedAt   *time.Time `json:"returnedAt,omitempty"`
}

// Fine is an assessed charge against a patron.
type Fine struct {
	AmountCents int       `json:"amountCents"`
	Reason      string    `json:"reason"`
	AssessedAt  time.Time `json:"assessedAt"`
	Paid        bool      `json:"paid"`
}

// Profile is a patron with their active loans.
type Profile struct {
	PatronID   string `json:"patronId"`
	Username   string `json:"username"`
	CardNumber string `json:"cardNumber"`
	Loans      []Loan `json:"loans"`
}

// Store wraps the SQLite database. It also implements
// auth.PatronDirectory so token issuance can materialize patrons.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to the SQLite database at path, creating the schema.
// An empty path selects a shared in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "file:callgate?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("library: open database: %w", err)
	}
	// The modernc driver is not safe for concurrent writers on one
	// connection pool beyond this.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS patrons (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		card_number TEXT UNIQUE NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		year INTEGER NOT NULL,
		genre TEXT NOT NULL,
		cover_uri TEXT NOT NULL DEFAULT '',
		copies INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS loans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL REFERENCES items(id),
		patron_id TEXT NOT NULL REFERENCES patrons(id),
		checked_out_at DATETIME NOT NULL,
		due_at DATETIME NOT NULL,
		returned_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS fines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patron_id TEXT NOT NULL REFERENCES patrons(id),
		amount_cents INTEGER NOT NULL,
		reason TEXT NOT NULL,
		assessed_at DATETIME NOT NULL,
		paid INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := s.db.ExecContext(context.Background(), ddl); err != nil {
		return fmt.Errorf("library: migrate: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- auth.PatronDirectory ---

// FindByUsername resolves a patron by username.
func (s *Store) FindByUsername(ctx context.Context, username string) (*auth.Patron, error) {
	return s.onePatron(ctx, `SELECT id, username, card_number FROM patrons WHERE username = ?`, username)
}

// FindByCard resolves a patron by canonical card number.
func (s *Store) FindByCard(ctx context.Context, cardNumber string) (*auth.Patron, error) {
	return s.onePatron(ctx, `SELECT id, username, card_number FROM patrons WHERE card_number = ?`, cardNumber)
}

func (s *Store) onePatron(ctx context.Context, query string, arg any) (*auth.Patron, error) {
	var p auth.Patron
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&p.ID, &p.Username, &p.CardNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrPatronNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("library: query patron: %w", err)
	}
	return &p, nil
}

// Create materializes a fresh patron with a generated card number.
func (s *Store) Create(ctx context.Context, username string) (*auth.Patron, error) {
	p := &auth.Patron{
		ID:         uuid.NewString(),
		Username:   username,
		CardNumber: newCardNumber(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patrons (id, username, card_number, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Username, p.CardNumber, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("library: create patron: %w", err)
	}
	return p, nil
}

// cardAlphabet excludes look-alike characters.
const cardAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"

func newCardNumber() string {
	segment := func(n int) string {
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteByte(cardAlphabet[rand.IntN(len(cardAlphabet))])
		}
		return b.String()
	}
	return segment(4) + "-" + segment(4) + "-" + segment(2)
}

// --- catalogue ---

const itemColumns = `
	i.id, i.title, i.author, i.year, i.genre, i.cover_uri, i.copies,
	i.copies - (SELECT COUNT(*) FROM loans l WHERE l.item_id = i.id AND l.returned_at IS NULL)`

// ListItems pages through the catalogue ordered by title.
func (s *Store) ListItems(ctx context.Context, limit, offset int) ([]Item, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("library: count items: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items i ORDER BY i.title LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("library: list items: %w", err)
	}
	items, err := scanItems(rows)
	return items, total, err
}

// SearchItems matches a substring against titles and authors.
func (s *Store) SearchItems(ctx context.Context, q string, limit int) ([]Item, error) {
	pattern := "%" + strings.ToLower(q) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items i
		 WHERE lower(i.title) LIKE ? OR lower(i.author) LIKE ?
		 ORDER BY i.title LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("library: search items: %w", err)
	}
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer func() { _ = rows.Close() }()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Title, &it.Author, &it.Year, &it.Genre,
			&it.CoverURI, &it.Copies, &it.Available); err != nil {
			return nil, fmt.Errorf("library: scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetItem fetches one item by id.
func (s *Store) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var it Item
	err := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items i WHERE i.id = ?`, itemID).
		Scan(&it.ID, &it.Title, &it.Author, &it.Year, &it.Genre,
			&it.CoverURI, &it.Copies, &it.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("library: get item: %w", err)
	}
	return &it, nil
}

// --- lending ---

// Checkout lends an item to the patron. Fails when the item is unknown,
// no copy is available, or the patron holds overdue loans.
func (s *Store) Checkout(ctx context.Context, patronID, itemID string) (*Loan, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Available < 1 {
		return nil, ErrItemUnavailable
	}

	var overdue int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loans WHERE patron_id = ? AND returned_at IS NULL AND due_at < ?`,
		patronID, s.now().UTC()).Scan(&overdue)
	if err != nil {
		return nil, fmt.Errorf("library: count overdue: %w", err)
	}
	if overdue > 0 {
		return nil, ErrOverdueItemsExist
	}

	checkedOut := s.now().UTC()
	due := checkedOut.Add(loanPeriod)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO loans (item_id, patron_id, checked_out_at, due_at) VALUES (?, ?, ?, ?)`,
		itemID, patronID, checkedOut, due)
	if err != nil {
		return nil, fmt.Errorf("library: insert loan: %w", err)
	}
	return &Loan{ItemID: itemID, Title: item.Title, CheckedOutAt: checkedOut, DueAt: due}, nil
}

// Checkin returns the patron's active loan on the item.
func (s *Store) Checkin(ctx context.Context, patronID, itemID string) (*Loan, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	var loanID int64
	var checkedOut, due time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT id, checked_out_at, due_at FROM loans
		 WHERE item_id = ? AND patron_id = ? AND returned_at IS NULL
		 ORDER BY checked_out_at LIMIT 1`, itemID, patronID).
		Scan(&loanID, &checkedOut, &due)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotCheckedOut
	}
	if err != nil {
		return nil, fmt.Errorf("library: find loan: %w", err)
	}

	returned := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE loans SET returned_at = ? WHERE id = ?`, returned, loanID); err != nil {
		return nil, fmt.Errorf("library: close loan: %w", err)
	}

	// Late returns are fined a flat daily rate.
	if returned.After(due) {
		days := int(returned.Sub(due).Hours()/24) + 1
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO fines (patron_id, amount_cents, reason, assessed_at) VALUES (?, ?, ?, ?)`,
			patronID, days*25, fmt.Sprintf("late return of %s", item.Title), returned); err != nil {
			return nil, fmt.Errorf("library: assess fine: %w", err)
		}
	}
	return &Loan{ItemID: itemID, Title: item.Title, CheckedOutAt: checkedOut, DueAt: due, ReturnedAt: &returned}, nil
}

// PatronProfile collects the patron and their active loans.
func (s *Store) PatronProfile(ctx context.Context, patronID string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, card_number FROM patrons WHERE id = ?`, patronID).
		Scan(&p.PatronID, &p.Username, &p.CardNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrPatronNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("library: query patron: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT l.item_id, i.title, l.checked_out_at, l.due_at
		 FROM loans l JOIN items i ON i.id = l.item_id
		 WHERE l.patron_id = ? AND l.returned_at IS NULL
		 ORDER BY l.checked_out_at`, patronID)
	if err != nil {
		return nil, fmt.Errorf("library: list loans: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var l Loan
		if err := rows.Scan(&l.ItemID, &l.Title, &l.CheckedOutAt, &l.DueAt); err != nil {
			return nil, fmt.Errorf("library: scan loan: %w", err)
		}
		p.Loans = append(p.Loans, l)
	}
	return &p, rows.Err()
}

// PatronFines lists unpaid and paid fines with the outstanding total.
func (s *Store) PatronFines(ctx context.Context, patronID string) ([]Fine, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amount_cents, reason, assessed_at, paid FROM fines
		 WHERE patron_id = ? ORDER BY assessed_at DESC`, patronID)
	if err != nil {
		return nil, 0, fmt.Errorf("library: list fines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fines []Fine
	total := 0
	for rows.Next() {
		var f Fine
		if err := rows.Scan(&f.AmountCents, &f.Reason, &f.AssessedAt, &f.Paid); err != nil {
			return nil, 0, fmt.Errorf("library: scan fine: %w", err)
		}
		if !f.Paid {
			total += f.AmountCents
		}
		fines = append(fines, f)
	}
	return fines, total, rows.Err()
}
