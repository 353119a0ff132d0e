package library

import (
	"context"
	"fmt"
)

type seedItem struct {
	id, title, author, genre string
	year, copies             int
}

var seedCatalogue = []seedItem{
	{"bk-001", "The Left Hand of Darkness", "Ursula K. Le Guin", "science fiction", 1969, 3},
	{"bk-002", "A Wizard of Earthsea", "Ursula K. Le Guin", "fantasy", 1968, 2},
	{"bk-003", "The Dispossessed", "Ursula K. Le Guin", "science fiction", 1974, 2},
	{"bk-004", "Kindred", "Octavia E. Butler", "science fiction", 1979, 2},
	{"bk-005", "Parable of the Sower", "Octavia E. Butler", "science fiction", 1993, 3},
	{"bk-006", "The Fifth Season", "N. K. Jemisin", "fantasy", 2015, 4},
	{"bk-007", "The Obelisk Gate", "N. K. Jemisin", "fantasy", 2016, 2},
	{"bk-008", "The Stone Sky", "N. K. Jemisin", "fantasy", 2017, 2},
	{"bk-009", "Ancillary Justice", "Ann Leckie", "science fiction", 2013, 2},
	{"bk-010", "The Long Way to a Small, Angry Planet", "Becky Chambers", "science fiction", 2014, 3},
	{"bk-011", "Piranesi", "Susanna Clarke", "fantasy", 2020, 2},
	{"bk-012", "Jonathan Strange & Mr Norrell", "Susanna Clarke", "fantasy", 2004, 1},
	{"bk-013", "The Name of the Wind", "Patrick Rothfuss", "fantasy", 2007, 3},
	{"bk-014", "Hyperion", "Dan Simmons", "science fiction", 1989, 2},
	{"bk-015", "Snow Crash", "Neal Stephenson", "science fiction", 1992, 2},
	{"bk-016", "Cryptonomicon", "Neal Stephenson", "fiction", 1999, 1},
	{"bk-017", "The Remains of the Day", "Kazuo Ishiguro", "fiction", 1989, 2},
	{"bk-018", "Never Let Me Go", "Kazuo Ishiguro", "fiction", 2005, 2},
	{"bk-019", "Beloved", "Toni Morrison", "fiction", 1987, 2},
	{"bk-020", "Song of Solomon", "Toni Morrison", "fiction", 1977, 1},
	{"bk-021", "Gödel, Escher, Bach", "Douglas Hofstadter", "nonfiction", 1979, 1},
	{"bk-022", "The Soul of a New Machine", "Tracy Kidder", "nonfiction", 1981, 2},
	{"bk-023", "The Design of Everyday Things", "Don Norman", "nonfiction", 1988, 2},
	{"bk-024", "Thinking in Systems", "Donella Meadows", "nonfiction", 2008, 2},
}

// seedPatrons gives the demo a few known card numbers to authenticate
// agents against.
var seedPatrons = []struct {
	id, username, card string
}{
	{"pat-001", "ada-lovelace", "A1b2-C3d4-E5"},
	{"pat-002", "grace-hopper", "Q9w8-E7r6-T5"},
	{"pat-003", "mary-shelley", "Zz42-Yy77-Xx"},
}

// Seed populates the catalogue and demo patrons once; a non-empty items
// table leaves the database untouched.
func (s *Store) Seed(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&count); err != nil {
		return fmt.Errorf("library: seed probe: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("library: begin seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, it := range seedCatalogue {
		cover := fmt.Sprintf("https://covers.openshelf.example/%s.jpg", it.id)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items (id, title, author, year, genre, cover_uri, copies) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			it.id, it.title, it.author, it.year, it.genre, cover, it.copies); err != nil {
			return fmt.Errorf("library: seed item %s: %w", it.id, err)
		}
	}
	for _, p := range seedPatrons {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO patrons (id, username, card_number, created_at) VALUES (?, ?, ?, ?)`,
			p.id, p.username, p.card, s.now().UTC()); err != nil {
			return fmt.Errorf("library: seed patron %s: %w", p.username, err)
		}
	}
	return tx.Commit()
}
