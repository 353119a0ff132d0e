package library

import (
	"context"
	"fmt"
	"time"
)

// GenreCount is one row of the inventory summary.
type GenreCount struct {
	Genre  string `json:"genre"`
	Titles int    `json:"titles"`
	Copies int    `json:"copies"`
}

// OverdueLoan identifies one overdue checkout in the full report.
type OverdueLoan struct {
	ItemID   string    `json:"itemId"`
	Title    string    `json:"title"`
	Username string    `json:"username"`
	DueAt    time.Time `json:"dueAt"`
}

// Report is the v1:report.generate result.
type Report struct {
	GeneratedAt time.Time     `json:"generatedAt"`
	Format      string        `json:"format"`
	TotalTitles int           `json:"totalTitles"`
	TotalCopies int           `json:"totalCopies"`
	ActiveLoans int           `json:"activeLoans"`
	Genres      []GenreCount  `json:"genres"`
	Overdue     []OverdueLoan `json:"overdue,omitempty"`
}

// BuildReport assembles the inventory and lending report. The full
// format additionally lists every overdue loan.
func (s *Store) BuildReport(ctx context.Context, format string) (*Report, error) {
	r := &Report{GeneratedAt: s.now().UTC(), Format: format}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(copies), 0) FROM items`).
		Scan(&r.TotalTitles, &r.TotalCopies)
	if err != nil {
		return nil, fmt.Errorf("library: report totals: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loans WHERE returned_at IS NULL`).Scan(&r.ActiveLoans); err != nil {
		return nil, fmt.Errorf("library: report loans: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT genre, COUNT(*), SUM(copies) FROM items GROUP BY genre ORDER BY genre`)
	if err != nil {
		return nil, fmt.Errorf("library: report genres: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var g GenreCount
		if err := rows.Scan(&g.Genre, &g.Titles, &g.Copies); err != nil {
			return nil, fmt.Errorf("library: scan genre row: %w", err)
		}
		r.Genres = append(r.Genres, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if format == "full" {
		overdueRows, err := s.db.QueryContext(ctx,
			`SELECT l.item_id, i.title, p.username, l.due_at
			 FROM loans l
			 JOIN items i ON i.id = l.item_id
			 JOIN patrons p ON p.id = l.patron_id
			 WHERE l.returned_at IS NULL AND l.due_at < ?
			 ORDER BY l.due_at`, s.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("library: report overdue: %w", err)
		}
		defer func() { _ = overdueRows.Close() }()
		for overdueRows.Next() {
			var o OverdueLoan
			if err := overdueRows.Scan(&o.ItemID, &o.Title, &o.Username, &o.DueAt); err != nil {
				return nil, fmt.Errorf("library: scan overdue row: %w", err)
			}
			r.Overdue = append(r.Overdue, o)
		}
		if err := overdueRows.Err(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ExportCatalogue dumps every item for v1:catalog.export.
func (s *Store) ExportCatalogue(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items i ORDER BY i.id`)
	if err != nil {
		return nil, fmt.Errorf("library: export: %w", err)
	}
	return scanItems(rows)
}
