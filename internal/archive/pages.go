package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Page is a document visited while recording.
type Page struct {
	ID           int64     `json:"id"`
	CollectionID int64     `json:"collectionId"`
	URL          string    `json:"url"`
	OriginalURL  *string   `json:"originalUrl"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PageUpsert describes a navigation. OriginalURL is nil for a full
// top-level navigation and set to the root document's URL when url was
// reached by in-page navigation. A nil Title leaves the stored title alone.
type PageUpsert struct {
	CollectionID int64
	URL          string
	OriginalURL  *string
	Title        *string
}

// UpsertPage inserts the page for p.URL or patches the existing one, and
// returns its id.
func (a *Archive) UpsertPage(ctx context.Context, p PageUpsert) (int64, error) {
	if err := a.writable(); err != nil {
		return 0, err
	}
	now := a.now()
	var id int64
	err := a.db.QueryRowContext(ctx, `
INSERT INTO pages ( collection_id, url, original_url, title, created_at, updated_at )
VALUES ( ?, ?, ?, COALESCE(?, ''), ?, ? )
ON CONFLICT ( url ) DO UPDATE SET
  original_url = excluded.original_url,
  title = COALESCE(?, pages.title),
  updated_at = excluded.updated_at
RETURNING id`, p.CollectionID, p.URL, nullable(p.OriginalURL), nullable(p.Title), now, now, nullable(p.Title)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting page %s: %w", p.URL, err)
	}
	return id, nil
}

// SetPageTitle updates only the title of the page at url.
func (a *Archive) SetPageTitle(ctx context.Context, url, title string) error {
	return a.updatePage(ctx, `UPDATE pages SET title = ?, updated_at = ? WHERE url = ?`, url, title)
}

// SetPageFullText updates only the indexed body text of the page at url.
func (a *Archive) SetPageFullText(ctx context.Context, url, text string) error {
	return a.updatePage(ctx, `UPDATE pages SET full_text = ?, updated_at = ? WHERE url = ?`, url, text)
}

func (a *Archive) updatePage(ctx context.Context, query, url, value string) error {
	if err := a.writable(); err != nil {
		return err
	}
	res, err := a.db.ExecContext(ctx, query, value, a.now(), url)
	if err != nil {
		return fmt.Errorf("updating page %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const pageColumns = `id, collection_id, url, original_url, title, created_at, updated_at`

// Page loads the page stored for url.
func (a *Archive) Page(ctx context.Context, url string) (*Page, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE url = ?`, url)
	p, err := scanPage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Pages lists pages, most recently updated first. A collectionID of 0
// lists every collection.
func (a *Archive) Pages(ctx context.Context, collectionID int64) ([]Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages`
	var args []any
	if collectionID != 0 {
		query += ` WHERE collection_id = ?`
		args = append(args, collectionID)
	}
	query += ` ORDER BY updated_at DESC, id DESC`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pages: %w", err)
	}
	defer rows.Close()

	var out []Page
	for rows.Next() {
		p, err := scanPage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func scanPage(scan func(dest ...any) error) (*Page, error) {
	var (
		p                Page
		original         sql.NullString
		created, updated int64
	)
	if err := scan(&p.ID, &p.CollectionID, &p.URL, &original, &p.Title, &created, &updated); err != nil {
		return nil, err
	}
	if original.Valid {
		s := original.String
		p.OriginalURL = &s
	}
	p.CreatedAt, p.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &p, nil
}
