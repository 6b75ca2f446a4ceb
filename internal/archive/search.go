package archive

import (
	"context"
	"fmt"
	"strings"
)

// Snippet markers around matched terms and elided spans.
const (
	SnippetStart    = "<b>"
	SnippetEnd      = "</b>"
	SnippetEllipsis = "..."
)

// SearchResult is one full-text match. Lower scores are better matches.
type SearchResult struct {
	PageID  int64   `json:"pageId"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Search runs a free-text query against page bodies and returns the best
// limit matches, best first.
func (a *Archive) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	match := matchExpression(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := a.db.QueryContext(ctx, `
SELECT pages.id, pages.url, pages.title, bm25(page_search) AS score,
  snippet(page_search, 0, ?, ?, ?, 16) AS snippet
FROM page_search
JOIN pages ON pages.id = page_search.rowid
WHERE page_search MATCH ?
ORDER BY score ASC
LIMIT ?`, SnippetStart, SnippetEnd, SnippetEllipsis, match, limit)
	if err != nil {
		return nil, fmt.Errorf("searching pages: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.PageID, &r.URL, &r.Title, &r.Score, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// matchExpression turns free text into an FTS5 query: every word becomes a
// quoted term and all terms must match.
func matchExpression(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " ")
}
