package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrAlreadyFinalized is returned when response fields are written twice.
var ErrAlreadyFinalized = errors.New("recording already finalized")

// Recording is a captured request and, once finalized, its response.
type Recording struct {
	ID             int64
	CollectionID   int64
	URL            string
	Method         string
	RequestHeader  http.Header
	RequestBody    []byte
	StatusCode     *int
	ResponseHeader http.Header
	ResponseBody   []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InsertRecording stores the request half of a capture and returns its id.
func (a *Archive) InsertRecording(ctx context.Context, collectionID int64, url, method string, header http.Header, body []byte) (int64, error) {
	if err := a.writable(); err != nil {
		return 0, err
	}
	headerJSON, err := encodeHeader(header)
	if err != nil {
		return 0, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := a.now()
	res, err := tx.ExecContext(ctx, `
INSERT INTO recordings ( collection_id, url, method, request_headers, request_body, created_at, updated_at )
VALUES ( ?, ?, ?, ?, ?, ?, ? )`, collectionID, url, method, headerJSON, body, now, now)
	if err != nil {
		return 0, fmt.Errorf("inserting recording: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE collections SET updated_at = ? WHERE id = ?`, now, collectionID); err != nil {
		return 0, fmt.Errorf("touching collection: %w", err)
	}
	return id, tx.Commit()
}

// FinalizeRecording fills in the response half. It fails with
// ErrAlreadyFinalized if the response was already written and ErrNotFound
// if the recording does not exist.
func (a *Archive) FinalizeRecording(ctx context.Context, id int64, statusCode int, header http.Header, body []byte) error {
	if err := a.writable(); err != nil {
		return err
	}
	headerJSON, err := encodeHeader(header)
	if err != nil {
		return err
	}

	res, err := a.db.ExecContext(ctx, `
UPDATE recordings
SET status_code = ?, response_headers = ?, response_body = ?, updated_at = ?
WHERE id = ? AND status_code IS NULL`, statusCode, headerJSON, body, a.now(), id)
	if err != nil {
		return fmt.Errorf("finalizing recording %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := a.Recording(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyFinalized
	}
	return nil
}

// DeleteRecording removes a recording.
func (a *Archive) DeleteRecording(ctx context.Context, id int64) error {
	if err := a.writable(); err != nil {
		return err
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting recording %d: %w", id, err)
	}
	return nil
}

const recordingColumns = `id, collection_id, url, method, request_headers, request_body,
status_code, response_headers, response_body, created_at, updated_at`

// Recording loads a recording by id.
func (a *Archive) Recording(ctx context.Context, id int64) (*Recording, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	return scanRecording(row)
}

// FindReplay returns the recording that should answer a replayed request.
//
// The newest completed recording for (url, method) wins; 304 responses are
// skipped since they carry no body. For GET requests with no recording of
// their own, a page reached by in-page navigation is answered with the
// recording of the document it was navigated from. That substitute is used
// whatever the resource type, so a non-document URL that collides with such
// a page also gets the document.
func (a *Archive) FindReplay(ctx context.Context, url, method string) (*Recording, error) {
	rec, err := a.findRecording(ctx, url, method)
	if !errors.Is(err, ErrNotFound) || method != http.MethodGet {
		return rec, err
	}

	var original sql.NullString
	err = a.db.QueryRowContext(ctx, `SELECT original_url FROM pages WHERE url = ?`, url).Scan(&original)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !original.Valid) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up page %s: %w", url, err)
	}
	return a.findRecording(ctx, original.String, method)
}

func (a *Archive) findRecording(ctx context.Context, url, method string) (*Recording, error) {
	row := a.db.QueryRowContext(ctx, `
SELECT `+recordingColumns+`
FROM recordings
WHERE url = ?
AND method = ?
AND status_code IS NOT NULL
AND status_code != 304
ORDER BY id DESC
LIMIT 1`, url, method)
	return scanRecording(row)
}

func scanRecording(row *sql.Row) (*Recording, error) {
	var (
		r                Recording
		reqHeader        string
		status           sql.NullInt64
		respHeader       sql.NullString
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.CollectionID, &r.URL, &r.Method, &reqHeader, &r.RequestBody,
		&status, &respHeader, &r.ResponseBody, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recording: %w", err)
	}

	if r.RequestHeader, err = decodeHeader(reqHeader); err != nil {
		return nil, err
	}
	if status.Valid {
		code := int(status.Int64)
		r.StatusCode = &code
	}
	if respHeader.Valid {
		if r.ResponseHeader, err = decodeHeader(respHeader.String); err != nil {
			return nil, err
		}
	}
	r.CreatedAt, r.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &r, nil
}

func encodeHeader(h http.Header) (string, error) {
	if h == nil {
		h = http.Header{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encoding headers: %w", err)
	}
	return string(b), nil
}

func decodeHeader(s string) (http.Header, error) {
	h := http.Header{}
	if s == "" {
		return h, nil
	}
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, fmt.Errorf("decoding headers: %w", err)
	}
	return h, nil
}
