package archive

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

func newTestArchive(t *testing.T) (*Archive, *clock.VirtualClock) {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	a, err := Open(ctx, ":memory:", WithClock(vc))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a, vc
}

func newCollection(t *testing.T, a *Archive) int64 {
	t.Helper()
	c, err := a.CreateCollection(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	return c.ID
}

func record(t *testing.T, a *Archive, coll int64, url, method string, status int, body string) int64 {
	t.Helper()
	id, err := a.InsertRecording(ctx, coll, url, method, http.Header{"Accept": {"*/*"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != 0 {
		if err := a.FinalizeRecording(ctx, id, status, http.Header{"Content-Type": {"text/html"}}, []byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

func strPtr(s string) *string { return &s }

func TestOpen_AppliesAllMigrations(t *testing.T) {
	a, _ := newTestArchive(t)

	applied := a.Migrations().Applied()
	if len(applied) != len(KnownMigrations) {
		t.Fatalf("applied %d migrations, want %d", len(applied), len(KnownMigrations))
	}
	for i, m := range applied {
		if m.ID != KnownMigrations[i].ID || m.Name != KnownMigrations[i].Name {
			t.Errorf("applied[%d] = %+v, want %d:%s", i, m, KnownMigrations[i].ID, KnownMigrations[i].Name)
		}
	}
	if a.Migrations().NeedsMigrations() {
		t.Error("NeedsMigrations() = true after Open")
	}
	if a.ReadOnly() {
		t.Error("fresh archive should be writable")
	}
}

func TestOpen_CompatibleStoreIsMigrated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")

	old, err := Open(ctx, path, WithMigrations(KnownMigrations[:1]))
	if err != nil {
		t.Fatal(err)
	}
	old.Close()

	behind, err := Open(ctx, path, WithoutMigrate())
	if !errors.Is(err, ErrNeedsMigration) {
		t.Fatalf("Open(WithoutMigrate) error = %v, want ErrNeedsMigration", err)
	}
	if got := len(behind.Migrations().Pending()); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
	behind.Close()

	a, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if got := len(a.Migrations().Applied()); got != 2 {
		t.Errorf("applied = %d, want 2", got)
	}
}

func TestOpen_IncompatibleStoreIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")

	renamed := []Migration{
		KnownMigrations[0],
		{ID: 2, Name: "renamed", SQL: KnownMigrations[1].SQL},
	}
	other, err := Open(ctx, path, WithMigrations(renamed))
	if err != nil {
		t.Fatal(err)
	}
	other.Close()

	a, err := Open(ctx, path)
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("Open() error = %v, want ErrIncompatible", err)
	}
	defer a.Close()

	if !a.ReadOnly() {
		t.Error("incompatible archive should be read-only")
	}
	if a.Migrations().Compatible() {
		t.Error("Compatible() = true")
	}
	if len(a.Migrations().Pending()) != 0 {
		t.Error("incompatible store must not report pending migrations")
	}
	if err := a.Migrations().Migrate(ctx); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Migrate() error = %v, want ErrIncompatible", err)
	}
	if _, err := a.CreateCollection(ctx, "x"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("CreateCollection() error = %v, want ErrReadOnly", err)
	}
	// The connection itself refuses writes too.
	if _, err := a.db.ExecContext(ctx, `INSERT INTO collections ( name, created_at, updated_at ) VALUES ( 'x', 0, 0 )`); err == nil {
		t.Error("raw insert on a query-only store succeeded")
	}
	// Reads still work.
	if _, err := a.Collections(ctx); err != nil {
		t.Errorf("Collections() error = %v", err)
	}
}

func TestOpen_LongerHistoryIsIncompatible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	newer := append(append([]Migration{}, KnownMigrations...), Migration{ID: 3, Name: "future", SQL: `CREATE TABLE future ( id INTEGER )`})

	n, err := Open(ctx, path, WithMigrations(newer))
	if err != nil {
		t.Fatal(err)
	}
	n.Close()

	a, err := Open(ctx, path)
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("Open() error = %v, want ErrIncompatible", err)
	}
	a.Close()
}

func TestRecording_FinalizeOnce(t *testing.T) {
	a, vc := newTestArchive(t)
	coll := newCollection(t, a)

	id, err := a.InsertRecording(ctx, coll, "https://x/", "POST", http.Header{"X-Test": {"1"}}, []byte("form=1"))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := a.Recording(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.StatusCode != nil {
		t.Error("StatusCode should be nil before finalize")
	}
	if string(rec.RequestBody) != "form=1" || rec.RequestHeader.Get("X-Test") != "1" {
		t.Errorf("request half = %q %v", rec.RequestBody, rec.RequestHeader)
	}

	vc.Advance(time.Second)
	if err := a.FinalizeRecording(ctx, id, 201, http.Header{"Location": {"/a"}}, []byte("ok")); err != nil {
		t.Fatal(err)
	}
	if err := a.FinalizeRecording(ctx, id, 500, nil, nil); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("second FinalizeRecording() error = %v, want ErrAlreadyFinalized", err)
	}

	rec, err = a.Recording(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.StatusCode == nil || *rec.StatusCode != 201 {
		t.Errorf("StatusCode = %v, want 201", rec.StatusCode)
	}
	if rec.ResponseHeader.Get("Location") != "/a" || string(rec.ResponseBody) != "ok" {
		t.Errorf("response half = %v %q", rec.ResponseHeader, rec.ResponseBody)
	}
	if !rec.UpdatedAt.Equal(epoch.Add(time.Second)) {
		t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, epoch.Add(time.Second))
	}
}

func TestRecording_DeleteAndMissing(t *testing.T) {
	a, _ := newTestArchive(t)
	coll := newCollection(t, a)
	id := record(t, a, coll, "https://x/", "GET", 0, "")

	if err := a.DeleteRecording(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Recording(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Recording() after delete error = %v, want ErrNotFound", err)
	}
	if err := a.FinalizeRecording(ctx, id, 200, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinalizeRecording() on deleted row error = %v, want ErrNotFound", err)
	}
}

func TestFindReplay_NewestCompletedNon304(t *testing.T) {
	a, _ := newTestArchive(t)
	coll := newCollection(t, a)

	record(t, a, coll, "https://x/a", "GET", 200, "first")
	record(t, a, coll, "https://x/a", "GET", 200, "second")
	record(t, a, coll, "https://x/a", "GET", 304, "")
	record(t, a, coll, "https://x/a", "GET", 0, "") // in flight
	record(t, a, coll, "https://x/a", "POST", 200, "post")

	rec, err := a.FindReplay(ctx, "https://x/a", "GET")
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.ResponseBody) != "second" {
		t.Errorf("body = %q, want second", rec.ResponseBody)
	}

	rec, err = a.FindReplay(ctx, "https://x/a", "POST")
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.ResponseBody) != "post" {
		t.Errorf("POST body = %q, want post", rec.ResponseBody)
	}

	if _, err := a.FindReplay(ctx, "https://x/missing", "GET"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing error = %v, want ErrNotFound", err)
	}
}

func TestFindReplay_SubstitutePage(t *testing.T) {
	a, _ := newTestArchive(t)
	coll := newCollection(t, a)

	record(t, a, coll, "/root", "GET", 200, "root document")
	if _, err := a.UpsertPage(ctx, PageUpsert{CollectionID: coll, URL: "/root"}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.UpsertPage(ctx, PageUpsert{CollectionID: coll, URL: "/a", OriginalURL: strPtr("/root")}); err != nil {
		t.Fatal(err)
	}

	rec, err := a.FindReplay(ctx, "/a", "GET")
	if err != nil {
		t.Fatal(err)
	}
	if rec.URL != "/root" || string(rec.ResponseBody) != "root document" {
		t.Errorf("FindReplay(/a) = %s %q, want the /root recording", rec.URL, rec.ResponseBody)
	}

	// Only GET falls back.
	if _, err := a.FindReplay(ctx, "/a", "POST"); !errors.Is(err, ErrNotFound) {
		t.Errorf("POST fallback error = %v, want ErrNotFound", err)
	}
}

// The fallback ignores resource type: anything sharing a tracked page's URL
// gets the root document.
func TestFindReplay_SubstituteIgnoresResourceType(t *testing.T) {
	a, _ := newTestArchive(t)
	coll := newCollection(t, a)

	record(t, a, coll, "https://x/", "GET", 200, "<html>")
	if _, err := a.UpsertPage(ctx, PageUpsert{CollectionID: coll, URL: "https://x/logo.png", OriginalURL: strPtr("https://x/")}); err != nil {
		t.Fatal(err)
	}
	rec, err := a.FindReplay(ctx, "https://x/logo.png", "GET")
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.ResponseBody) != "<html>" {
		t.Errorf("body = %q, want the document", rec.ResponseBody)
	}
}

func TestFindReplay_TopLevelPageHasNoFallback(t *testing.T) {
	a, _ := newTestArchive(t)
	coll := newCollection(t, a)
	if _, err := a.UpsertPage(ctx, PageUpsert{CollectionID: coll, URL: "/b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.FindReplay(ctx, "/b", "GET"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestUpsertPage_Patches(t *testing.T) {
	a, vc := newTestArchive(t)
	coll := newCollection(t, a)

	id1, err := a.UpsertPage(ctx, PageUpsert{CollectionID: coll, URL: "/p", Title: strPtr("First"), OriginalURL: strPtr("/")})
	if err != nil {
		t.Fatal(err)
	}
	vc.Advance(time.Minute)
	id2, err := a.UpsertPage(ctx, PageUpsert{CollectionID: coll, URL: "/p"})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("upsert created a second row: %d != %d", id1, id2)
	}

	p, err := a.Page(ctx, "/p")
	if err != nil {
		t.Fatal(err)
	}
	if p.Title != "First" {
		t.Errorf("Title = %q, want First (nil title must not clear it)", p.Title)
	}
	if p.OriginalURL != nil {
		t.Errorf("OriginalURL = %q, want nil after a top-level navigation", *p.OriginalURL)
	}
	if !p.UpdatedAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v", p.UpdatedAt)
	}

	if err := a.SetPageTitle(ctx, "/p", "Second"); err != nil {
		t.Fatal(err)
	}
	p, _ = a.Page(ctx, "/p")
	if p.Title != "Second" {
		t.Errorf("Title = %q, want Second", p.Title)
	}
	if err := a.SetPageTitle(ctx, "/nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPageTitle(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := a.Page(ctx, "/nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Page(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPagesAndCollections(t *testing.T) {
	a, _ := newTestArchive(t)
	c1 := newCollection(t, a)
	c2 := newCollection(t, a)

	for _, u := range []string{"/1", "/2"} {
		if _, err := a.UpsertPage(ctx, PageUpsert{CollectionID: c1, URL: u}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := a.UpsertPage(ctx, PageUpsert{CollectionID: c2, URL: "/3"}); err != nil {
		t.Fatal(err)
	}

	all, err := a.Pages(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("Pages(0) = %d, want 3", len(all))
	}
	some, err := a.Pages(ctx, c1)
	if err != nil {
		t.Fatal(err)
	}
	if len(some) != 2 {
		t.Errorf("Pages(c1) = %d, want 2", len(some))
	}

	colls, err := a.Collections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(colls) != 2 || colls[0].ID != c2 {
		t.Errorf("Collections() = %+v, want newest first", colls)
	}
}

func TestSearch(t *testing.T) {
	a, _ := newTestArchive(t)
	coll := newCollection(t, a)

	pages := map[string]string{
		"/gophers": "the gopher is a burrowing rodent and the gopher mascot of go",
		"/rust":    "a crab called ferris",
		"/mixed":   "one gopher mention among many other words about crabs",
	}
	for url, text := range pages {
		if _, err := a.UpsertPage(ctx, PageUpsert{CollectionID: coll, URL: url, Title: strPtr(strings.TrimPrefix(url, "/"))}); err != nil {
			t.Fatal(err)
		}
		if err := a.SetPageFullText(ctx, url, text); err != nil {
			t.Fatal(err)
		}
	}

	results, err := a.Search(ctx, "gopher", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("Search(gopher) = %d results, want 2", len(results))
	}
	if results[0].URL != "/gophers" {
		t.Errorf("best match = %s, want /gophers", results[0].URL)
	}
	if results[0].Score > results[1].Score {
		t.Errorf("results not ordered by score: %v > %v", results[0].Score, results[1].Score)
	}
	if !strings.Contains(results[0].Snippet, SnippetStart+"gopher"+SnippetEnd) {
		t.Errorf("Snippet = %q, want marked term", results[0].Snippet)
	}
	if results[0].Title != "gophers" {
		t.Errorf("Title = %q", results[0].Title)
	}

	// Updating the text reindexes the page.
	if err := a.SetPageFullText(ctx, "/rust", "now about a gopher too"); err != nil {
		t.Fatal(err)
	}
	results, err = a.Search(ctx, "ferris", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("stale index entry: %+v", results)
	}

	// Punctuation in user input must not break the query.
	if _, err := a.Search(ctx, `gopher" OR crab`, 10); err != nil {
		t.Errorf("Search() with punctuation error = %v", err)
	}
	if results, _ := a.Search(ctx, "   ", 10); results != nil {
		t.Errorf("empty query returned %v", results)
	}
}

func TestMatchExpression(t *testing.T) {
	if got, want := matchExpression(`foo "bar"`), `"foo" """bar"""`; got != want {
		t.Errorf("matchExpression() = %s, want %s", got, want)
	}
}
