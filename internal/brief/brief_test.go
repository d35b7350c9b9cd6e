package brief

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/closerlabs/cadence/pkg/coach"
)

const briefYAML = `
briefs:
  - account: acme
    summary: "Renewal plus expansion into the EU entity."
    meddic:
      economic_buyer:
        complete: true
        note: "CFO signs above 50k"
      pain:
        note: "reporting is manual, suspected but unconfirmed"
    anticipated_objections:
      - "EU data residency"
      - "last year's outage"
  - account: globex
    summary: "Net-new, inbound from the webinar."
`

func writeBriefFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "briefs.yaml")
	if err := os.WriteFile(path, []byte(briefYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileStore_Get(t *testing.T) {
	fs, err := NewFileStore(writeBriefFile(t))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	b, err := fs.Get(context.Background(), "ACME")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b == nil {
		t.Fatal("brief not found (lookup should be case-insensitive)")
	}
	if !b.Meddic[coach.MeddicEconomicBuyer].Complete {
		t.Error("economic_buyer not complete")
	}
	if len(b.AnticipatedObjections) != 2 {
		t.Errorf("objections = %d, want 2", len(b.AnticipatedObjections))
	}

	missing, err := fs.Get(context.Background(), "initech")
	if err != nil || missing != nil {
		t.Errorf("unknown account: got (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestFileStore_InvalidField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	bad := "briefs:\n  - account: acme\n    meddic:\n      mood: {complete: true}\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Error("expected error for invalid meddic field")
	}
}

func TestBrief_SeedFields(t *testing.T) {
	fs, err := NewFileStore(writeBriefFile(t))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := fs.Get(context.Background(), "acme")

	seed := b.SeedFields()
	if !seed[coach.MeddicEconomicBuyer].Complete {
		t.Error("seed lost completion flag")
	}
	if seed[coach.MeddicPain].Complete {
		t.Error("incomplete field seeded as complete")
	}
	if seed[coach.MeddicPain].Note == "" {
		t.Error("seed lost note")
	}
}

func TestBrief_Render(t *testing.T) {
	b := &Brief{
		Account:               "acme",
		Summary:               "Renewal conversation.",
		AnticipatedObjections: []string{"data residency"},
	}

	out := b.Render()
	for _, want := range []string{"Account: acme", "Renewal conversation.", "- data residency"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered brief missing %q:\n%s", want, out)
		}
	}
}

// --- Postgres store with a hand-rolled DB double ---

type mockRow struct {
	scan func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scan(dest...) }

type mockDB struct {
	queryRowSQL  string
	queryRowArgs []any
	row          *mockRow
	execSQL      []string
}

func (db *mockDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.queryRowSQL = sql
	db.queryRowArgs = args
	return db.row
}

func (db *mockDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.execSQL = append(db.execSQL, sql)
	return pgconn.CommandTag{}, nil
}

func TestPostgresStore_Get(t *testing.T) {
	db := &mockDB{row: &mockRow{scan: func(dest ...any) error {
		*dest[0].(*string) = "acme"
		*dest[1].(*string) = "summary text"
		*dest[2].(*[]byte) = []byte(`{"pain": {"complete": true, "note": "confirmed"}}`)
		*dest[3].(*[]byte) = []byte(`["budget freeze"]`)
		return nil
	}}}

	b, err := NewPostgresStore(db).Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !b.Meddic[coach.MeddicPain].Complete {
		t.Error("meddic JSONB not decoded")
	}
	if len(b.AnticipatedObjections) != 1 {
		t.Errorf("objections = %v", b.AnticipatedObjections)
	}
	if len(db.queryRowArgs) != 1 || db.queryRowArgs[0] != "acme" {
		t.Errorf("query args = %v", db.queryRowArgs)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db := &mockDB{row: &mockRow{scan: func(...any) error { return pgx.ErrNoRows }}}

	b, err := NewPostgresStore(db).Get(context.Background(), "nobody")
	if err != nil || b != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", b, err)
	}
}

func TestPostgresStore_UpsertValidates(t *testing.T) {
	db := &mockDB{}
	s := NewPostgresStore(db)

	if err := s.Upsert(context.Background(), &Brief{}); err == nil {
		t.Error("expected error for missing account")
	}
	if err := s.Upsert(context.Background(), &Brief{
		Account: "acme",
		Meddic:  map[coach.MeddicField]Field{"mood": {}},
	}); err == nil {
		t.Error("expected error for invalid meddic field")
	}
	if err := s.Upsert(context.Background(), &Brief{Account: "acme"}); err != nil {
		t.Errorf("valid upsert failed: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "ON CONFLICT") {
		t.Errorf("exec calls = %v", db.execSQL)
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	db := &mockDB{}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "CREATE TABLE IF NOT EXISTS call_briefs") {
		t.Errorf("exec calls = %v", db.execSQL)
	}
}
