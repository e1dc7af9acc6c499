package audit

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "deployments.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	log, err := NewLog(db)
	if err != nil {
		t.Fatalf("NewLog returned error: %v", err)
	}
	return log
}

func TestAppendAndHistory(t *testing.T) {
	log := newTestLog(t)

	if _, err := log.Append("blog", "aaa", "1.0", OutcomeAccepted, ""); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if _, err := log.Append("blog", "bbb", "2.0", OutcomeRejected, "hash mismatch"); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append("wiki", "ccc", "1.0", OutcomeAccepted, ""); err != nil {
		t.Fatal(err)
	}

	records, err := log.History("blog", 0)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	for _, rec := range records {
		if rec.Application != "blog" {
			t.Errorf("record for %q leaked into blog history", rec.Application)
		}
		if rec.ID == "" {
			t.Error("record has empty ID")
		}
	}
	// Rejected records carry their reason.
	var sawRejection bool
	for _, rec := range records {
		if rec.Outcome == string(OutcomeRejected) && rec.Detail == "hash mismatch" {
			sawRejection = true
		}
	}
	if !sawRejection {
		t.Error("rejected record missing its detail")
	}
}

func TestHistoryEmptyApplication(t *testing.T) {
	log := newTestLog(t)
	records, err := log.History("ghost", 10)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
}

func TestLatestSkipsRejections(t *testing.T) {
	log := newTestLog(t)

	if _, err := log.Append("blog", "aaa", "1.0", OutcomeAccepted, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append("blog", "bbb", "2.0", OutcomeAccepted, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append("blog", "ccc", "3.0", OutcomeRejected, "corrupt archive"); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append("wiki", "ddd", "1.0", OutcomeAccepted, ""); err != nil {
		t.Fatal(err)
	}

	latest, err := log.Latest()
	if err != nil {
		t.Fatalf("Latest returned error: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("len(latest) = %d, want 2", len(latest))
	}
	if latest[0].Application != "blog" || latest[0].Hash != "bbb" {
		t.Errorf("blog latest = %s/%s, want bbb", latest[0].Application, latest[0].Hash)
	}
	if latest[1].Application != "wiki" || latest[1].Hash != "ddd" {
		t.Errorf("wiki latest = %s/%s, want ddd", latest[1].Application, latest[1].Hash)
	}
}

func TestHistoryHonorsLimit(t *testing.T) {
	log := newTestLog(t)
	for i := 0; i < 5; i++ {
		if _, err := log.Append("blog", "hash", "1.0", OutcomeAccepted, ""); err != nil {
			t.Fatal(err)
		}
	}
	records, err := log.History("blog", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Errorf("len(records) = %d, want 3", len(records))
	}
}
