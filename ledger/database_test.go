package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func tempDB(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := NewDatabase(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := tempDB(t)

	start := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	if err := db.StartRun(Run{ID: "run-1", LibCode: "wx_acacl", Kind: KindReload, StartedAt: start}); err != nil {
		t.Fatalf("start: %v", err)
	}

	r, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != StatusRunning {
		t.Errorf("status = %q, want %q", r.Status, StatusRunning)
	}
	if !r.FinishedAt.IsZero() {
		t.Errorf("finished_at set on running run: %v", r.FinishedAt)
	}

	err = db.FinishRun("run-1", Outcome{
		Symbol:     "ACL",
		SourceFile: "ACL.Circulation_Patron_Report_Full.20260301.txt",
		OutputFile: "patrons/reloads/ACLpatronreload_030926.txt",
		RowsIn:     120,
		RowsOut:    100,
		Skipped:    20,
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	r, err = db.GetRun("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != StatusSucceeded || r.Symbol != "ACL" || r.RowsOut != 100 || r.Skipped != 20 {
		t.Errorf("unexpected run after finish: %+v", r)
	}
	if r.FinishedAt.IsZero() {
		t.Error("finished_at not set")
	}
}

func TestFinishRunFailure(t *testing.T) {
	db := tempDB(t)
	if err := db.StartRun(Run{ID: "run-2", LibCode: "wx_kqy", Symbol: "KQY", Kind: KindDelete}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := db.FinishRun("run-2", Outcome{Err: errors.New("boom")}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	r, err := db.GetRun("run-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != StatusFailed || r.Error != "boom" {
		t.Errorf("status/error = %q/%q", r.Status, r.Error)
	}
	if r.Symbol != "KQY" {
		t.Errorf("symbol overwritten by empty outcome: %q", r.Symbol)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	db := tempDB(t)
	err := db.FinishRun("nope", Outcome{})
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("want ErrRunNotFound, got %v", err)
	}
	if _, err := db.GetRun("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("GetRun: want ErrRunNotFound, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	db := tempDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	runs := []Run{
		{ID: "a", LibCode: "wx_acl", Kind: KindReload, StartedAt: base},
		{ID: "b", LibCode: "wx_kqy", Kind: KindDelete, StartedAt: base.Add(time.Hour)},
		{ID: "c", LibCode: "wx_acl", Kind: KindReload, StartedAt: base.Add(2 * time.Hour)},
	}
	for _, r := range runs {
		if err := db.StartRun(r); err != nil {
			t.Fatalf("start %s: %v", r.ID, err)
		}
	}

	all, err := db.ListRuns("", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("unexpected order: %v", ids(all))
	}

	acl, err := db.ListRuns("wx_acl", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(acl) != 1 || acl[0].ID != "c" {
		t.Fatalf("filtered list = %v, want [c]", ids(acl))
	}
}

func TestSkippedPatrons(t *testing.T) {
	db := tempDB(t)
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := db.StartRun(Run{ID: "r1", LibCode: "wx_acl", Kind: KindReload, StartedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := db.StartRun(Run{ID: "r2", LibCode: "wx_acl", Kind: KindReload, StartedAt: old.AddDate(0, 0, 7)}); err != nil {
		t.Fatal(err)
	}

	err := db.RecordSkipped("r1", []SkippedPatron{
		{Barcode: "B1", Email: "x@school.edu", Reason: "Shared/duplicate email (used by 2 patrons)"},
		{Barcode: "B2", Reason: "No valid email domain found"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := db.RecordSkipped("r2", []SkippedPatron{{Barcode: "B1", Reason: "Expired: 2026-01-03 00:00:00"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := db.RecordSkipped("r2", nil); err != nil {
		t.Fatalf("record empty: %v", err)
	}

	got, err := db.SkippedForRun("r1")
	if err != nil {
		t.Fatalf("skipped for run: %v", err)
	}
	if len(got) != 2 || got[0].Barcode != "B1" || got[1].Barcode != "B2" {
		t.Fatalf("unexpected skipped rows: %+v", got)
	}

	hist, err := db.SkipHistory(" B1 ")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].RunID != "r2" || hist[1].RunID != "r1" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	empty, err := db.SkipHistory("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty barcode history = %v, %v", empty, err)
	}
}

func TestDownloads(t *testing.T) {
	db := tempDB(t)
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i, cached := range []bool{false, true} {
		err := db.RecordDownload(Download{
			RemotePath: "/xfer/wms/reports/ACL.Circulation_Patron_Report_Full.20260201.txt",
			LocalPath:  "patrons/downloads/ACL.Circulation_Patron_Report_Full.20260201.txt",
			SizeBytes:  4096,
			Cached:     cached,
			At:         at.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record download: %v", err)
		}
	}

	got, err := db.RecentDownloads(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 downloads, got %d", len(got))
	}
	if !got[0].Cached || got[1].Cached {
		t.Errorf("want newest (cached) first: %+v", got)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := NewDatabase(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.StartRun(Run{ID: "keep", LibCode: "wx_acl", Kind: KindFetch}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = NewDatabase(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if _, err := db.GetRun("keep"); err != nil {
		t.Fatalf("run lost after reopen: %v", err)
	}
}

func ids(runs []*Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
