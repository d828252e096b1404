package patron

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"patron-tools/config"
	"patron-tools/console"
	"patron-tools/ledger"
	"patron-tools/logging"
)

// dirSession serves a local directory tree as the vendor server.
type dirSession struct {
	root    string
	uploads []string
}

func (s *dirSession) abs(p string) string { return filepath.Join(s.root, filepath.FromSlash(p)) }

func (s *dirSession) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(s.abs(dir))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *dirSession) Download(remoteDir, name, localDir string) (string, error) {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", err
	}
	local := filepath.Join(localDir, name)
	return local, copyFile(s.abs(remoteDir+"/"+name), local)
}

func (s *dirSession) Upload(localPath, remoteDir string) (string, error) {
	remote := strings.TrimRight(remoteDir, "/") + "/" + filepath.Base(localPath)
	if err := os.MkdirAll(s.abs(remoteDir), 0o755); err != nil {
		return "", err
	}
	s.uploads = append(s.uploads, remote)
	return remote, copyFile(localPath, s.abs(remote))
}

func (s *dirSession) Close() error { return nil }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type fixture struct {
	mgr     *Manager
	remote  *dirSession
	db      *ledger.Database
	work    string
	headers string
	deletes string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	work := t.TempDir()
	cfg, err := config.Load(config.MapLookup(map[string]string{
		"ACL_INSTITUTION_ID": "12345",
		"EXPIRATION_DATE":    "2027-06-30",
	}))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	db, err := ledger.NewDatabase(filepath.Join(work, "ledger.db"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	remote := &dirSession{root: filepath.Join(work, "remote")}
	connect := func(ctx context.Context, libCode string) (Session, error) { return remote, nil }

	mgr := NewManager(cfg, connect, db, logging.Discard())
	mgr.SetClock(fixedNow)
	mgr.SetConfirm(func(console.Summary) (bool, error) {
		t.Fatal("unexpected confirmation prompt")
		return false, nil
	})

	return &fixture{
		mgr:     mgr,
		remote:  remote,
		db:      db,
		work:    work,
		headers: writeFile(t, work, "headers_formattedpatron.txt", reloadHeaderLine+"\n"),
		deletes: writeFile(t, work, "headers_deletes.txt", "institutionId\tbarcode\tsourceSystem\tidAtSource\tillId\n"),
	}
}

func (f *fixture) putRemote(t *testing.T, dir, name, content string) {
	t.Helper()
	writeFile(t, f.remote.abs(dir), name, content)
}

func (f *fixture) reloadRequest() ReloadRequest {
	return ReloadRequest{
		LibCode:     "wx_acl",
		RemoteDir:   ReportsRemoteDir,
		OutputDir:   filepath.Join(f.work, "patrons"),
		HeadersFile: f.headers,
		ProjectRoot: f.work,
		Limits:      BarcodeLimits{SoftMaxChars: 20, HardMaxBytes: 30},
	}
}

func readOutput(t *testing.T, path string) *OutputTable {
	t.Helper()
	tbl, err := ReadTableFile(path, '\t')
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	return &OutputTable{Header: tbl.Header, Rows: tbl.Rows}
}

const scenarioSource = "Patron_Barcode|Patron_Expiration_Date|Patron_Email_Address\n" +
	"B1|2099-01-01|x@school.edu\n" +
	"B2|2000-01-01|y@school.edu\n"

func TestReloadFilterScenario(t *testing.T) {
	f := newFixture(t)
	f.putRemote(t, ReportsRemoteDir, "ACL.Circulation_Patron_Report_Full.20260301.txt", scenarioSource)
	f.putRemote(t, ReportsRemoteDir, "ACL.Circulation_Patron_Report_Full.20260201.txt", "Patron_Barcode\nOLD\n")

	req := f.reloadRequest()
	req.EmailDomains = []string{"@school.edu"}
	res, err := f.mgr.Reload(context.Background(), req)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if res.Symbol != "ACL" || res.RowsIn != 2 || res.RowsOut != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
	if filepath.Base(res.OutputFile) != "ACLpatronreload_030926.txt" {
		t.Errorf("output = %s", res.OutputFile)
	}
	out := readOutput(t, res.OutputFile)
	if len(out.Header) != ReloadColumnCount || len(out.Rows) != 1 {
		t.Fatalf("output shape %dx%d", len(out.Rows), len(out.Header))
	}
	for col, want := range map[string]string{"barcode": "B1", "institutionId": "12345", "idAtSource": "x@school.edu"} {
		if got := cell(t, out, 0, col); got != want {
			t.Errorf("%s = %q, want %q", col, got, want)
		}
	}

	report := readOutput(t, res.SkipReport)
	if len(report.Rows) != 1 || report.Rows[0][0] != "B2" || report.Rows[0][4] != "Expired: 2000-01-01 00:00:00" {
		t.Errorf("skip report = %v", report.Rows)
	}

	run, err := f.db.GetRun(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != ledger.StatusSucceeded || run.Kind != ledger.KindReload || run.RowsOut != 1 {
		t.Errorf("run = %+v", run)
	}
	skipped, err := f.db.SkippedForRun(res.RunID)
	if err != nil || len(skipped) != 1 || skipped[0].Barcode != "B2" {
		t.Errorf("ledger skipped = %+v, %v", skipped, err)
	}
	if len(f.remote.uploads) != 0 {
		t.Errorf("uploaded without --upload: %v", f.remote.uploads)
	}
}

func TestReloadOverlayScenario(t *testing.T) {
	f := newFixture(t)
	f.putRemote(t, ReportsRemoteDir, "ACL.Circulation_Patron_Report_Full.20260301.txt",
		"Patron_Barcode|Patron_Given_Name\nB1|Ann\nB2|Bob\nB3|Cy\n")
	long := "B2-" + strings.Repeat("9", 18) // 21 characters
	writeFile(t, f.work, "patron_updates.txt", "patron_barcode_old\tpatron_barcode_new\n"+
		"B1\tB1X\n"+
		"B2\t"+long+"\n")

	req := f.reloadRequest()
	req.UploadTest = true
	res, err := f.mgr.Reload(context.Background(), req)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if fnd, ok := res.Preflight.Find(RuleSoftLen); !ok || fnd.Count != 1 {
		t.Errorf("soft length finding = %+v, %v", fnd, ok)
	}
	out := readOutput(t, res.OutputFile)
	if len(out.Rows) != 2 {
		t.Fatalf("rows = %d", len(out.Rows))
	}
	if got := cell(t, out, 0, "barcode"); got != "B1X" {
		t.Errorf("barcode = %q", got)
	}
	if got := cell(t, out, 1, "barcode"); got != long {
		t.Errorf("long barcode = %q", got)
	}
	if res.RemotePath != ReloadTestRemoteDir+"/ACLpatronreload_030926.txt" {
		t.Errorf("remote = %s", res.RemotePath)
	}
	if _, err := os.Stat(f.remote.abs(res.RemotePath)); err != nil {
		t.Errorf("upload missing: %v", err)
	}
}

func TestReloadFallsBackToCSV(t *testing.T) {
	f := newFixture(t)
	f.putRemote(t, ReportsRemoteDir, "ACL.Circulation_Patron_Report_Full.20260301.csv",
		"Patron_Barcode,Patron_Given_Name\nB1,Ann\n")

	req := f.reloadRequest()
	req.Pattern = `^([A-Z]{3})\.Circulation_Patron_Report_Full\.(\d{8})\.txt$`
	res, err := f.mgr.Reload(context.Background(), req)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !strings.HasSuffix(res.SourceFile, ".csv") || res.RowsOut != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestReloadOffline(t *testing.T) {
	f := newFixture(t)
	req := f.reloadRequest()
	req.Offline = true
	writeFile(t, filepath.Join(req.OutputDir, "downloads"), "ACL.Circulation_Patron_Report_Full.20260301.txt",
		"Patron_Barcode\tPatron_User_ID_At_Source\tPatron_Source_System\nB1\tid1|old\tSIS|x\n")
	req.UseSourceValue = true
	req.UseExpirationDate = true
	req.CanSelfEdit = true
	req.SourceSystem = "https://idp.school.edu"

	noRemote := NewManager(f.mgr.cfg, nil, nil, logging.Discard())
	noRemote.SetClock(fixedNow)
	res, err := noRemote.Reload(context.Background(), req)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	out := readOutput(t, res.OutputFile)
	for col, want := range map[string]string{
		"idAtSource":         "id1",
		"sourceSystem":       "https://idp.school.edu",
		"oclcExpirationDate": "2027-06-30",
		"canSelfEdit":        "true",
	} {
		if got := cell(t, out, 0, col); got != want {
			t.Errorf("%s = %q, want %q", col, got, want)
		}
	}
}

func TestReloadConfigErrorsWriteNothing(t *testing.T) {
	f := newFixture(t)
	req := f.reloadRequest()
	req.LibCode = "wx_zzz"
	res, err := f.mgr.Reload(context.Background(), req)
	if !errors.Is(err, config.ErrMissingInstitutionID) {
		t.Fatalf("want ErrMissingInstitutionID, got %v", err)
	}
	if _, statErr := os.Stat(req.OutputDir); !os.IsNotExist(statErr) {
		t.Errorf("output dir created: %v", statErr)
	}
	run, err := f.db.GetRun(res.RunID)
	if err != nil || run.Status != ledger.StatusFailed || run.Error == "" {
		t.Errorf("run = %+v, %v", run, err)
	}

	req = f.reloadRequest()
	req.HeadersFile = f.deletes
	if _, err := f.mgr.Reload(context.Background(), req); !errors.Is(err, ErrSchemaSize) {
		t.Errorf("want ErrSchemaSize, got %v", err)
	}
}

func TestReloadNoEligiblePatrons(t *testing.T) {
	f := newFixture(t)
	f.putRemote(t, ReportsRemoteDir, "ACL.Circulation_Patron_Report_Full.20260301.txt", scenarioSource)
	req := f.reloadRequest()
	req.EmailDomains = []string{"@elsewhere.org"}
	if _, err := f.mgr.Reload(context.Background(), req); !errors.Is(err, ErrNoEligiblePatrons) {
		t.Errorf("want ErrNoEligiblePatrons, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(req.OutputDir, "reloads")); !os.IsNotExist(err) {
		t.Error("reload file written for an empty roster")
	}
}

func TestReloadRejectedUpdatesLeaveNoSkipReport(t *testing.T) {
	f := newFixture(t)
	f.putRemote(t, ReportsRemoteDir, "ACL.Circulation_Patron_Report_Full.20260301.txt", scenarioSource)
	writeFile(t, f.work, "patron_updates.txt", "patron_barcode_old\tpatron_barcode_new\nB1\tB1X\nB1\tB1Y\n")

	req := f.reloadRequest()
	req.EmailDomains = []string{"@school.edu"}
	req.DuplicateKeys = RejectDuplicates
	res, err := f.mgr.Reload(context.Background(), req)
	if !errors.Is(err, ErrDuplicateUpdateKey) {
		t.Fatalf("want ErrDuplicateUpdateKey, got %v", err)
	}
	if res.SkipReport != "" {
		t.Errorf("skip report recorded: %s", res.SkipReport)
	}
	if _, err := os.Stat(filepath.Join(req.OutputDir, "reports")); !os.IsNotExist(err) {
		t.Error("skip report written for an aborted run")
	}
	skipped, err := f.db.SkippedForRun(res.RunID)
	if err != nil || len(skipped) != 0 {
		t.Errorf("ledger skipped = %+v, %v", skipped, err)
	}
	run, err := f.db.GetRun(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != ledger.StatusFailed {
		t.Errorf("status = %s", run.Status)
	}
}

func (f *fixture) deleteRequest() DeleteRequest {
	return DeleteRequest{
		LibCode:        "wx_acl",
		RemoteDir:      ReportsRemoteDir,
		OutputDir:      filepath.Join(f.work, "patrons"),
		HeadersFile:    f.deletes,
		ExpirationDate: "2026-03-09",
		Upload:         true,
	}
}

func TestDeleteCancelled(t *testing.T) {
	f := newFixture(t)
	f.putRemote(t, ReportsRemoteDir, "ACL.Circulation_Patron_Report_Full.20260301.txt", scenarioSource)
	var shown console.Summary
	f.mgr.SetConfirm(func(s console.Summary) (bool, error) {
		shown = s
		return false, nil
	})

	res, err := f.mgr.Delete(context.Background(), f.deleteRequest())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res.Cancelled || res.Expired != 1 || len(f.remote.uploads) != 0 {
		t.Errorf("result = %+v uploads=%v", res, f.remote.uploads)
	}
	if shown.Records != 1 || shown.File != "ACLpatronsdelete_030926.txt" {
		t.Errorf("summary = %+v", shown)
	}
	run, err := f.db.GetRun(res.RunID)
	if err != nil || run.Status != ledger.StatusCancelled {
		t.Errorf("run = %+v, %v", run, err)
	}

	out := readOutput(t, res.OutputFile)
	if len(out.Rows) != 1 || strings.Join(out.Rows[0], ",") != "12345,B2,,," {
		t.Errorf("delete rows = %v", out.Rows)
	}
}

func TestDeleteAssumeYesUploads(t *testing.T) {
	f := newFixture(t)
	f.putRemote(t, ReportsRemoteDir, "ACL.Circulation_Patron_Report_Full.20260301.txt", scenarioSource)
	req := f.deleteRequest()
	req.AssumeYes = true
	req.SyncIllID = true

	res, err := f.mgr.Delete(context.Background(), req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.RemotePath != DeleteRemoteDir+"/ACLpatronsdelete_030926.txt" {
		t.Errorf("remote = %s", res.RemotePath)
	}
	out := readOutput(t, f.remote.abs(res.RemotePath))
	if cell(t, out, 0, "illId") != "B2" {
		t.Errorf("illId not synced: %v", out.Rows)
	}
}

func TestDeleteInvalidCutoff(t *testing.T) {
	f := newFixture(t)
	req := f.deleteRequest()
	req.ExpirationDate = "next week"
	if _, err := f.mgr.Delete(context.Background(), req); err == nil {
		t.Error("expected error for invalid cutoff")
	}
}

func TestFetch(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{
		"ACL.Circulation_Item_Inventories.20260101.txt",
		"ACL.Circulation_Item_Inventories.20260201.txt",
		"ACL.Circulation_Item_Inventories.20260301.txt",
		"ACL.Circulation_Patron_Report_Full.20260301.txt",
	} {
		f.putRemote(t, ReportsRemoteDir, name, "x")
	}

	reports := filepath.Join(f.work, "reports")
	res, err := f.mgr.Fetch(context.Background(), FetchRequest{LibCode: "wx_acl", Kind: KindItems, Recent: 2, ReportsDir: reports})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("files = %v", res.Files)
	}
	want := filepath.Join(reports, "ACL", "items", "ACL.Circulation_Item_Inventories.20260201.txt")
	if res.Files[0] != want {
		t.Errorf("first = %s, want %s", res.Files[0], want)
	}
	run, err := f.db.GetRun(res.RunID)
	if err != nil || run.Kind != ledger.KindFetch || run.RowsOut != 2 {
		t.Errorf("run = %+v, %v", run, err)
	}
}
