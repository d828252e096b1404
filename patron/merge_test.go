package patron

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"patron-tools/logging"
)

const mergeSource = "Patron_Barcode|Patron_Given_Name|Patron_Family_Name|Patron_Email_Address|Patron_Home_Branch_ID\n" +
	"B1|Ann|Lee|ann@school.edu|MAIN\n" +
	"B2|Bob|Ray|bob@school.edu|EAST\n" +
	"B3|Cy|Ode|cy@school.edu|WEST\n"

func mergeOpts() MergeOptions {
	return MergeOptions{Logger: logging.Discard()}
}

func overlayFrom(t *testing.T, text string) Overlay {
	t.Helper()
	path := writeFile(t, t.TempDir(), "patron_updates.txt", text)
	u, err := LoadUpdates(path)
	if err != nil {
		t.Fatalf("load updates: %v", err)
	}
	return OverlayOf(u)
}

func TestApplyUpdatesAbsentOverlay(t *testing.T) {
	r := rosterOf(t, mergeSource)
	out, stats, err := ApplyUpdates(r, NoOverlay(), mergeOpts())
	if err != nil {
		t.Fatal(err)
	}
	if out != r || stats.Rows != 3 {
		t.Errorf("absent overlay changed the roster")
	}
}

func TestApplyUpdatesFallback(t *testing.T) {
	r := rosterOf(t, mergeSource)
	before := rosterOf(t, mergeSource)
	out, stats, err := ApplyUpdates(r, overlayFrom(t, "patron_barcode_old\tpatron_barcode_new\nZZ1\tZZ2\n"), mergeOpts())
	if err != nil {
		t.Fatal(err)
	}
	if !stats.FellBack {
		t.Error("FellBack not set")
	}
	if !reflect.DeepEqual(out, before) {
		t.Errorf("fallback result differs from input:\n%+v\n%+v", out, before)
	}
}

func TestApplyUpdatesInnerJoin(t *testing.T) {
	r := rosterOf(t, mergeSource)
	ov := overlayFrom(t, "patron_barcode_old\tpatron_barcode_new\n"+
		"B3\tB3X\n"+
		"B1\tB1X\n")
	out, stats, err := ApplyUpdates(r, ov, mergeOpts())
	if err != nil {
		t.Fatal(err)
	}
	// Roster order, unmatched B2 dropped.
	if got := barcodes(out); got != "B1X,B3X" {
		t.Errorf("barcodes = %s", got)
	}
	if stats.Matched != 2 || stats.BarcodesChanged != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if r.Patrons[0].Barcode != "B1" {
		t.Error("input roster was modified")
	}
}

func TestApplyUpdatesPartialFields(t *testing.T) {
	r := rosterOf(t, mergeSource)
	ov := overlayFrom(t, "patron_barcode_old\tgivenName\tfamilyName\temailAddress\thomeBranch\tborrowerCategory\n"+
		"B1\t  Annie \t\t   \tNORTH\tSTAFF\n"+
		"B2\t\tRay-Smith\t\t\t\n")
	out, stats, err := ApplyUpdates(r, ov, mergeOpts())
	if err != nil {
		t.Fatal(err)
	}
	b1, b2 := out.Patrons[0], out.Patrons[1]

	tests := []struct {
		name      string
		got, want string
	}{
		{"B1 given updated and trimmed", b1.GivenName, "Annie"},
		{"B1 family kept", b1.FamilyName, "Lee"},
		{"B1 email kept for blank cell", b1.Email, "ann@school.edu"},
		{"B1 branch updated", b1.HomeBranch, "NORTH"},
		{"B2 given kept", b2.GivenName, "Bob"},
		{"B2 family updated", b2.FamilyName, "Ray-Smith"},
		{"B2 barcode kept without new column", b2.Barcode, "B2"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
	// borrowerCategory is not a source column, so it is not invented.
	if out.Has(ColBorrowerCategory) || b1.BorrowerCategory != "" {
		t.Errorf("borrower category introduced: %q", b1.BorrowerCategory)
	}
	if stats.FieldsUpdated[UpdGivenName] != 1 || stats.FieldsUpdated[UpdFamilyName] != 1 {
		t.Errorf("fields updated = %v", stats.FieldsUpdated)
	}
}

func TestApplyUpdatesDuplicateKeys(t *testing.T) {
	text := "patron_barcode_old\tpatron_barcode_new\nB1\tB1A\nB1\tB1B\n"

	out, stats, err := ApplyUpdates(rosterOf(t, mergeSource), overlayFrom(t, text), mergeOpts())
	if err != nil {
		t.Fatal(err)
	}
	if got := barcodes(out); got != "B1A,B1B" || stats.Matched != 1 || stats.Rows != 2 {
		t.Errorf("fan-out: barcodes=%s stats=%+v", got, stats)
	}

	opts := mergeOpts()
	opts.DuplicateKeys = RejectDuplicates
	if _, _, err := ApplyUpdates(rosterOf(t, mergeSource), overlayFrom(t, text), opts); !errors.Is(err, ErrDuplicateUpdateKey) {
		t.Errorf("want ErrDuplicateUpdateKey, got %v", err)
	}
}

func TestApplyUpdatesSelfEditAndIllID(t *testing.T) {
	ov := overlayFrom(t, "patron_barcode_old\tpatron_barcode_new\tcanSelfEdit\tillId\n"+
		"B1\tB1X\tTRUE\t\n"+
		"B2\tB2X\tmaybe\tILL-2\n"+
		"B3\tB3X\t\t\n")
	opts := mergeOpts()
	opts.SyncIllID = true
	out, stats, err := ApplyUpdates(rosterOf(t, mergeSource), ov, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !out.HasCanSelfEdit || !out.HasIllID {
		t.Fatalf("flags not set: %+v", out)
	}
	want := []struct{ selfEdit, ill string }{
		{"true", "B1X"},
		{"", "ILL-2"},
		{"", "B3X"},
	}
	for i, w := range want {
		p := out.Patrons[i]
		if p.CanSelfEdit != w.selfEdit || p.IllID != w.ill {
			t.Errorf("row %d: canSelfEdit=%q illId=%q, want %q %q", i, p.CanSelfEdit, p.IllID, w.selfEdit, w.ill)
		}
	}
	if stats.InvalidSelfEdit != 1 {
		t.Errorf("invalid self edit = %d", stats.InvalidSelfEdit)
	}
}

func TestApplyUpdatesMissingBarcodeColumn(t *testing.T) {
	r := rosterOf(t, "Patron_Given_Name\nAnn\n")
	ov := overlayFrom(t, "patron_barcode_old\nB1\n")
	if _, _, err := ApplyUpdates(r, ov, mergeOpts()); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("want ErrMissingColumn, got %v", err)
	}
}

func TestLoadUpdates(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "u.txt", "patron_barcode_old\tpatron_barcode_new\tfamilyName\n"+
		" B1 \t B1X \t Lee \n"+
		"\tORPHAN\t\n")
	u, err := LoadUpdates(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Records) != 1 || u.BlankKeys != 1 {
		t.Fatalf("records=%d blank=%d", len(u.Records), u.BlankKeys)
	}
	rec := u.Records[0]
	if rec.OldBarcode != "B1" || rec.NewBarcode != "B1X" || rec.Fields[UpdFamilyName] != "Lee" {
		t.Errorf("record = %+v", rec)
	}

	bad := writeFile(t, dir, "bad.txt", "barcode\tfamilyName\nB1\tLee\n")
	if _, err := LoadUpdates(bad); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("want ErrMissingColumn, got %v", err)
	}
}

func TestFindUpdates(t *testing.T) {
	dir := t.TempDir()
	ov, err := FindUpdates(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ov.Get(); ok {
		t.Error("overlay present in empty dir")
	}

	writeFile(t, dir, "barcode_updates.txt", "patron_barcode_old\nLEGACY\n")
	ov, err = FindUpdates(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	u, ok := ov.Get()
	if !ok || u.Records[0].OldBarcode != "LEGACY" {
		t.Fatalf("legacy overlay not loaded: %+v", u)
	}

	writeFile(t, dir, "patron_updates.txt", "patron_barcode_old\nPREFERRED\n")
	ov, _ = FindUpdates(dir, logging.Discard())
	if u, _ := ov.Get(); u.Source != filepath.Join(dir, "patron_updates.txt") {
		t.Errorf("source = %s", u.Source)
	}
}

func TestParseDuplicatePolicy(t *testing.T) {
	for in, want := range map[string]DuplicateKeyPolicy{"": FanOut, "fanout": FanOut, "ERROR": RejectDuplicates} {
		got, err := ParseDuplicatePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseDuplicatePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDuplicatePolicy("merge"); err == nil {
		t.Error("expected error")
	}
}
