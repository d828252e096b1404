package patron

import (
	"fmt"
	"log/slog"
	"strings"

	"patron-tools/logging"
)

// DuplicateKeyPolicy decides what happens when the update file repeats an
// old barcode.
type DuplicateKeyPolicy int

const (
	// FanOut emits one output row per matching update row.
	FanOut DuplicateKeyPolicy = iota
	// RejectDuplicates fails the merge instead.
	RejectDuplicates
)

// ParseDuplicatePolicy parses the --duplicate-update-keys flag value.
func ParseDuplicatePolicy(s string) (DuplicateKeyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fanout":
		return FanOut, nil
	case "error":
		return RejectDuplicates, nil
	}
	return FanOut, fmt.Errorf("invalid duplicate key policy %q (want fanout or error)", s)
}

func (p DuplicateKeyPolicy) String() string {
	if p == RejectDuplicates {
		return "error"
	}
	return "fanout"
}

// overlayFields maps update columns to the patron columns they overwrite
// when the update cell is non-blank.
var overlayFields = []struct {
	update string
	patron string
}{
	{UpdFamilyName, ColFamilyName},
	{UpdGivenName, ColGivenName},
	{UpdBorrowerCategory, ColBorrowerCategory},
	{UpdHomeBranch, ColHomeBranch},
	{UpdEmailAddress, ColEmail},
	{UpdUsername, ColUsername},
}

// MergeOptions configures ApplyUpdates.
type MergeOptions struct {
	SyncIllID     bool
	DuplicateKeys DuplicateKeyPolicy
	Logger        *slog.Logger
}

// MergeStats describes what a merge changed.
type MergeStats struct {
	Matched         int
	Rows            int
	FellBack        bool
	BarcodesChanged int
	FieldsUpdated   map[string]int
	InvalidSelfEdit int
}

// ApplyUpdates inner-joins the roster with the overlay on barcode =
// patron_barcode_old. Only matched patrons are returned, in roster order; a
// patron matched by several update rows appears once per row under FanOut.
// When nothing matches the original roster is returned untouched, on the
// assumption that the update file belongs to another library.
func ApplyUpdates(r *Roster, overlay Overlay, opts MergeOptions) (*Roster, MergeStats, error) {
	logger := orDefault(opts.Logger)
	stats := MergeStats{FieldsUpdated: make(map[string]int)}

	u, ok := overlay.Get()
	if !ok {
		stats.Rows = r.Len()
		return r, stats, nil
	}
	if !r.Has(ColBarcode) {
		return nil, stats, fmt.Errorf("%w: %s (needed to apply updates)", ErrMissingColumn, ColBarcode)
	}

	byOld := make(map[string][]int, len(u.Records))
	for i, rec := range u.Records {
		byOld[rec.OldBarcode] = append(byOld[rec.OldBarcode], i)
	}
	if opts.DuplicateKeys == RejectDuplicates {
		var dups []string
		for old, idx := range byOld {
			if len(idx) > 1 {
				dups = append(dups, old)
			}
		}
		if len(dups) > 0 {
			return nil, stats, fmt.Errorf("%w: %d keys, e.g. %s", ErrDuplicateUpdateKey, len(dups), strings.Join(head(dups), ", "))
		}
	}

	hasNew := u.Has(UpdNewBarcode)
	hasSelfEdit := u.Has(UpdCanSelfEdit)
	hasIllID := u.Has(UpdIllID)

	var merged []*Patron
	for _, p := range r.Patrons {
		idx := byOld[p.Barcode]
		if len(idx) == 0 {
			continue
		}
		stats.Matched++
		for _, i := range idx {
			merged = append(merged, applyRecord(p.Clone(), u.Records[i], r, hasNew, hasSelfEdit, hasIllID, opts.SyncIllID, &stats))
		}
	}

	if len(merged) == 0 {
		logging.Banner(logger, slog.LevelWarn, "NO PATRONS MATCHED THE UPDATE FILE",
			fmt.Sprintf("Update file: %s", u.Source),
			fmt.Sprintf("%d update rows, %d patrons", len(u.Records), r.Len()),
			"The update file may belong to a different library; loading all rows unchanged",
		)
		stats.FellBack = true
		stats.Rows = r.Len()
		return r, stats, nil
	}

	out := r.withPatrons(merged)
	out.HasCanSelfEdit = r.HasCanSelfEdit || hasSelfEdit
	out.HasIllID = r.HasIllID || hasIllID || opts.SyncIllID
	stats.Rows = len(merged)

	if stats.InvalidSelfEdit > 0 {
		logger.Warn("invalid canSelfEdit values reset; default will be used", "count", stats.InvalidSelfEdit)
	}
	if len(merged) > stats.Matched {
		logger.Warn("update file repeats old barcodes; patron rows were duplicated",
			"patrons", stats.Matched, "rows", len(merged))
	}
	logger.Info("applied patron updates",
		"matched", stats.Matched,
		"rows", stats.Rows,
		"barcodes_changed", stats.BarcodesChanged,
		"sync_illid", opts.SyncIllID,
	)
	for _, f := range overlayFields {
		if n := stats.FieldsUpdated[f.update]; n > 0 {
			logger.Info("field updated", "field", f.update, "rows", n)
		}
	}
	if n := stats.FieldsUpdated[UpdIllID]; n > 0 {
		logger.Info("field updated", "field", UpdIllID, "rows", n)
	}
	return out, stats, nil
}

func applyRecord(p *Patron, rec UpdateRecord, r *Roster, hasNew, hasSelfEdit, hasIllID, sync bool, stats *MergeStats) *Patron {
	if hasNew {
		if rec.NewBarcode != p.Barcode {
			stats.BarcodesChanged++
		}
		p.Barcode = rec.NewBarcode
	}
	if sync {
		p.IllID = p.Barcode
	}

	for _, f := range overlayFields {
		v := strings.TrimSpace(rec.Fields[f.update])
		if v == "" || !r.Has(f.patron) {
			continue
		}
		p.Set(f.patron, v)
		stats.FieldsUpdated[f.update]++
	}
	if hasIllID {
		if v := strings.TrimSpace(rec.Fields[UpdIllID]); v != "" {
			p.IllID = v
			stats.FieldsUpdated[UpdIllID]++
		}
	}

	if hasSelfEdit {
		switch v := strings.ToLower(strings.TrimSpace(rec.Fields[UpdCanSelfEdit])); v {
		case "true", "false":
			p.CanSelfEdit = v
		case "":
			p.CanSelfEdit = ""
		default:
			p.CanSelfEdit = ""
			stats.InvalidSelfEdit++
		}
	}
	return p
}
