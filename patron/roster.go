package patron

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// field returns the typed slot for a well-known source column, or nil.
func (p *Patron) field(col string) *string {
	switch col {
	case ColBarcode:
		return &p.Barcode
	case ColFamilyName:
		return &p.FamilyName
	case ColGivenName:
		return &p.GivenName
	case ColEmail:
		return &p.Email
	case ColUsername:
		return &p.Username
	case ColBorrowerCategory:
		return &p.BorrowerCategory
	case ColHomeBranch:
		return &p.HomeBranch
	case ColExpirationDate:
		return &p.ExpirationDate
	case ColSourceSystem:
		return &p.SourceSystem
	case ColIDAtSource:
		return &p.IDAtSource
	case ColInstSymbol:
		return &p.InstSymbol
	}
	return nil
}

// Get returns the value of a source column ("" when absent).
func (p *Patron) Get(col string) string {
	if f := p.field(col); f != nil {
		return *f
	}
	return p.Extra[col]
}

// Set stores a source column value.
func (p *Patron) Set(col, value string) {
	if f := p.field(col); f != nil {
		*f = value
		return
	}
	if p.Extra == nil {
		p.Extra = make(map[string]string)
	}
	p.Extra[col] = value
}

// Clone returns a deep copy.
func (p *Patron) Clone() *Patron {
	c := *p
	if p.Extra != nil {
		c.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Has reports whether the source file declared col.
func (r *Roster) Has(col string) bool {
	for _, c := range r.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// Len returns the number of patrons.
func (r *Roster) Len() int { return len(r.Patrons) }

// withPatrons returns a roster sharing r's schema and flags but holding patrons.
func (r *Roster) withPatrons(patrons []*Patron) *Roster {
	out := *r
	out.Columns = append([]string(nil), r.Columns...)
	out.Patrons = patrons
	return &out
}

// Barcodes returns the set of barcodes present in the roster.
func (r *Roster) Barcodes() map[string]struct{} {
	set := make(map[string]struct{}, len(r.Patrons))
	for _, p := range r.Patrons {
		set[strings.TrimSpace(p.Barcode)] = struct{}{}
	}
	return set
}

// RosterFromTable converts a parsed table into patrons. Barcodes are trimmed so
// stray whitespace cannot cause phantom mismatches against the update file.
func RosterFromTable(t *Table, logger *slog.Logger) *Roster {
	logger = orDefault(logger)
	r := &Roster{
		Columns: append([]string(nil), t.Header...),
		Patrons: make([]*Patron, 0, len(t.Rows)),
	}

	trimmed := 0
	for _, row := range t.Rows {
		p := &Patron{}
		for i, col := range t.Header {
			if i < len(row) {
				p.Set(col, row[i])
			}
		}
		if b := strings.TrimSpace(p.Barcode); b != p.Barcode {
			p.Barcode = b
			trimmed++
		}
		r.Patrons = append(r.Patrons, p)
	}

	if !r.Has(ColBarcode) {
		logger.Warn("incoming file does not include barcode column; barcode updates cannot be applied", "column", ColBarcode)
	} else if trimmed > 0 {
		logger.Info("trimmed whitespace on incoming barcodes", "count", trimmed)
	}
	return r
}

// LoadRoster reads a delimited patron export from path.
func LoadRoster(path string, logger *slog.Logger) (*Roster, error) {
	logger = orDefault(logger)
	logger.Info("reading patron file", "path", path)

	info, err := os.Stat(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("patron file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("patron file is empty: %s", path)
	}
	logger.Info("file size", "bytes", info.Size())

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	logger.Info("parsed patron file",
		"delimiter", delimiterName(t.Delimiter),
		"encoding", t.Encoding,
		"rows", len(t.Rows),
		"columns", len(t.Header),
	)
	for _, w := range t.Warnings {
		logger.Warn("patron file warning", "row", w.Row, "message", w.Message)
	}
	return RosterFromTable(t, logger), nil
}

// DetectSymbol returns the most common inst_symbol among the first 50 rows,
// or "" if the column is missing or empty. Ties resolve alphabetically.
func DetectSymbol(r *Roster) string {
	if !r.Has(ColInstSymbol) {
		return ""
	}
	counts := make(map[string]int)
	for i, p := range r.Patrons {
		if i >= 50 {
			break
		}
		if v := strings.TrimSpace(p.InstSymbol); v != "" {
			counts[v]++
		}
	}
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := keys[0]
	for _, k := range keys[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return best
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
