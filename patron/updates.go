package patron

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Update file names searched in the project root, in order.
var updateFileNames = []string{"patron_updates.txt", "barcode_updates.txt"}

// Has reports whether the update file declared col.
func (u *UpdateSet) Has(col string) bool {
	if u == nil {
		return false
	}
	for _, c := range u.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// Overlay is an optional update set. The zero value is absent.
type Overlay struct {
	set *UpdateSet
}

// NoOverlay is the absent overlay.
func NoOverlay() Overlay { return Overlay{} }

// OverlayOf wraps a loaded update set.
func OverlayOf(u *UpdateSet) Overlay { return Overlay{set: u} }

// Get returns the update set and whether one is present.
func (o Overlay) Get() (*UpdateSet, bool) { return o.set, o.set != nil }

// FindUpdates locates the overlay file in dir and loads it. A missing file is
// not an error; the result is simply absent.
func FindUpdates(dir string, logger *slog.Logger) (Overlay, error) {
	logger = orDefault(logger)
	for i, name := range updateFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return NoOverlay(), err
		}
		if i > 0 {
			logger.Info("loading patron updates from legacy file name; consider renaming", "file", name, "preferred", updateFileNames[0])
		} else {
			logger.Info("loading patron updates", "file", name)
		}
		u, err := LoadUpdates(path)
		if err != nil {
			return NoOverlay(), err
		}
		if u.BlankKeys > 0 {
			logger.Warn("ignoring update rows without an old barcode", "count", u.BlankKeys)
		}
		logger.Info("update rows loaded", "rows", len(u.Records), "columns", strings.Join(u.Columns, ","))
		return OverlayOf(u), nil
	}
	logger.Info("no patron update file found; all rows load unchanged", "dir", dir)
	return NoOverlay(), nil
}

// LoadUpdates reads a tab-delimited overlay file. Every cell is trimmed; the
// patron_barcode_old column is required.
func LoadUpdates(path string) (*UpdateSet, error) {
	t, err := ReadTableFile(path, '\t')
	if err != nil {
		return nil, fmt.Errorf("update file %s: %w", path, err)
	}

	u := &UpdateSet{Source: path, Columns: t.Header}
	if !u.Has(UpdOldBarcode) {
		return nil, fmt.Errorf("%w: %s must contain %s to identify patrons", ErrMissingColumn, filepath.Base(path), UpdOldBarcode)
	}

	for _, row := range t.Rows {
		rec := UpdateRecord{Fields: make(map[string]string, len(t.Header))}
		for i, col := range t.Header {
			v := strings.TrimSpace(row[i])
			switch col {
			case UpdOldBarcode:
				rec.OldBarcode = v
			case UpdNewBarcode:
				rec.NewBarcode = v
			default:
				rec.Fields[col] = v
			}
		}
		if rec.OldBarcode == "" {
			u.BlankKeys++
			continue
		}
		u.Records = append(u.Records, rec)
	}
	return u, nil
}
