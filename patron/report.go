package patron

import (
	"log/slog"
	"path/filepath"
	"time"

	"patron-tools/logging"
)

var skipReportHeader = []string{"barcode", "familyName", "givenName", "email", "skip_reason"}

// SkipTable renders skip records as a report table.
func SkipTable(skipped []SkipRecord) *OutputTable {
	t := &OutputTable{Header: append([]string(nil), skipReportHeader...)}
	for _, s := range skipped {
		t.Rows = append(t.Rows, []string{s.Barcode, s.FamilyName, s.GivenName, s.Email, s.Reason})
	}
	return t
}

// WriteSkipReport writes <outputDir>/reports/<SYM>_skipped_patrons_<YYYYMMDD>.txt
// and logs a breakdown by reason. Nothing is written for an empty list.
func WriteSkipReport(skipped []SkipRecord, outputDir, symbol string, day time.Time, logger *slog.Logger) (string, error) {
	if len(skipped) == 0 {
		return "", nil
	}
	logger = orDefault(logger)
	path := filepath.Join(outputDir, "reports", SkipReportName(symbol, day))
	if err := SkipTable(skipped).WriteFile(path); err != nil {
		return "", err
	}

	counts := make(map[string]int)
	for _, s := range skipped {
		counts[s.Reason]++
	}
	lines := append([]string{"Report: " + path}, reasonBreakdown(counts)...)
	logging.Banner(logger, slog.LevelInfo, "SKIPPED PATRONS REPORT", lines...)
	return path, nil
}
