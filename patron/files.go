package patron

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DefaultPatronPattern matches full patron reports: symbol, date, extension.
const DefaultPatronPattern = `^([A-Z]{3})\.Circulation_Patron_Report_Full\.(\d{8})\.(txt|csv)$`

// SymbolPattern matches the full patron report of one symbol with extension ext.
func SymbolPattern(symbol, ext string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(strings.ToUpper(symbol)) +
		`\.Circulation_Patron_Report_Full\.(\d{8})\.` + regexp.QuoteMeta(ext) + `$`)
}

// PickLatest returns the newest file matching pattern. A pattern with one
// group captures the YYYYMMDD date; with two or more, group 1 is the symbol
// and group 2 the date.
func PickLatest(files []string, pattern *regexp.Regexp) (name, symbol string, err error) {
	var bestDay time.Time
	for _, f := range files {
		m := pattern.FindStringSubmatch(f)
		if len(m) < 2 {
			continue
		}
		sym, date := "", m[1]
		if len(m) > 2 {
			sym, date = m[1], m[2]
		}
		day, err := time.Parse("20060102", date)
		if err != nil {
			continue
		}
		if name == "" || day.After(bestDay) {
			name, symbol, bestDay = f, sym, day
		}
	}
	if name == "" {
		return "", "", fmt.Errorf("%w with pattern %s", ErrNoPatronFile, pattern)
	}
	return name, symbol, nil
}

// WithExtension rewrites the trailing extension of a file pattern, e.g.
// `\.(txt|csv)$` or `\.txt$`, to ext.
func WithExtension(pattern, ext string) string {
	return reTrailingExt.ReplaceAllLiteralString(pattern, `\.`+ext+`$`)
}

var reTrailingExt = regexp.MustCompile(`\\\.(\([a-zA-Z|]+\)|[a-zA-Z]+)\$$`)

// FindLocalPatronFile returns the newest cached .txt patron report for symbol
// in dir, falling back to the newest .csv.
func FindLocalPatronFile(dir, symbol string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s does not exist; run without --offline first", ErrNoPatronFile, dir)
		}
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	for _, ext := range []string{"txt", "csv"} {
		if name, _, err := PickLatest(names, SymbolPattern(symbol, ext)); err == nil {
			return filepath.Join(dir, name), nil
		}
	}
	return "", fmt.Errorf("%w for %s in %s", ErrNoPatronFile, symbol, dir)
}

// ReloadFileName is the reload output name for symbol on day.
func ReloadFileName(symbol string, day time.Time) string {
	return fmt.Sprintf("%spatronreload_%s.txt", symbol, day.Format("010206"))
}

// DeleteFileName is the delete output name for symbol at cutoff.
func DeleteFileName(symbol string, cutoff time.Time) string {
	return fmt.Sprintf("%spatronsdelete_%s.txt", symbol, cutoff.Format("010206"))
}

// SkipReportName is the skipped-patrons report name for symbol on day.
func SkipReportName(symbol string, day time.Time) string {
	return fmt.Sprintf("%s_skipped_patrons_%s.txt", symbol, day.Format("20060102"))
}

// ReportKind is a family of vendor report files.
type ReportKind string

const (
	KindItems   ReportKind = "items"
	KindStats   ReportKind = "stats"
	KindPatrons ReportKind = "patrons"
)

// ParseReportKind validates a kind name.
func ParseReportKind(s string) (ReportKind, error) {
	switch k := ReportKind(strings.ToLower(s)); k {
	case KindItems, KindStats, KindPatrons:
		return k, nil
	}
	return "", fmt.Errorf("unknown report kind %q", s)
}

// MatchesKind reports whether name is a report of kind for symbol.
func MatchesKind(name, symbol string, kind ReportKind) bool {
	symbol = strings.ToUpper(symbol)
	switch kind {
	case KindItems:
		return strings.HasPrefix(name, symbol+".") &&
			strings.Contains(name, "Circulation_Item_Inventories") &&
			strings.HasSuffix(name, ".txt")
	case KindStats:
		return (strings.HasPrefix(name, symbol+".") || strings.HasPrefix(name, symbol+"D")) &&
			(strings.Contains(name, ".report.") || strings.Contains(name, ".exception") || strings.Contains(name, "Report_wk")) &&
			strings.HasSuffix(name, ".txt")
	case KindPatrons:
		return strings.HasPrefix(name, symbol+".") &&
			strings.Contains(name, "Circulation_Patron_Report_Full") &&
			(strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".csv"))
	}
	return false
}

var (
	reEightDigits = regexp.MustCompile(`(\d{8})`)
	reItemsDate   = regexp.MustCompile(`\.(\d{8})\.txt$`)
	reISODate     = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)
)

// ReportDate extracts the date embedded in a report file name.
func ReportDate(name string, kind ReportKind) (time.Time, bool) {
	parse := func(layout, s string) (time.Time, bool) {
		t, err := time.Parse(layout, s)
		return t, err == nil
	}
	switch kind {
	case KindItems:
		if m := reItemsDate.FindStringSubmatch(name); m != nil {
			return parse("20060102", m[1])
		}
	case KindStats:
		if all := reISODate.FindAllString(name, -1); len(all) > 0 {
			return parse("2006-01-02", all[len(all)-1])
		}
		if m := reEightDigits.FindStringSubmatch(name); m != nil {
			return parse("20060102", m[1])
		}
	case KindPatrons:
		if m := reEightDigits.FindStringSubmatch(name); m != nil {
			return parse("20060102", m[1])
		}
	}
	return time.Time{}, false
}

// SelectReports filters names to reports of kind for symbol. Files dated
// before since are dropped (undated files are kept); recent > 0 keeps only
// that many of the newest names. The result is sorted oldest first.
func SelectReports(names []string, symbol string, kind ReportKind, since time.Time, recent int) []string {
	var out []string
	for _, n := range names {
		if !MatchesKind(n, symbol, kind) {
			continue
		}
		if !since.IsZero() {
			if d, ok := ReportDate(n, kind); ok && d.Before(Day(since)) {
				continue
			}
		}
		out = append(out, n)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	if recent > 0 && len(out) > recent {
		out = out[:recent]
	}
	sort.Strings(out)
	return out
}
