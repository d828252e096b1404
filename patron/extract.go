package patron

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"patron-tools/logging"
)

// Keep selects which pipe-delimited segment ExtractSegment returns.
type Keep int

const (
	KeepFirst Keep = iota
	KeepLast
)

// Segments is the result of splitting a pipe-delimited value.
type Segments struct {
	Value     string
	Discarded []string
}

// SplitSegments splits value on "|" and keeps one trimmed segment. Values
// without a pipe come back trimmed and unchanged.
func SplitSegments(value string, keep Keep) Segments {
	if !strings.Contains(value, "|") {
		return Segments{Value: strings.TrimSpace(value)}
	}
	parts := strings.Split(value, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if keep == KeepLast {
		return Segments{Value: parts[len(parts)-1], Discarded: parts[:len(parts)-1]}
	}
	return Segments{Value: parts[0], Discarded: parts[1:]}
}

// ExtractSegment returns the kept segment of a pipe-delimited value.
func ExtractSegment(value string, keep Keep) string {
	return SplitSegments(value, keep).Value
}

var domainCache sync.Map // domain -> *regexp.Regexp

// domainPattern matches a local part (letters, digits, underscore, dot,
// hyphen) immediately followed by the literal domain.
func domainPattern(domain string) *regexp.Regexp {
	if re, ok := domainCache.Load(domain); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`[\p{L}\p{N}_.\-]+` + regexp.QuoteMeta(domain))
	domainCache.Store(domain, re)
	return re
}

// NormalizeDomains lowercases domains and makes sure each starts with "@".
func NormalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if !strings.HasPrefix(d, "@") {
			d = "@" + d
		}
		out = append(out, d)
	}
	return out
}

// MatchEmailDomain finds the first address in value ending in one of the
// domains and returns it lowercased. Domains are tried in order.
func MatchEmailDomain(value string, domains []string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return "", false
	}
	for _, d := range domains {
		d = strings.ToLower(d)
		if !strings.Contains(v, d) {
			continue
		}
		if m := domainPattern(d).FindString(v); m != "" {
			return m, true
		}
	}
	return "", false
}

// PipeStats summarises how many values of a column contain pipes.
type PipeStats struct {
	Column   string
	Total    int
	WithPipe int
	Samples  []string
}

// Percent returns WithPipe as a percentage of Total.
func (s PipeStats) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.WithPipe) / float64(s.Total) * 100
}

// AnalyzePipePatterns counts pipe-delimited values in col and logs a short
// report with up to five samples.
func AnalyzePipePatterns(r *Roster, col string, logger *slog.Logger) PipeStats {
	logger = orDefault(logger)
	stats := PipeStats{Column: col}
	if !r.Has(col) {
		return stats
	}
	for _, p := range r.Patrons {
		v := p.Get(col)
		if v == "" {
			continue
		}
		stats.Total++
		if strings.Contains(v, "|") {
			stats.WithPipe++
			if len(stats.Samples) < 5 {
				stats.Samples = append(stats.Samples, v)
			}
		}
	}

	lines := []string{fmt.Sprintf("%d of %d values contain pipes (%.1f%%)", stats.WithPipe, stats.Total, stats.Percent())}
	for _, s := range stats.Samples {
		lines = append(lines, "  sample: "+s)
	}
	logging.Banner(logger, slog.LevelInfo, "PIPE ANALYSIS: "+col, lines...)
	return stats
}

// MostCommonFirstSegment returns the most frequent non-empty first segment of
// col. Ties go to the value seen first.
func MostCommonFirstSegment(r *Roster, col string) string {
	counts := make(map[string]int)
	var order []string
	for _, p := range r.Patrons {
		v := ExtractSegment(p.Get(col), KeepFirst)
		if v == "" {
			continue
		}
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	best := ""
	for _, v := range order {
		if counts[v] > counts[best] {
			best = v
		}
	}
	return best
}
