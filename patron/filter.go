package patron

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"patron-tools/logging"
)

// Skip reasons written to the skipped-patrons report.
const (
	ReasonNoEmailDomain = "No valid email domain found"
	reasonExpiredPrefix = "Expired: "
)

// FilterOptions configures FilterPatrons.
type FilterOptions struct {
	// Domains are tried in order against each patron's email, then username.
	Domains []string
	// Cutoff drops patrons expiring strictly before it. Zero means today.
	Cutoff time.Time
	// AllowSharedEmails disables the shared-mailbox check.
	AllowSharedEmails bool
	Now               func() time.Time
	Logger            *slog.Logger
}

// FilterStats counts what each stage removed.
type FilterStats struct {
	Total         int
	Expired       int
	Unparseable   int
	NoDomain      int
	SharedEmail   int
	Kept          int
	ReasonsByText map[string]int
}

// FilterResult partitions a roster into kept patrons and skip records.
type FilterResult struct {
	Kept    *Roster
	Skipped []SkipRecord
	Stats   FilterStats
}

// FilterPatrons runs the expiration, email-domain and shared-email stages in
// sequence. Each stage only sees survivors of the previous one, so a patron is
// skipped at most once, by the first stage that rejects it. Kept patrons carry
// the matched address in MatchedEmail.
func FilterPatrons(r *Roster, opts FilterOptions) (*FilterResult, error) {
	logger := orDefault(opts.Logger)
	domains := NormalizeDomains(opts.Domains)
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	cutoff := Day(now())
	if !opts.Cutoff.IsZero() {
		cutoff = Day(opts.Cutoff)
	}

	res := &FilterResult{Stats: FilterStats{Total: r.Len(), ReasonsByText: make(map[string]int)}}
	skip := func(p *Patron, email, reason string) {
		res.Skipped = append(res.Skipped, SkipRecord{
			Barcode:    p.Barcode,
			FamilyName: p.FamilyName,
			GivenName:  p.GivenName,
			Email:      email,
			Reason:     reason,
		})
		res.Stats.ReasonsByText[reason]++
	}

	logging.Banner(logger, slog.LevelInfo, "PATRON FILTERING",
		fmt.Sprintf("Starting with %d patrons", r.Len()),
		"Valid domains: "+strings.Join(domains, ", "),
	)

	// Stage 1: expiration.
	working := make([]*Patron, 0, r.Len())
	if r.Has(ColExpirationDate) {
		for _, p := range r.Patrons {
			exp, ok := ParseDate(p.ExpirationDate)
			if !ok {
				if strings.TrimSpace(p.ExpirationDate) != "" {
					res.Stats.Unparseable++
				}
				working = append(working, p)
				continue
			}
			if exp.Before(cutoff) {
				res.Stats.Expired++
				skip(p, p.Email, ExpiredReason(exp))
				continue
			}
			working = append(working, p)
		}
		logger.Info("expiration filter", "expired", res.Stats.Expired, "cutoff", cutoff.Format("2006-01-02"))
		if res.Stats.Unparseable > 0 {
			logger.Warn("expiration dates could not be parsed; patrons kept", "count", res.Stats.Unparseable)
		}
	} else {
		logger.Warn("expiration column not found; skipping expiration filter", "column", ColExpirationDate)
		working = append(working, r.Patrons...)
	}

	// Stage 2 and 3: match an address and drop the unmatched.
	matched := make([]*Patron, 0, len(working))
	hasEmail, hasUsername := r.Has(ColEmail), r.Has(ColUsername)
	for _, p := range working {
		var email string
		var ok bool
		if hasEmail {
			email, ok = MatchEmailDomain(p.Email, domains)
		}
		if !ok && hasUsername {
			email, ok = MatchEmailDomain(p.Username, domains)
		}
		if !ok {
			res.Stats.NoDomain++
			skip(p, p.Email, ReasonNoEmailDomain)
			continue
		}
		c := p.Clone()
		c.MatchedEmail = email
		matched = append(matched, c)
	}
	logger.Info("email domain filter", "matched", len(matched), "unmatched", res.Stats.NoDomain)

	if len(matched) == 0 {
		logger.Error("no patrons matched the email domain criteria", "domains", strings.Join(domains, ", "))
		return nil, fmt.Errorf("%w (checked %s)", ErrNoEligiblePatrons, strings.Join(domains, ", "))
	}

	// Stage 4: shared mailboxes cannot serve as a unique identity.
	kept := matched
	if !opts.AllowSharedEmails {
		uses := make(map[string]int, len(matched))
		for _, p := range matched {
			uses[p.MatchedEmail]++
		}
		kept = make([]*Patron, 0, len(matched))
		shared := make(map[string]struct{})
		for _, p := range matched {
			if n := uses[p.MatchedEmail]; n > 1 {
				res.Stats.SharedEmail++
				shared[p.MatchedEmail] = struct{}{}
				skip(p, p.MatchedEmail, fmt.Sprintf("Shared/duplicate email (used by %d patrons)", n))
				continue
			}
			kept = append(kept, p)
		}
		if len(shared) > 0 {
			logger.Warn("patrons skipped for shared email addresses",
				"patrons", res.Stats.SharedEmail, "addresses", len(shared))
		}
	}

	res.Stats.Kept = len(kept)
	res.Kept = r.withPatrons(kept)
	res.Kept.HasMatchedEmail = true

	lines := []string{
		fmt.Sprintf("Kept: %d patrons", res.Stats.Kept),
		fmt.Sprintf("Skipped: %d patrons", len(res.Skipped)),
	}
	lines = append(lines, reasonBreakdown(res.Stats.ReasonsByText)...)
	logging.Banner(logger, slog.LevelInfo, "FILTERING SUMMARY", lines...)
	return res, nil
}

// ExpiredReason formats the skip reason for a patron expired on day.
func ExpiredReason(day time.Time) string {
	return reasonExpiredPrefix + day.Format("2006-01-02 15:04:05")
}

func reasonBreakdown(counts map[string]int) []string {
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if counts[reasons[i]] != counts[reasons[j]] {
			return counts[reasons[i]] > counts[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, fmt.Sprintf("  %s: %d", r, counts[r]))
	}
	return out
}

// ExpiredPatrons returns patrons whose expCol date is strictly before cutoff.
// Both columns must exist. Unparseable dates are never considered expired.
func ExpiredPatrons(r *Roster, barcodeCol, expCol string, cutoff time.Time, logger *slog.Logger) ([]*Patron, error) {
	logger = orDefault(logger)
	for _, col := range []string{barcodeCol, expCol} {
		if !r.Has(col) {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	cutoff = Day(cutoff)

	var expired []*Patron
	unparseable := 0
	for _, p := range r.Patrons {
		exp, ok := ParseDate(p.Get(expCol))
		if !ok {
			if strings.TrimSpace(p.Get(expCol)) != "" {
				unparseable++
			}
			continue
		}
		if exp.Before(cutoff) {
			expired = append(expired, p)
		}
	}
	if unparseable > 0 {
		logger.Warn("expiration dates could not be parsed; patrons not deleted", "count", unparseable)
	}
	logger.Info("expired patrons", "count", len(expired), "total", r.Len(), "cutoff", cutoff.Format("2006-01-02"))
	return expired, nil
}
