package patron

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"patron-tools/logging"
)

// ReservedChars are characters that need URL encoding downstream.
const ReservedChars = "!*'();:@&=+$,/?%#[]"

// BarcodeLimits are the advisory size limits for new barcodes.
type BarcodeLimits struct {
	SoftMaxChars int
	HardMaxBytes int
}

// DefaultBarcodeLimits are used when no override is configured.
var DefaultBarcodeLimits = BarcodeLimits{SoftMaxChars: 20, HardMaxBytes: 30}

// Rule identifies a preflight check.
type Rule string

const (
	RuleEmpty     Rule = "empty"
	RuleSoftLen   Rule = "soft_length"
	RuleHardBytes Rule = "hard_bytes"
	RuleDuplicate Rule = "duplicate"
	RuleCollision Rule = "collision"
	RuleReserved  Rule = "reserved_chars"
)

// Finding is the outcome of one rule: how many rows tripped it and a sample.
type Finding struct {
	Rule    Rule
	Count   int
	Samples []string
}

// PreflightReport lists the findings of ValidateNewBarcodes.
type PreflightReport struct {
	Dropped  int
	Findings []Finding
}

// Find returns the finding for rule, if any.
func (r PreflightReport) Find(rule Rule) (Finding, bool) {
	for _, f := range r.Findings {
		if f.Rule == rule {
			return f, true
		}
	}
	return Finding{}, false
}

const maxSamples = 10

// ValidateNewBarcodes checks the new-barcode column of an update set. Rows
// with an empty new barcode are dropped; every other rule only warns.
// existing holds the barcodes present in the patron file. A new barcode equal
// to an existing one is a collision unless that barcode is itself being
// replaced by this update set.
func ValidateNewBarcodes(u *UpdateSet, existing map[string]struct{}, limits BarcodeLimits, logger *slog.Logger) (*UpdateSet, PreflightReport) {
	logger = orDefault(logger)
	var report PreflightReport
	if u == nil || !u.Has(UpdNewBarcode) {
		return u, report
	}
	if limits.SoftMaxChars <= 0 {
		limits.SoftMaxChars = DefaultBarcodeLimits.SoftMaxChars
	}
	if limits.HardMaxBytes <= 0 {
		limits.HardMaxBytes = DefaultBarcodeLimits.HardMaxBytes
	}

	out := &UpdateSet{Source: u.Source, Columns: append([]string(nil), u.Columns...)}
	for _, rec := range u.Records {
		if strings.TrimSpace(rec.NewBarcode) == "" {
			report.Dropped++
			continue
		}
		out.Records = append(out.Records, rec)
	}
	if report.Dropped > 0 {
		logger.Warn("dropping update rows with empty new barcode", "count", report.Dropped)
		report.Findings = append(report.Findings, Finding{Rule: RuleEmpty, Count: report.Dropped})
	}

	var soft, hard, reserved []string
	counts := make(map[string]int, len(out.Records))
	replaced := make(map[string]struct{}, len(out.Records))
	for _, rec := range out.Records {
		nb := rec.NewBarcode
		if utf8.RuneCountInString(nb) > limits.SoftMaxChars {
			soft = append(soft, nb)
		}
		if len(nb) > limits.HardMaxBytes {
			hard = append(hard, nb)
		}
		if strings.ContainsAny(nb, ReservedChars) {
			reserved = append(reserved, nb)
		}
		counts[nb]++
		replaced[rec.OldBarcode] = struct{}{}
	}

	if len(soft) > 0 {
		logger.Warn("new barcodes exceed soft length limit", "count", len(soft), "limit", limits.SoftMaxChars, "samples", head(soft))
		report.Findings = append(report.Findings, Finding{Rule: RuleSoftLen, Count: len(soft), Samples: head(soft)})
	}
	if len(hard) > 0 {
		logging.Banner(logger, slog.LevelWarn, "NEW BARCODES EXCEED BYTE LIMIT",
			fmt.Sprintf("%d values are longer than %d UTF-8 bytes", len(hard), limits.HardMaxBytes),
			"Samples: "+strings.Join(head(hard), ", "),
		)
		report.Findings = append(report.Findings, Finding{Rule: RuleHardBytes, Count: len(hard), Samples: head(hard)})
	}

	dupRows := 0
	var dupValues []string
	for v, n := range counts {
		if n > 1 {
			dupRows += n
			dupValues = append(dupValues, v)
		}
	}
	if dupRows > 0 {
		sort.Strings(dupValues)
		logger.Warn("duplicate new barcodes in update file", "rows", dupRows, "values", head(dupValues))
		report.Findings = append(report.Findings, Finding{Rule: RuleDuplicate, Count: dupRows, Samples: head(dupValues)})
	}

	var collisions []string
	for _, rec := range out.Records {
		if _, ok := existing[rec.NewBarcode]; !ok {
			continue
		}
		if _, ok := replaced[rec.NewBarcode]; ok {
			continue
		}
		collisions = append(collisions, rec.NewBarcode)
	}
	if len(collisions) > 0 {
		sort.Strings(collisions)
		logging.Banner(logger, slog.LevelWarn, "NEW BARCODES COLLIDE WITH EXISTING PATRONS",
			fmt.Sprintf("%d new barcodes already belong to other patrons in the file", len(collisions)),
			"Samples: "+strings.Join(head(collisions), ", "),
		)
		report.Findings = append(report.Findings, Finding{Rule: RuleCollision, Count: len(collisions), Samples: head(collisions)})
	}

	if len(reserved) > 0 {
		logger.Warn("new barcodes contain reserved characters", "count", len(reserved), "chars", ReservedChars, "samples", head(reserved))
		report.Findings = append(report.Findings, Finding{Rule: RuleReserved, Count: len(reserved), Samples: head(reserved)})
	}

	logger.Info("preflight complete", "rows", len(out.Records), "dropped", report.Dropped, "findings", len(report.Findings))
	return out, report
}

func head(s []string) []string {
	if len(s) > maxSamples {
		return s[:maxSamples]
	}
	return s
}
