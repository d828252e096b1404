package patron

import (
	"fmt"
	"log/slog"
	"strings"

	"patron-tools/logging"
)

// ReloadColumnCount is the number of columns the vendor reload format has.
const ReloadColumnCount = 46

// Output columns with dedicated resolution rules.
const (
	OutInstitutionID = "institutionId"
	OutBarcode       = "barcode"
	OutIDAtSource    = "idAtSource"
	OutSourceSystem  = "sourceSystem"
	OutCanSelfEdit   = "canSelfEdit"
	OutIllID         = "illId"
	OutExpiration    = "oclcExpirationDate"
)

// ReloadMapping maps reload output columns to source columns. An empty source
// marks the column as excluded: it is always written blank. Output columns
// not listed here are also blank unless a computed rule fills them.
var ReloadMapping = map[string]string{
	"prefix":      "prefix",
	"givenName":   ColGivenName,
	"middleName":  "middleName",
	"familyName":  ColFamilyName,
	"suffix":      "suffix",
	"nickname":    "nickname",
	"dateOfBirth": "",
	"gender":      "",

	OutBarcode:             ColBarcode,
	OutIDAtSource:          ColIDAtSource,
	OutSourceSystem:        ColSourceSystem,
	"borrowerCategory":     ColBorrowerCategory,
	"circRegistrationDate": "",
	OutExpiration:          "",
	"homeBranch":           ColHomeBranch,

	"primaryStreetAddressLine1":   "",
	"primaryStreetAddressLine2":   "",
	"primaryCityOrLocality":       "",
	"primaryStateOrProvince":      "",
	"primaryPostalCode":           "",
	"primaryCountry":              "",
	"primaryPhone":                "",
	"secondaryStreetAddressLine1": "",
	"secondaryStreetAddressLine2": "",
	"secondaryCityOrLocality":     "",
	"secondaryStateOrProvince":    "",
	"secondaryPostalCode":         "",
	"secondaryCountry":            "",
	"secondaryPhone":              "",

	"emailAddress":          ColEmail,
	"mobilePhone":           "",
	"notificationEmail":     "",
	"notificationTextPhone": "",
	"patronNotes":           "",
	"photoURL":              "",
	"customdata1":           "",
	"customdata2":           "",
	"customdata3":           "",
	"customdata4":           "",
	"username":              ColUsername,

	OutIllID:            "",
	"illApprovalStatus": "",
	"illPatronType":     "",
	"illPickupLocation": "",
}

// ReloadOptions are the run-wide inputs of FormatReload.
type ReloadOptions struct {
	InstitutionID     string
	CanSelfEdit       bool
	UseExpirationDate bool
	ExpirationDate    string
	UseSourceValue    bool
	Logger            *slog.Logger
}

// FormatReload builds the reload table. Every column in columns is present in
// every row; values are resolved in this order: computed columns, derived
// idAtSource/sourceSystem values, the static mapping, then blank.
func FormatReload(r *Roster, columns []string, opts ReloadOptions) (*OutputTable, error) {
	if len(columns) != ReloadColumnCount {
		return nil, fmt.Errorf("%w: got %d reload columns, expected %d", ErrSchemaSize, len(columns), ReloadColumnCount)
	}
	logger := orDefault(opts.Logger)

	selfEditDefault := "false"
	if opts.CanSelfEdit {
		selfEditDefault = "true"
	}
	expiration := ""
	if opts.UseExpirationDate {
		expiration = strings.TrimSpace(opts.ExpirationDate)
		if expiration == "" {
			logger.Warn("expiration date requested but none configured; column left blank", "column", OutExpiration)
		}
	}

	out := &OutputTable{Header: append([]string(nil), columns...)}
	for _, p := range r.Patrons {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = resolveReload(r, p, col, opts, selfEditDefault, expiration)
		}
		out.Rows = append(out.Rows, row)
	}
	logger.Info("formatted reload rows", "rows", len(out.Rows), "columns", len(columns))
	return out, nil
}

func resolveReload(r *Roster, p *Patron, col string, opts ReloadOptions, selfEditDefault, expiration string) string {
	switch col {
	case OutInstitutionID:
		return opts.InstitutionID
	case OutCanSelfEdit:
		if r.HasCanSelfEdit && p.CanSelfEdit != "" {
			return p.CanSelfEdit
		}
		return selfEditDefault
	case OutIllID:
		if r.HasIllID {
			return p.IllID
		}
		return ""
	case OutExpiration:
		return expiration
	case OutIDAtSource:
		if r.HasMatchedEmail && p.MatchedEmail != "" {
			return p.MatchedEmail
		}
		if opts.UseSourceValue && r.Has(ColIDAtSource) {
			return p.IDAtSource
		}
		return ""
	case OutSourceSystem:
		if r.HasSourceSystemValue && p.SourceSystemValue != "" {
			return p.SourceSystemValue
		}
		if opts.UseSourceValue && r.Has(ColSourceSystem) {
			return p.SourceSystem
		}
		return ""
	}

	src, mapped := ReloadMapping[col]
	if !mapped || src == "" || !r.Has(src) {
		return ""
	}
	return p.Get(src)
}

// SetSourceSystem stamps a literal source-system value on every patron.
func SetSourceSystem(r *Roster, value string) *Roster {
	patrons := make([]*Patron, len(r.Patrons))
	for i, p := range r.Patrons {
		c := p.Clone()
		c.SourceSystemValue = value
		patrons[i] = c
	}
	out := r.withPatrons(patrons)
	out.HasSourceSystemValue = true
	return out
}

// ProcessSourceFields cleans pipe-delimited identity columns: idAtSource keeps
// its first segment and sourceSystem is replaced by the most common first
// segment across the roster.
func ProcessSourceFields(r *Roster, logger *slog.Logger) *Roster {
	logger = orDefault(logger)
	patrons := make([]*Patron, len(r.Patrons))
	for i, p := range r.Patrons {
		patrons[i] = p.Clone()
	}
	out := r.withPatrons(patrons)

	if r.Has(ColIDAtSource) {
		AnalyzePipePatterns(r, ColIDAtSource, logger)
		for _, p := range out.Patrons {
			seg := SplitSegments(p.IDAtSource, KeepFirst)
			if len(seg.Discarded) > 0 {
				logger.Debug("idAtSource segments discarded", "barcode", p.Barcode, "kept", seg.Value, "discarded", strings.Join(seg.Discarded, "|"))
			}
			p.IDAtSource = seg.Value
		}
	}
	if r.Has(ColSourceSystem) {
		AnalyzePipePatterns(r, ColSourceSystem, logger)
		common := MostCommonFirstSegment(r, ColSourceSystem)
		for _, p := range out.Patrons {
			p.SourceSystem = common
		}
		logger.Info("sourceSystem set to most common value", "value", common)
	}
	return out
}

// VerifySourceValueBanner reminds the operator to check pass-through identity
// values before uploading.
func VerifySourceValueBanner(logger *slog.Logger) {
	logging.Banner(logger, slog.LevelWarn, "IMPORTANT: VERIFY YOUR OUTPUT BEFORE UPLOADING",
		"Check these fields in your output file:",
		"  - idAtSource: verify IDs are current and correct",
		"  - sourceSystem: verify the system identifier is correct",
	)
}

// Columns every delete file must carry.
var requiredDeleteColumns = []string{OutInstitutionID, OutBarcode, OutSourceSystem, OutIDAtSource, OutIllID}

// DeleteOptions are the run-wide inputs of FormatDelete.
type DeleteOptions struct {
	InstitutionID  string
	BarcodeColumn  string
	SyncIllID      bool
	UseSourceValue bool
}

// FormatDelete builds the delete table for expired patrons.
func FormatDelete(patrons []*Patron, columns []string, opts DeleteOptions) (*OutputTable, error) {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[c] = true
	}
	var missing []string
	for _, c := range requiredDeleteColumns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: delete headers lack %s", ErrMissingColumn, strings.Join(missing, ", "))
	}

	barcodeCol := opts.BarcodeColumn
	if barcodeCol == "" {
		barcodeCol = ColBarcode
	}

	out := &OutputTable{Header: append([]string(nil), columns...)}
	for _, p := range patrons {
		barcode := strings.TrimSpace(p.Get(barcodeCol))
		row := make([]string, len(columns))
		for i, col := range columns {
			switch col {
			case OutInstitutionID:
				row[i] = opts.InstitutionID
			case OutBarcode:
				row[i] = barcode
			case OutIllID:
				if opts.SyncIllID {
					row[i] = barcode
				}
			case OutIDAtSource:
				if opts.UseSourceValue {
					row[i] = ExtractSegment(p.IDAtSource, KeepFirst)
				}
			case OutSourceSystem:
				if opts.UseSourceValue {
					row[i] = ExtractSegment(p.SourceSystem, KeepFirst)
				}
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}
