package patron

import "errors"

// Well-known columns of the vendor patron export.
const (
	ColBarcode          = "Patron_Barcode"
	ColFamilyName       = "Patron_Family_Name"
	ColGivenName        = "Patron_Given_Name"
	ColEmail            = "Patron_Email_Address"
	ColUsername         = "Patron_Username"
	ColBorrowerCategory = "Patron_Borrower_Category"
	ColHomeBranch       = "Patron_Home_Branch_ID"
	ColExpirationDate   = "Patron_Expiration_Date"
	ColSourceSystem     = "Patron_Source_System"
	ColIDAtSource       = "Patron_User_ID_At_Source"
	ColInstSymbol       = "inst_symbol"
)

// Columns of the update (overlay) file.
const (
	UpdOldBarcode       = "patron_barcode_old"
	UpdNewBarcode       = "patron_barcode_new"
	UpdFamilyName       = "familyName"
	UpdGivenName        = "givenName"
	UpdBorrowerCategory = "borrowerCategory"
	UpdHomeBranch       = "homeBranch"
	UpdEmailAddress     = "emailAddress"
	UpdUsername         = "username"
	UpdIllID            = "illId"
	UpdCanSelfEdit      = "canSelfEdit"
)

var (
	// ErrNoEligiblePatrons aborts a run when filtering leaves nobody to reload.
	ErrNoEligiblePatrons = errors.New("no patrons matched the email domain criteria")

	// ErrSchemaSize is returned when a headers file has the wrong column count.
	ErrSchemaSize = errors.New("unexpected header count")

	// ErrMissingColumn is returned when a required column is absent.
	ErrMissingColumn = errors.New("required column not found")

	// ErrDuplicateUpdateKey is returned when the update file repeats an old
	// barcode and fan-out has been disabled.
	ErrDuplicateUpdateKey = errors.New("duplicate patron_barcode_old in update file")

	// ErrNoPatronFile is returned when no full patron report can be located.
	ErrNoPatronFile = errors.New("no matching full patron file found")
)

// Patron is one row of the incoming export. The well-known columns are typed
// fields; anything else the vendor sends lands in Extra so schema drift never
// loses data.
type Patron struct {
	Barcode          string
	FamilyName       string
	GivenName        string
	Email            string
	Username         string
	BorrowerCategory string
	HomeBranch       string
	ExpirationDate   string
	SourceSystem     string
	IDAtSource       string
	InstSymbol       string

	Extra map[string]string

	// Derived while the run progresses.
	MatchedEmail      string
	SourceSystemValue string
	CanSelfEdit       string // "", "true" or "false"
	IllID             string
}

// Roster is the patron table for one run: the source column order plus the
// rows, and which derived attributes have been introduced so far.
type Roster struct {
	Columns []string
	Patrons []*Patron

	HasMatchedEmail      bool
	HasSourceSystemValue bool
	HasCanSelfEdit       bool
	HasIllID             bool
}

// UpdateRecord is one row of the overlay file keyed by the old barcode.
type UpdateRecord struct {
	OldBarcode string
	NewBarcode string
	Fields     map[string]string // every other column, trimmed
}

// UpdateSet is the loaded overlay file.
type UpdateSet struct {
	Source  string
	Columns []string
	Records []UpdateRecord

	BlankKeys int // rows dropped for an empty patron_barcode_old
}

// SkipRecord describes a patron dropped by the filter engine.
type SkipRecord struct {
	Barcode    string
	FamilyName string
	GivenName  string
	Email      string
	Reason     string
}

// OutputTable is a fixed-schema, all-string table ready to be written.
type OutputTable struct {
	Header []string
	Rows   [][]string
}
