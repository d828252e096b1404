package patron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"patron-tools/config"
	"patron-tools/console"
	"patron-tools/ledger"
	"patron-tools/logging"
)

// Remote upload destinations.
const (
	ReloadRemoteDir     = "/xfer/wms/in/patron"
	ReloadTestRemoteDir = "/xfer/wms/test/in/patron"
	DeleteRemoteDir     = "/xfer/wms/in/pdelete"
	ReportsRemoteDir    = "/xfer/wms/reports"
)

// Session is an open connection to the vendor file server.
type Session interface {
	List(dir string) ([]string, error)
	Download(remoteDir, name, localDir string) (string, error)
	Upload(localPath, remoteDir string) (string, error)
	Close() error
}

// Connector opens a session for a library code.
type Connector func(ctx context.Context, libCode string) (Session, error)

// Recorder is the run ledger.
type Recorder interface {
	StartRun(ledger.Run) error
	FinishRun(id string, o ledger.Outcome) error
	RecordSkipped(runID string, skipped []ledger.SkippedPatron) error
}

// ConfirmFunc asks the operator to approve a destructive upload.
type ConfirmFunc func(console.Summary) (bool, error)

// Manager is a thin façade over the pipeline stages, keeping CLI code simple.
type Manager struct {
	cfg     *config.Config
	connect Connector
	ledger  Recorder
	logger  *slog.Logger
	now     func() time.Time
	confirm ConfirmFunc
}

// NewManager builds a Manager. connect may be nil for offline-only use and
// rec may be nil when no ledger is kept.
func NewManager(cfg *config.Config, connect Connector, rec Recorder, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		connect: connect,
		ledger:  rec,
		logger:  orDefault(logger),
		now:     time.Now,
		confirm: stdinConfirm,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetConfirm overrides the upload confirmation prompt.
func (m *Manager) SetConfirm(fn ConfirmFunc) { m.confirm = fn }

func stdinConfirm(s console.Summary) (bool, error) {
	console.PrintSummary(os.Stdout, s)
	return console.Confirm(os.Stdin, os.Stdout, "Type 'yes' to upload, 'no' to cancel:")
}

// ------------------ Reload ------------------

// ReloadRequest holds the options of one reload run.
type ReloadRequest struct {
	LibCode     string
	Offline     bool
	RemoteDir   string
	Pattern     string
	OutputDir   string
	HeadersFile string
	ProjectRoot string
	UpdatesFile string // overrides the search in ProjectRoot

	CanSelfEdit       bool
	Limits            BarcodeLimits
	SyncIllID         bool
	UseExpirationDate bool
	UseSourceValue    bool
	EmailDomains      []string
	SourceSystem      string
	DuplicateKeys     DuplicateKeyPolicy

	Upload     bool
	UploadTest bool
}

// ReloadResult describes a finished reload run.
type ReloadResult struct {
	RunID      string
	Symbol     string
	SourceFile string
	OutputFile string
	SkipReport string
	RemotePath string
	RowsIn     int
	RowsOut    int
	Skipped    int
	Preflight  PreflightReport
	Merge      MergeStats
}

// Reload runs the full reload pipeline: fetch, filter, validate, merge,
// format, write and optionally upload.
func (m *Manager) Reload(ctx context.Context, req ReloadRequest) (res *ReloadResult, err error) {
	res = &ReloadResult{RunID: uuid.NewString(), Symbol: config.SymbolFor(req.LibCode)}
	logger := m.logger.With("run", res.RunID)
	m.startRun(res.RunID, req.LibCode, res.Symbol, ledger.KindReload)
	defer func() {
		m.finishRun(res.RunID, ledger.Outcome{
			Symbol:     res.Symbol,
			SourceFile: res.SourceFile,
			OutputFile: res.OutputFile,
			RowsIn:     res.RowsIn,
			RowsOut:    res.RowsOut,
			Skipped:    res.Skipped,
			UploadedTo: res.RemotePath,
			Err:        err,
		})
	}()

	lib, err := m.cfg.Library(req.LibCode)
	if err != nil {
		return res, err
	}
	logger.Info("using institution id", "institution_id", lib.InstitutionID)

	headers, err := LoadHeaders(req.HeadersFile, ReloadColumnCount)
	if err != nil {
		return res, err
	}

	downloads := filepath.Join(req.OutputDir, "downloads")
	source, fileSymbol, err := m.acquireReloadFile(ctx, req, lib, downloads, logger)
	if err != nil {
		return res, err
	}
	res.SourceFile = source

	roster, err := LoadRoster(source, logger)
	if err != nil {
		return res, err
	}
	res.RowsIn = roster.Len()

	switch {
	case fileSymbol != "":
		res.Symbol = fileSymbol
	default:
		res.Symbol = DetectSymbol(roster)
		if res.Symbol == "" {
			res.Symbol = "UNK"
		}
	}

	var skipped []SkipRecord
	if len(req.EmailDomains) > 0 {
		logger.Info("email domain filtering enabled")
		fr, err := FilterPatrons(roster, FilterOptions{Domains: req.EmailDomains, Now: m.now, Logger: logger})
		if err != nil {
			return res, err
		}
		roster = fr.Kept
		skipped = fr.Skipped
		res.Skipped = len(skipped)
	}

	if req.SourceSystem != "" {
		logger.Info("setting sourceSystem", "value", req.SourceSystem)
		roster = SetSourceSystem(roster, req.SourceSystem)
	}

	overlay, err := m.loadOverlay(req, logger)
	if err != nil {
		return res, err
	}
	if u, ok := overlay.Get(); ok && u.Has(UpdNewBarcode) {
		var filtered *UpdateSet
		filtered, res.Preflight = ValidateNewBarcodes(u, roster.Barcodes(), req.Limits, logger)
		overlay = OverlayOf(filtered)
	}

	roster, res.Merge, err = ApplyUpdates(roster, overlay, MergeOptions{
		SyncIllID:     req.SyncIllID,
		DuplicateKeys: req.DuplicateKeys,
		Logger:        logger,
	})
	if err != nil {
		return res, err
	}

	// skipped patrons are only reported once the update file has been applied
	if len(skipped) > 0 {
		if res.SkipReport, err = WriteSkipReport(skipped, req.OutputDir, res.Symbol, m.now(), logger); err != nil {
			return res, fmt.Errorf("write skip report: %w", err)
		}
		m.recordSkipped(res.RunID, skipped)
	}

	if req.UseSourceValue {
		roster = ProcessSourceFields(roster, logger)
	}

	expiration, _ := m.cfg.Reload.ExpirationDefault()
	table, err := FormatReload(roster, headers, ReloadOptions{
		InstitutionID:     lib.InstitutionID,
		CanSelfEdit:       req.CanSelfEdit,
		UseExpirationDate: req.UseExpirationDate,
		ExpirationDate:    expiration,
		UseSourceValue:    req.UseSourceValue,
		Logger:            logger,
	})
	if err != nil {
		return res, err
	}

	out := filepath.Join(req.OutputDir, "reloads", ReloadFileName(res.Symbol, m.now()))
	if err := table.WriteFile(out); err != nil {
		return res, fmt.Errorf("write reload file: %w", err)
	}
	res.OutputFile = out
	res.RowsOut = len(table.Rows)
	logger.Info("wrote reload file", "path", out, "rows", res.RowsOut)

	if req.UseSourceValue {
		VerifySourceValueBanner(logger)
	}

	if req.Upload || req.UploadTest {
		dest, env := ReloadRemoteDir, "PRODUCTION"
		if req.UploadTest {
			dest, env = ReloadTestRemoteDir, "TEST"
		}
		logging.Banner(logger, slog.LevelWarn, "UPLOADING TO "+env+" ENVIRONMENT", "Path: "+dest)
		if res.RemotePath, err = m.upload(ctx, req.LibCode, out, dest); err != nil {
			return res, err
		}
		logger.Info("uploaded successfully", "remote", res.RemotePath)
	}
	return res, nil
}

func (m *Manager) acquireReloadFile(ctx context.Context, req ReloadRequest, lib config.Library, downloads string, logger *slog.Logger) (path, symbol string, err error) {
	if req.Offline {
		logger.Info("offline mode: looking for existing file", "dir", downloads)
		path, err = FindLocalPatronFile(downloads, lib.Symbol)
		if err != nil {
			return "", "", err
		}
		logger.Info("using existing file", "path", path)
		return path, lib.Symbol, nil
	}

	pattern := req.Pattern
	if pattern == "" {
		pattern = DefaultPatronPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", "", fmt.Errorf("invalid --pattern: %w", err)
	}
	remoteDir := orString(req.RemoteDir, ReportsRemoteDir)

	err = m.withSession(ctx, req.LibCode, func(s Session) error {
		files, err := s.List(remoteDir)
		if err != nil {
			return err
		}
		name, sym, perr := PickLatest(files, re)
		if perr == nil {
			if path, err = s.Download(remoteDir, name, downloads); err == nil {
				symbol = sym
				return nil
			}
			perr = err
		}
		logger.Warn("failed with configured pattern; trying .txt then .csv", "error", perr)

		for _, ext := range []string{"txt", "csv"} {
			alt := regexp.MustCompile(WithExtension(DefaultPatronPattern, ext))
			name, sym, err := PickLatest(files, alt)
			if err != nil {
				logger.Warn("no matching files", "extension", ext)
				continue
			}
			p, err := s.Download(remoteDir, name, downloads)
			if err != nil {
				logger.Warn("download failed", "file", name, "error", err)
				continue
			}
			path, symbol = p, sym
			logger.Info("downloaded patron file", "file", name, "extension", ext)
			return nil
		}
		return fmt.Errorf("%w: could not download a patron file with any extension (.txt, .csv)", ErrNoPatronFile)
	})
	return path, symbol, err
}

func (m *Manager) loadOverlay(req ReloadRequest, logger *slog.Logger) (Overlay, error) {
	if req.UpdatesFile == "" {
		return FindUpdates(req.ProjectRoot, logger)
	}
	if _, err := os.Stat(req.UpdatesFile); errors.Is(err, os.ErrNotExist) {
		logger.Warn("update file not found; all rows load unchanged", "path", req.UpdatesFile)
		return NoOverlay(), nil
	}
	u, err := LoadUpdates(req.UpdatesFile)
	if err != nil {
		return NoOverlay(), err
	}
	if u.BlankKeys > 0 {
		logger.Warn("ignoring update rows without an old barcode", "count", u.BlankKeys)
	}
	return OverlayOf(u), nil
}

// ------------------ Delete ------------------

// DeleteRequest holds the options of one delete-file run.
type DeleteRequest struct {
	LibCode          string
	Offline          bool
	RemoteDir        string
	OutputDir        string
	HeadersFile      string
	BarcodeColumn    string
	ExpirationColumn string
	ExpirationDate   string // cutoff; empty means today
	SyncIllID        bool
	UseSourceValue   bool
	Upload           bool
	AssumeYes        bool
}

// DeleteResult describes a finished delete run.
type DeleteResult struct {
	RunID      string
	Symbol     string
	Cutoff     time.Time
	SourceFile string
	OutputFile string
	RemotePath string
	RowsIn     int
	Expired    int
	Cancelled  bool
}

// Delete builds the delete file for patrons expired before the cutoff and
// optionally uploads it after confirmation.
func (m *Manager) Delete(ctx context.Context, req DeleteRequest) (res *DeleteResult, err error) {
	res = &DeleteResult{RunID: uuid.NewString(), Symbol: config.SymbolFor(req.LibCode)}
	logger := m.logger.With("run", res.RunID)
	m.startRun(res.RunID, req.LibCode, res.Symbol, ledger.KindDelete)
	defer func() {
		o := ledger.Outcome{
			SourceFile: res.SourceFile,
			OutputFile: res.OutputFile,
			RowsIn:     res.RowsIn,
			RowsOut:    res.Expired,
			UploadedTo: res.RemotePath,
			Err:        err,
		}
		if res.Cancelled && err == nil {
			o.Status = ledger.StatusCancelled
		}
		m.finishRun(res.RunID, o)
	}()

	cutoff, ok := ParseCutoff(req.ExpirationDate, m.now())
	if !ok {
		return res, fmt.Errorf("invalid expiration date %q (use YYYY-MM-DD)", req.ExpirationDate)
	}
	res.Cutoff = cutoff
	logger.Info("expiration cutoff", "date", cutoff.Format("2006-01-02"), "custom", req.ExpirationDate != "")

	lib, err := m.cfg.Library(req.LibCode)
	if err != nil {
		return res, err
	}
	logger.Info("institution id", "institution_id", lib.InstitutionID)

	headers, err := LoadHeaders(req.HeadersFile, 0)
	if err != nil {
		return res, err
	}

	downloads := filepath.Join(req.OutputDir, "downloads")
	if req.Offline {
		res.SourceFile, err = FindLocalPatronFile(downloads, lib.Symbol)
	} else {
		res.SourceFile, err = m.downloadLatest(ctx, req.LibCode, orString(req.RemoteDir, ReportsRemoteDir), SymbolPattern(lib.Symbol, "txt"), downloads)
	}
	if err != nil {
		return res, err
	}

	roster, err := LoadRoster(res.SourceFile, logger)
	if err != nil {
		return res, err
	}
	res.RowsIn = roster.Len()

	barcodeCol := orString(req.BarcodeColumn, ColBarcode)
	expired, err := ExpiredPatrons(roster, barcodeCol, orString(req.ExpirationColumn, ColExpirationDate), cutoff, logger)
	if err != nil {
		return res, err
	}
	res.Expired = len(expired)

	table, err := FormatDelete(expired, headers, DeleteOptions{
		InstitutionID:  lib.InstitutionID,
		BarcodeColumn:  barcodeCol,
		SyncIllID:      req.SyncIllID,
		UseSourceValue: req.UseSourceValue,
	})
	if err != nil {
		return res, err
	}

	out := filepath.Join(req.OutputDir, "deletes", DeleteFileName(lib.Symbol, cutoff))
	if err := table.WriteFile(out); err != nil {
		return res, fmt.Errorf("write delete file: %w", err)
	}
	res.OutputFile = out
	logger.Info("delete file created", "path", out, "rows", res.Expired)

	if !req.Upload {
		logger.Info("no upload requested (use --upload to upload)")
		return res, nil
	}

	if !req.AssumeYes {
		info, err := os.Stat(out)
		if err != nil {
			return res, err
		}
		ok, err := m.confirm(console.Summary{
			Title:       "UPLOAD CONFIRMATION REQUIRED",
			File:        filepath.Base(out),
			Location:    out,
			SizeBytes:   info.Size(),
			Records:     res.Expired,
			Destination: DeleteRemoteDir + "/",
			Warning:     "This will PERMANENTLY DELETE patron records!",
		})
		if err != nil {
			return res, err
		}
		if !ok {
			res.Cancelled = true
			logger.Info("upload cancelled by user")
			return res, nil
		}
	}

	if res.RemotePath, err = m.upload(ctx, req.LibCode, out, DeleteRemoteDir); err != nil {
		return res, err
	}
	logger.Info("upload completed successfully", "remote", res.RemotePath)
	return res, nil
}

// ------------------ Fetch ------------------

// FetchRequest selects vendor reports to download.
type FetchRequest struct {
	LibCode    string
	Kind       ReportKind
	Since      time.Time
	Recent     int
	RemoteDir  string
	ReportsDir string // local base, files land in <ReportsDir>/<SYM>/<kind>/
}

// FetchResult lists the local paths of fetched (or cached) reports.
type FetchResult struct {
	RunID  string
	Symbol string
	Files  []string
}

// Fetch downloads the selected reports, oldest first.
func (m *Manager) Fetch(ctx context.Context, req FetchRequest) (res *FetchResult, err error) {
	res = &FetchResult{RunID: uuid.NewString(), Symbol: config.SymbolFor(req.LibCode)}
	logger := m.logger.With("run", res.RunID)
	m.startRun(res.RunID, req.LibCode, res.Symbol, ledger.KindFetch)
	defer func() {
		m.finishRun(res.RunID, ledger.Outcome{RowsOut: len(res.Files), Err: err})
	}()

	localDir := filepath.Join(orString(req.ReportsDir, "reports"), res.Symbol, string(req.Kind))
	remoteDir := orString(req.RemoteDir, ReportsRemoteDir)

	err = m.withSession(ctx, req.LibCode, func(s Session) error {
		all, err := s.List(remoteDir)
		if err != nil {
			return err
		}
		selected := SelectReports(all, res.Symbol, req.Kind, req.Since, req.Recent)
		logger.Info("reports selected", "kind", req.Kind, "matched", len(selected), "listed", len(all))
		for _, name := range selected {
			p, err := s.Download(remoteDir, name, localDir)
			if err != nil {
				return err
			}
			res.Files = append(res.Files, p)
		}
		return nil
	})
	return res, err
}

// ------------------ helpers ------------------

func (m *Manager) withSession(ctx context.Context, libCode string, fn func(Session) error) error {
	if m.connect == nil {
		return errors.New("no remote connection configured")
	}
	s, err := m.connect(ctx, libCode)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (m *Manager) downloadLatest(ctx context.Context, libCode, remoteDir string, re *regexp.Regexp, localDir string) (string, error) {
	var path string
	err := m.withSession(ctx, libCode, func(s Session) error {
		m.logger.Info("searching for files", "dir", remoteDir)
		files, err := s.List(remoteDir)
		if err != nil {
			return err
		}
		name, _, err := PickLatest(files, re)
		if err != nil {
			return err
		}
		m.logger.Info("found latest file", "file", name)
		path, err = s.Download(remoteDir, name, localDir)
		return err
	})
	return path, err
}

func (m *Manager) upload(ctx context.Context, libCode, local, remoteDir string) (string, error) {
	var remote string
	err := m.withSession(ctx, libCode, func(s Session) error {
		var err error
		remote, err = s.Upload(local, remoteDir)
		return err
	})
	return remote, err
}

func (m *Manager) startRun(id, libCode, symbol, kind string) {
	if m.ledger == nil {
		return
	}
	err := m.ledger.StartRun(ledger.Run{ID: id, LibCode: libCode, Symbol: symbol, Kind: kind, StartedAt: m.now()})
	if err != nil {
		m.logger.Warn("ledger: could not record run start", "error", err)
	}
}

func (m *Manager) finishRun(id string, o ledger.Outcome) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.FinishRun(id, o); err != nil {
		m.logger.Warn("ledger: could not record run outcome", "error", err)
	}
}

func (m *Manager) recordSkipped(runID string, skipped []SkipRecord) {
	if m.ledger == nil || len(skipped) == 0 {
		return
	}
	rows := make([]ledger.SkippedPatron, len(skipped))
	for i, s := range skipped {
		rows[i] = ledger.SkippedPatron{
			RunID:      runID,
			Barcode:    s.Barcode,
			FamilyName: s.FamilyName,
			GivenName:  s.GivenName,
			Email:      s.Email,
			Reason:     s.Reason,
		}
	}
	if err := m.ledger.RecordSkipped(runID, rows); err != nil {
		m.logger.Warn("ledger: could not record skipped patrons", "error", err)
	}
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
