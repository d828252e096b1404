package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Database provides high-level helpers around a SQLite connection.
type Database struct {
	db *sql.DB

	startRunStmt    *sql.Stmt
	addSkippedStmt  *sql.Stmt
	addDownloadStmt *sql.Stmt
}

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{db: db}
	if err := database.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	for _, s := range []*sql.Stmt{d.startRunStmt, d.addSkippedStmt, d.addDownloadStmt} {
		if s != nil {
			s.Close()
		}
	}
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	// WAL lets a history query run while another tool is writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            lib_code TEXT NOT NULL,
            symbol TEXT NOT NULL DEFAULT '',
            kind TEXT NOT NULL,
            source_file TEXT NOT NULL DEFAULT '',
            output_file TEXT NOT NULL DEFAULT '',
            rows_in INTEGER NOT NULL DEFAULT 0,
            rows_out INTEGER NOT NULL DEFAULT 0,
            skipped INTEGER NOT NULL DEFAULT 0,
            uploaded_to TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            error TEXT NOT NULL DEFAULT '',
            started_at DATETIME NOT NULL,
            finished_at DATETIME
        );`,
		`CREATE INDEX IF NOT EXISTS idx_runs_lib ON runs(lib_code, started_at);`,
		`CREATE TABLE IF NOT EXISTS skipped_patrons (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL REFERENCES runs(id),
            barcode TEXT NOT NULL,
            family_name TEXT NOT NULL DEFAULT '',
            given_name TEXT NOT NULL DEFAULT '',
            email TEXT NOT NULL DEFAULT '',
            reason TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_skipped_barcode ON skipped_patrons(barcode);`,
		`CREATE TABLE IF NOT EXISTS downloads (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            remote_path TEXT NOT NULL,
            local_path TEXT NOT NULL,
            size_bytes INTEGER NOT NULL,
            cached BOOLEAN NOT NULL DEFAULT 0,
            downloaded_at DATETIME NOT NULL
        );`,
		`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`,
	}

	for _, stmt := range stmts {
		args := []any{}
		if strings.Contains(stmt, "?") {
			args = append(args, schemaVersion)
		}
		if _, err := tx.Exec(stmt, args...); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.startRunStmt, err = d.db.Prepare(`INSERT INTO runs(id,lib_code,symbol,kind,source_file,status,started_at) VALUES(?,?,?,?,?,?,?)`); err != nil {
		return err
	}
	if d.addSkippedStmt, err = d.db.Prepare(`INSERT INTO skipped_patrons(run_id,barcode,family_name,given_name,email,reason) VALUES(?,?,?,?,?,?)`); err != nil {
		return err
	}
	if d.addDownloadStmt, err = d.db.Prepare(`INSERT INTO downloads(remote_path,local_path,size_bytes,cached,downloaded_at) VALUES(?,?,?,?,?)`); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// StartRun inserts r with status running.
func (d *Database) StartRun(r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := d.startRunStmt.Exec(r.ID, r.LibCode, r.Symbol, r.Kind, r.SourceFile, StatusRunning, r.StartedAt.UTC())
	return err
}

// FinishRun stores the outcome of run id.
func (d *Database) FinishRun(id string, o Outcome) error {
	status := o.Status
	if status == "" {
		status = StatusSucceeded
		if o.Err != nil {
			status = StatusFailed
		}
	}
	errText := ""
	if o.Err != nil {
		errText = o.Err.Error()
	}

	res, err := d.db.Exec(`UPDATE runs SET
            symbol=CASE WHEN ?='' THEN symbol ELSE ? END,
            source_file=CASE WHEN ?='' THEN source_file ELSE ? END,
            output_file=?, rows_in=?, rows_out=?, skipped=?, uploaded_to=?,
            status=?, error=?, finished_at=?
        WHERE id=?`,
		o.Symbol, o.Symbol, o.SourceFile, o.SourceFile,
		o.OutputFile, o.RowsIn, o.RowsOut, o.Skipped, o.UploadedTo,
		status, errText, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// GetRun fetches a single run.
func (d *Database) GetRun(id string) (*Run, error) {
	row := d.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns the most recent runs, newest first. An empty libCode lists
// every library; limit <= 0 means no limit.
func (d *Database) ListRuns(libCode string, limit int) ([]*Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if libCode != "" {
		q += ` WHERE lib_code=?`
		args = append(args, libCode)
	}
	q += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const runColumns = `id,lib_code,symbol,kind,source_file,output_file,rows_in,rows_out,skipped,uploaded_to,status,error,started_at,finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var finished sql.NullTime
	if err := s.Scan(&r.ID, &r.LibCode, &r.Symbol, &r.Kind, &r.SourceFile, &r.OutputFile,
		&r.RowsIn, &r.RowsOut, &r.Skipped, &r.UploadedTo, &r.Status, &r.Error,
		&r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// Skipped patrons
// ---------------------------------------------------------------------------

// RecordSkipped stores the skipped patrons of a run in one transaction.
func (d *Database) RecordSkipped(runID string, skipped []SkippedPatron) error {
	if len(skipped) == 0 {
		return nil
	}
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt := tx.Stmt(d.addSkippedStmt)
	defer stmt.Close()
	for _, s := range skipped {
		if _, err := stmt.Exec(runID, s.Barcode, s.FamilyName, s.GivenName, s.Email, s.Reason); err != nil {
			return fmt.Errorf("record skipped %s: %w", s.Barcode, err)
		}
	}
	return tx.Commit()
}

// SkippedForRun returns the patrons skipped by one run.
func (d *Database) SkippedForRun(runID string) ([]SkippedPatron, error) {
	return d.querySkipped(`SELECT run_id,barcode,family_name,given_name,email,reason FROM skipped_patrons WHERE run_id=? ORDER BY id`, runID)
}

// SkipHistory returns every time barcode was skipped, newest run first.
func (d *Database) SkipHistory(barcode string) ([]SkippedPatron, error) {
	if strings.TrimSpace(barcode) == "" {
		return []SkippedPatron{}, nil
	}
	return d.querySkipped(`
        SELECT s.run_id, s.barcode, s.family_name, s.given_name, s.email, s.reason
        FROM skipped_patrons s
        JOIN runs r ON r.id = s.run_id
        WHERE s.barcode = ?
        ORDER BY r.started_at DESC, s.id DESC`, strings.TrimSpace(barcode))
}

func (d *Database) querySkipped(q string, args ...any) ([]SkippedPatron, error) {
	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SkippedPatron
	for rows.Next() {
		var s SkippedPatron
		if err := rows.Scan(&s.RunID, &s.Barcode, &s.FamilyName, &s.GivenName, &s.Email, &s.Reason); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Downloads
// ---------------------------------------------------------------------------

// RecordDownload stores a fetched or cache-hit remote file.
func (d *Database) RecordDownload(dl Download) error {
	if dl.At.IsZero() {
		dl.At = time.Now()
	}
	_, err := d.addDownloadStmt.Exec(dl.RemotePath, dl.LocalPath, dl.SizeBytes, dl.Cached, dl.At.UTC())
	return err
}

// RecentDownloads returns the latest downloads, newest first.
func (d *Database) RecentDownloads(limit int) ([]Download, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.Query(`SELECT remote_path,local_path,size_bytes,cached,downloaded_at FROM downloads ORDER BY downloaded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Download
	for rows.Next() {
		var dl Download
		if err := rows.Scan(&dl.RemotePath, &dl.LocalPath, &dl.SizeBytes, &dl.Cached, &dl.At); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
