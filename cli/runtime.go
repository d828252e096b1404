// Package cli holds the start-up wiring shared by the command binaries:
// .env loading, configuration, the run log, the ledger and the SFTP connector.
package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"patron-tools/config"
	"patron-tools/ledger"
	"patron-tools/logging"
	"patron-tools/patron"
	"patron-tools/transfer"
)

// Runtime is everything a command needs after start-up.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger
	Ledger *ledger.Database // nil when disabled or unavailable

	logFile *os.File
}

// Bootstrap loads .env and the environment, then opens the dated run log
// <LOG_DIR>/<logPrefix>_<mmddyy>.log and the ledger.
func Bootstrap(logPrefix string) (*Runtime, error) {
	if err := config.LoadEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg}
	f, logErr := logging.OpenRunLog(cfg.Logging.Dir, logPrefix, time.Now())
	if logErr == nil {
		rt.logFile = f
		rt.Logger = logging.Setup(cfg.Logging.Level, cfg.Logging.Format, f)
		rt.Logger.Info("logging to file", "path", f.Name())
	} else {
		rt.Logger = logging.Setup(cfg.Logging.Level, cfg.Logging.Format, nil)
		rt.Logger.Warn("run log unavailable; console only", "error", logErr)
	}
	rt.Logger.Debug("configuration", "config", cfg.String())

	if cfg.Ledger.Enabled() {
		db, err := ledger.NewDatabase(cfg.Ledger.Path)
		if err != nil {
			rt.Logger.Warn("run ledger unavailable; continuing without it", "path", cfg.Ledger.Path, "error", err)
		} else {
			rt.Ledger = db
		}
	}
	return rt, nil
}

// Close logs err (if any) while the run log is still open, then releases the
// ledger and the run log and points the default logger back at the console.
// The returned error is err marked as already logged, so Exit does not repeat it.
func (rt *Runtime) Close(err error) error {
	if err != nil {
		rt.Logger.Error("fatal", "error", err)
		err = loggedError{err}
	}
	if rt.Ledger != nil {
		rt.Ledger.Close()
		rt.Ledger = nil
	}
	if rt.logFile != nil {
		rt.logFile.Close()
		rt.logFile = nil
		rt.Logger = logging.Setup(rt.Config.Logging.Level, rt.Config.Logging.Format, nil)
	}
	return err
}

// loggedError wraps an error that has already been written to the run log.
type loggedError struct{ error }

func (e loggedError) Unwrap() error { return e.error }

// Connect dials the vendor server for libCode and hooks downloads into the ledger.
func (rt *Runtime) Connect(ctx context.Context, libCode string) (*transfer.Client, error) {
	c, err := transfer.Connect(ctx, rt.Config, libCode, rt.Logger)
	if err != nil {
		return nil, err
	}
	if rt.Ledger != nil {
		c.SetRecorder(rt.Ledger)
	}
	return c, nil
}

// Manager builds the pipeline façade over this runtime.
func (rt *Runtime) Manager() *patron.Manager {
	connect := func(ctx context.Context, libCode string) (patron.Session, error) {
		c, err := rt.Connect(ctx, libCode)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	var rec patron.Recorder
	if rt.Ledger != nil {
		rec = rt.Ledger
	}
	return patron.NewManager(rt.Config, connect, rec, rt.Logger)
}

// Exit logs err (unless Close already did) and terminates with status 1.
func Exit(err error) {
	if err == nil {
		return
	}
	var logged loggedError
	if !errors.As(err, &logged) {
		slog.Error("fatal", "error", err)
	}
	os.Exit(1)
}
