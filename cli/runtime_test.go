package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"patron-tools/config"
	"patron-tools/ledger"
	"patron-tools/patron"
)

// bootstrap runs Bootstrap against temp dirs and restores the default logger.
func bootstrap(t *testing.T, ledgerPath string) (*Runtime, string) {
	t.Helper()
	logDir := filepath.Join(t.TempDir(), "logs")
	t.Setenv("LOG_DIR", logDir)
	t.Setenv("LEDGER_PATH", ledgerPath)
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_LEVEL", "info")

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	rt, err := Bootstrap("ZZTpatronreload")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	t.Cleanup(func() { rt.Close(nil) })
	return rt, logDir
}

func TestBootstrapOpensRunLogAndLedger(t *testing.T) {
	rt, logDir := bootstrap(t, filepath.Join(t.TempDir(), "ledger.db"))

	if rt.Ledger == nil {
		t.Fatal("ledger not opened")
	}
	want := filepath.Join(logDir, "ZZTpatronreload_"+time.Now().Format("010206")+".log")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("run log: %v", err)
	}
}

func TestCloseWritesFatalErrorToRunLog(t *testing.T) {
	rt, logDir := bootstrap(t, "off")
	cause := fmt.Errorf("%w: set ZZT_INSTITUTION_ID in .env", config.ErrMissingInstitutionID)

	err := rt.Close(cause)
	if !errors.Is(err, config.ErrMissingInstitutionID) {
		t.Fatalf("Close = %v, want the original error", err)
	}
	var logged loggedError
	if !errors.As(err, &logged) {
		t.Error("error not marked as logged; Exit would log it twice")
	}

	data, readErr := os.ReadFile(filepath.Join(logDir, "ZZTpatronreload_"+time.Now().Format("010206")+".log"))
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !strings.Contains(string(data), "level=ERROR msg=fatal") || !strings.Contains(string(data), "ZZT_INSTITUTION_ID") {
		t.Errorf("run log missing the fatal error:\n%s", data)
	}

	if rt.Close(nil) != nil {
		t.Error("second Close returned an error")
	}
}

func TestBootstrapLedgerOff(t *testing.T) {
	rt, _ := bootstrap(t, "off")
	if rt.Ledger != nil {
		t.Error("ledger opened although LEDGER_PATH=off")
	}
	if rt.Manager() == nil {
		t.Error("Manager() = nil")
	}
}

func TestManagerRecordsConnectFailure(t *testing.T) {
	rt, _ := bootstrap(t, filepath.Join(t.TempDir(), "ledger.db"))
	t.Setenv("WX_ZZT_USER", "")
	t.Setenv("WX_ZZT_PASS", "")

	res, err := rt.Manager().Fetch(context.Background(), patron.FetchRequest{
		LibCode:    "wx_zzt",
		Kind:       patron.KindItems,
		ReportsDir: t.TempDir(),
	})
	if !errors.Is(err, config.ErrMissingCredentials) {
		t.Fatalf("want ErrMissingCredentials, got %v", err)
	}

	run, err := rt.Ledger.GetRun(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Kind != ledger.KindFetch || run.Status != ledger.StatusFailed {
		t.Errorf("run = %s/%s, want fetch/failed", run.Kind, run.Status)
	}
}
