package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(MapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.SFTP.Port != 22 {
		t.Errorf("SFTP.Port = %d, want %d", cfg.SFTP.Port, 22)
	}
	if cfg.SFTP.Timeout != 30*time.Second {
		t.Errorf("SFTP.Timeout = %v, want %v", cfg.SFTP.Timeout, 30*time.Second)
	}
	if cfg.Barcode.SoftMaxChars != 20 {
		t.Errorf("Barcode.SoftMaxChars = %d, want %d", cfg.Barcode.SoftMaxChars, 20)
	}
	if cfg.Barcode.HardMaxBytes != 30 {
		t.Errorf("Barcode.HardMaxBytes = %d, want %d", cfg.Barcode.HardMaxBytes, 30)
	}
	if cfg.Logging.Dir != "logs" {
		t.Errorf("Logging.Dir = %q, want %q", cfg.Logging.Dir, "logs")
	}
	if !cfg.Ledger.Enabled() {
		t.Errorf("Ledger should be enabled by default")
	}
}

func TestLoad_OverrideDefaults(t *testing.T) {
	cfg, err := Load(MapLookup(map[string]string{
		"HOST_NAME":            "sftp.example.org",
		"HOST_PORT":            "2222",
		"SOFT_MAX_BARCODE_LEN": "14",
		"SFTP_TIMEOUT":         "1m30s",
		"LOG_LEVEL":            "debug",
		"LEDGER_PATH":          "off",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.SFTP.Addr(); got != "sftp.example.org:2222" {
		t.Errorf("SFTP.Addr() = %q, want %q", got, "sftp.example.org:2222")
	}
	if cfg.Barcode.SoftMaxChars != 14 {
		t.Errorf("Barcode.SoftMaxChars = %d, want %d", cfg.Barcode.SoftMaxChars, 14)
	}
	if cfg.SFTP.Timeout != 90*time.Second {
		t.Errorf("SFTP.Timeout = %v, want %v", cfg.SFTP.Timeout, 90*time.Second)
	}
	if cfg.Ledger.Enabled() {
		t.Errorf("Ledger should be disabled with LEDGER_PATH=off")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"HOST_PORT": "70000"}},
		{"non-numeric port", map[string]string{"HOST_PORT": "ssh"}},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad format", map[string]string{"LOG_FORMAT": "xml"}},
		{"bad fingerprint", map[string]string{"FINGERPRINT": "MD5:aa:bb"}},
		{"zero soft max", map[string]string{"SOFT_MAX_BARCODE_LEN": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(MapLookup(tt.env)); err == nil {
				t.Fatalf("Load() expected error for %v", tt.env)
			}
		})
	}
}

func TestExpirationDefault(t *testing.T) {
	tests := []struct {
		value  string
		want   string
		wantOK bool
	}{
		{"", "", false},
		{"IGNORE", "", false},
		{"ignore", "", false},
		{" 2026-06-30 ", "2026-06-30", true},
	}
	for _, tt := range tests {
		got, ok := ReloadConfig{ExpirationDate: tt.value}.ExpirationDefault()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ExpirationDefault(%q) = (%q, %v), want (%q, %v)", tt.value, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestSymbolFor(t *testing.T) {
	tests := map[string]string{
		"wx_acacl": "ACACL",
		"WX_KQY":   "KQY",
		"tdt":      "TDT",
		"a_b_cde":  "CDE",
	}
	for in, want := range tests {
		if got := SymbolFor(in); got != want {
			t.Errorf("SymbolFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLibrary(t *testing.T) {
	cfg, err := Load(MapLookup(map[string]string{"ACACL_INSTITUTION_ID": " 12345 "}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	lib, err := cfg.Library("wx_acacl")
	if err != nil {
		t.Fatalf("Library() error = %v", err)
	}
	if lib.Symbol != "ACACL" || lib.InstitutionID != "12345" {
		t.Errorf("Library() = %+v", lib)
	}

	_, err = cfg.Library("wx_kqy")
	if !errors.Is(err, ErrMissingInstitutionID) {
		t.Fatalf("Library(wx_kqy) error = %v, want ErrMissingInstitutionID", err)
	}
}

func TestCredentials(t *testing.T) {
	cfg, err := Load(MapLookup(map[string]string{
		"WX_TDT_USER": "tdt-user",
		"WX_TDT_PASS": "secret",
		"WX_KQY_USER": "kqy-user",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	creds, err := cfg.Credentials("wx_tdt")
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if creds.User != "tdt-user" || creds.Password != "secret" {
		t.Errorf("Credentials() = %+v", creds)
	}

	creds, err = cfg.Credentials("wx_kqy")
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("Credentials(wx_kqy) error = %v, want ErrMissingCredentials", err)
	}
	if creds.User != "kqy-user" {
		t.Errorf("user should still be populated, got %q", creds.User)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PATRON_TOOLS_TEST_KEY=from-file\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("PATRON_TOOLS_TEST_KEY", "")
	os.Unsetenv("PATRON_TOOLS_TEST_KEY")

	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if got := os.Getenv("PATRON_TOOLS_TEST_KEY"); got != "from-file" {
		t.Errorf("PATRON_TOOLS_TEST_KEY = %q, want %q", got, "from-file")
	}

	if err := LoadEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("LoadEnv() on missing file should be nil, got %v", err)
	}
}
