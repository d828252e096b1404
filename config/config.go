// Package config assembles the run configuration once at startup from the
// process environment (optionally seeded from a .env file). Components never
// read the environment themselves; they receive a *Config or the values derived
// from it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMissingInstitutionID is returned when <SYMBOL>_INSTITUTION_ID is unset.
	ErrMissingInstitutionID = errors.New("institution id not configured")

	// ErrMissingCredentials is returned when <LIBCODE>_USER or <LIBCODE>_PASS is unset.
	ErrMissingCredentials = errors.New("sftp credentials not configured")
)

// Config holds all settings shared by the binaries.
type Config struct {
	SFTP    SFTPConfig
	Barcode BarcodeConfig
	Reload  ReloadConfig
	Logging LoggingConfig
	Ledger  LedgerConfig

	lookup LookupFunc
}

// SFTPConfig holds the vendor transfer endpoint settings.
type SFTPConfig struct {
	// Host is the SFTP server name
	Host string `env:"HOST_NAME"`

	// Port is the SSH port (default: 22)
	Port int `env:"HOST_PORT" default:"22"`

	// Fingerprint is the expected SHA256 host key fingerprint ("SHA256:...")
	Fingerprint string `env:"FINGERPRINT"`

	// Timeout bounds the TCP connect and SSH handshake (default: 30s)
	Timeout time.Duration `env:"SFTP_TIMEOUT" default:"30s"`
}

// BarcodeConfig holds the preflight thresholds for new barcodes.
type BarcodeConfig struct {
	// SoftMaxChars warns when a new barcode is longer than this many characters (default: 20)
	SoftMaxChars int `env:"SOFT_MAX_BARCODE_LEN" default:"20"`

	// HardMaxBytes warns when a new barcode is longer than this many UTF-8 bytes (default: 30)
	HardMaxBytes int `env:"HARD_MAX_BARCODE_BYTES" default:"30"`
}

// ReloadConfig holds reload-only settings.
type ReloadConfig struct {
	// ExpirationDate is written to oclcExpirationDate when enabled on the command line.
	// Empty or IGNORE means unset.
	ExpirationDate string `env:"EXPIRATION_DATE"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// Dir is where dated run logs are written (default: logs)
	Dir string `env:"LOG_DIR" default:"logs"`
}

// LedgerConfig holds the run ledger location.
type LedgerConfig struct {
	// Path is the SQLite file; "off" disables the ledger (default: patrons/ledger.db)
	Path string `env:"LEDGER_PATH" default:"patrons/ledger.db"`
}

// Addr returns the SFTP server address in host:port format.
func (c SFTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExpirationDefault returns the configured expiration date and whether one is set.
func (c ReloadConfig) ExpirationDefault() (string, bool) {
	v := strings.TrimSpace(c.ExpirationDate)
	if v == "" || strings.EqualFold(v, "IGNORE") {
		return "", false
	}
	return v, true
}

// Enabled reports whether runs should be recorded.
func (c LedgerConfig) Enabled() bool {
	p := strings.TrimSpace(c.Path)
	return p != "" && !strings.EqualFold(p, "off")
}

// Library holds the per-library values derived from a library code.
type Library struct {
	Code          string // operator-supplied, e.g. wx_acacl
	Symbol        string // ACACL
	InstitutionID string
}

// Credentials is an SFTP username/password pair.
type Credentials struct {
	User     string
	Password string
}

// SymbolFor derives the report symbol from a library code: the last
// underscore-separated segment, upper-cased.
func SymbolFor(libCode string) string {
	parts := strings.Split(strings.TrimSpace(libCode), "_")
	return strings.ToUpper(parts[len(parts)-1])
}

// Library resolves the per-library settings for libCode.
// The institution id is required for every output file.
func (c *Config) Library(libCode string) (Library, error) {
	lib := Library{Code: libCode, Symbol: SymbolFor(libCode)}
	key := lib.Symbol + "_INSTITUTION_ID"
	id := strings.TrimSpace(c.get(key))
	if id == "" {
		return lib, fmt.Errorf("%w: set %s in .env (e.g. %s=12345)", ErrMissingInstitutionID, key, key)
	}
	lib.InstitutionID = id
	return lib, nil
}

// Credentials returns <LIBCODE>_USER / <LIBCODE>_PASS. A missing password is
// reported with the user still populated so callers can prompt for it.
func (c *Config) Credentials(libCode string) (Credentials, error) {
	key := strings.ToUpper(strings.TrimSpace(libCode))
	creds := Credentials{
		User:     c.get(key + "_USER"),
		Password: c.get(key + "_PASS"),
	}
	if creds.User == "" || creds.Password == "" {
		return creds, fmt.Errorf("%w for %s: set %s_USER and %s_PASS in .env", ErrMissingCredentials, libCode, key, key)
	}
	return creds, nil
}

func (c *Config) get(key string) string {
	if c.lookup == nil {
		return ""
	}
	v, _ := c.lookup(key)
	return v
}
