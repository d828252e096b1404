package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	"patron-tools/config"
)

// Fingerprint returns the SHA256 fingerprint of a host key ("SHA256:...").
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// FingerprintsEqual compares two SHA256 fingerprints, ignoring base64 padding
// so values copied from other tools still match.
func FingerprintsEqual(a, b string) bool {
	norm := func(s string) string { return strings.TrimRight(strings.TrimSpace(s), "=") }
	return norm(a) == norm(b)
}

// HostKeyVerifier checks the server key against expected. An empty expected
// value accepts any key with a warning.
func HostKeyVerifier(expected string, logger *slog.Logger) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		actual := Fingerprint(key)
		if strings.TrimSpace(expected) == "" {
			logger.Warn("no FINGERPRINT set; skipping host key verification", "host", hostname, "fingerprint", actual)
			return nil
		}
		if !FingerprintsEqual(expected, actual) {
			logger.Error("fingerprint mismatch", "expected", expected, "got", actual)
			return fmt.Errorf("%w: expected %s, got %s", ErrFingerprintMismatch, expected, actual)
		}
		logger.Info("host key verified", "host", hostname)
		return nil
	}
}

var errDiscovered = errors.New("host key captured")

// Discover connects far enough to read the server host key and returns its
// fingerprint. No credentials are needed.
func Discover(ctx context.Context, cfg config.SFTPConfig) (string, error) {
	if cfg.Host == "" {
		return "", ErrNoHost
	}
	var found string
	sshCfg := &ssh.ClientConfig{
		User: "discovery",
		Auth: []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			found = Fingerprint(key)
			return errDiscovered
		},
		Timeout: cfg.Timeout,
	}
	c, err := dialSSH(ctx, cfg, sshCfg)
	if c != nil {
		c.Close()
	}
	if found != "" {
		return found, nil
	}
	if err == nil {
		err = errors.New("server presented no host key")
	}
	return "", fmt.Errorf("discover fingerprint: %w", err)
}

// PrintDiscovery writes the fingerprint and the .env line to configure it.
func PrintDiscovery(w io.Writer, fingerprint string) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintf(w, "\n%s\nDISCOVERING SERVER FINGERPRINT\n%s\n", rule, rule)
	fmt.Fprintf(w, "\nServer fingerprint: %s\n", fingerprint)
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintln(w, "1. Add this line to your .env file:")
	fmt.Fprintf(w, "   FINGERPRINT=%s\n", fingerprint)
	fmt.Fprintln(w, "2. Run your command again with proper credentials")
	fmt.Fprintln(w, rule)
}
