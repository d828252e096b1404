package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"patron-tools/config"
	"patron-tools/console"
)

// Connect resolves the credentials for libCode and dials the configured
// server. A missing password is prompted for when stdin is a terminal.
func Connect(ctx context.Context, cfg *config.Config, libCode string, logger *slog.Logger) (*Client, error) {
	creds, err := cfg.Credentials(libCode)
	if err != nil {
		if creds.User == "" || creds.Password != "" || !console.IsInteractive() {
			return nil, err
		}
		pw, perr := console.ReadPassword(fmt.Sprintf("SFTP password for %s: ", creds.User))
		if perr != nil || pw == "" {
			return nil, err
		}
		creds.Password = pw
	}
	return Dial(ctx, cfg.SFTP, creds, logger)
}
