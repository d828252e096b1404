package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"patron-tools/cli"
	"patron-tools/config"
	"patron-tools/patron"
	"patron-tools/transfer"
)

type fetchFlags struct {
	items, stats, patrons bool
	recent                int
	since                 string
	reportsDir            string
	remoteDir             string
	printFingerprint      bool
}

func main() {
	var f fetchFlags

	cmd := &cobra.Command{
		Use:   "fetch-reports LIB_CODE",
		Short: "Download item inventory, statistics or patron reports from the vendor server",
		Long: `Lists the remote reports directory and downloads the matching reports for
LIB_CODE into <reports-dir>/<SYM>/<kind>/. Files already present locally are
not downloaded again. Use --print-fingerprint (no credentials needed) to learn
the server host key for FINGERPRINT in .env.`,
		Args:          cobra.RangeArgs(0, 1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.printFingerprint {
				return printFingerprint(cmd)
			}
			if len(args) != 1 {
				return errors.New("LIB_CODE is required")
			}
			return run(cmd, args[0], f)
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.items, "items", false, "fetch Circulation_Item_Inventories reports")
	fl.BoolVar(&f.stats, "stats", false, "fetch statistics reports")
	fl.BoolVar(&f.patrons, "patrons", false, "fetch full patron reports")
	fl.IntVar(&f.recent, "recent", 0, "only the N most recent matches")
	fl.StringVar(&f.since, "since", "", "only reports dated on or after YYYY-MM-DD")
	fl.StringVar(&f.reportsDir, "reports-dir", "reports", "local base directory")
	fl.StringVar(&f.remoteDir, "remote-dir", patron.ReportsRemoteDir, "remote reports directory")
	fl.BoolVar(&f.printFingerprint, "print-fingerprint", false, "print the server host key fingerprint and exit")
	cmd.MarkFlagsMutuallyExclusive("items", "stats", "patrons")

	cli.Exit(cmd.Execute())
}

func (f fetchFlags) kind() (patron.ReportKind, error) {
	switch {
	case f.items:
		return patron.KindItems, nil
	case f.stats:
		return patron.KindStats, nil
	case f.patrons:
		return patron.KindPatrons, nil
	}
	return "", errors.New("choose one of --items, --stats or --patrons")
}

func run(cmd *cobra.Command, libCode string, f fetchFlags) (err error) {
	kind, err := f.kind()
	if err != nil {
		return err
	}
	if f.recent < 0 {
		return fmt.Errorf("--recent must be positive, got %d", f.recent)
	}
	var since time.Time
	if f.since != "" {
		if since, err = time.Parse("2006-01-02", f.since); err != nil {
			return fmt.Errorf("--since: use YYYY-MM-DD: %w", err)
		}
	}

	rt, err := cli.Bootstrap(config.SymbolFor(libCode) + "fetch" + string(kind))
	if err != nil {
		return err
	}
	defer func() { err = rt.Close(err) }()

	res, err := rt.Manager().Fetch(cmd.Context(), patron.FetchRequest{
		LibCode:    libCode,
		Kind:       kind,
		Since:      since,
		Recent:     f.recent,
		RemoteDir:  f.remoteDir,
		ReportsDir: f.reportsDir,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(res.Files) == 0 {
		fmt.Fprintf(out, "No %s reports found for %s.\n", kind, res.Symbol)
		return nil
	}
	for _, p := range res.Files {
		fmt.Fprintln(out, p)
	}
	fmt.Fprintf(out, "%d %s report(s) for %s\n", len(res.Files), kind, res.Symbol)
	return nil
}

func printFingerprint(cmd *cobra.Command) error {
	if err := config.LoadEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return err
	}
	fp, err := transfer.Discover(cmd.Context(), cfg.SFTP)
	if err != nil {
		return err
	}
	transfer.PrintDiscovery(cmd.OutOrStdout(), fp)
	return nil
}
