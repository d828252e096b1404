package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"patron-tools/cli"
	"patron-tools/config"
	"patron-tools/ledger"
	"patron-tools/patron"
)

type reloadFlags struct {
	offline           bool
	remoteDir         string
	upload            bool
	uploadTest        bool
	outputDir         string
	headersFile       string
	projectRoot       string
	updatesFile       string
	canSelfEdit       string
	pattern           string
	softMax           int
	hardMax           int
	syncIllID         bool
	useExpirationDate bool
	useSourceValue    bool
	emailDomains      []string
	sourceSystem      string
	duplicateKeys     string
	idSourceFromEmail bool
}

func main() {
	cli.Exit(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	var f reloadFlags
	cmd := &cobra.Command{
		Use:   "patron-reload LIB_CODE",
		Short: "Build the formatted patron reload file, with optional patron updates",
		Long: `Downloads the latest full patron report for LIB_CODE (e.g. wx_acacl), optionally
filters it by email domain, applies patron_updates.txt, and writes the
46-column reload file to <output-dir>/reloads. Credentials come from
<LIB_CODE>_USER / <LIB_CODE>_PASS and the institution id from
<SYMBOL>_INSTITUTION_ID.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReload(cmd, args[0], f)
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.offline, "offline", false, "skip SFTP download and use an existing file in <output-dir>/downloads")
	fl.StringVar(&f.remoteDir, "remote-dir", patron.ReportsRemoteDir, "remote reports directory")
	fl.BoolVar(&f.upload, "upload", false, "upload the result to "+patron.ReloadRemoteDir)
	fl.BoolVar(&f.uploadTest, "upload-test", false, "upload the result to the TEST directory "+patron.ReloadTestRemoteDir)
	fl.StringVar(&f.outputDir, "output-dir", "patrons", "local base output directory")
	fl.StringVar(&f.headersFile, "headers-file", "headers_formattedpatron.txt", "path to the 46 reload headers")
	fl.StringVar(&f.projectRoot, "project-root", ".", "directory where patron_updates.txt (or barcode_updates.txt) may exist")
	fl.StringVar(&f.updatesFile, "updates-file", "", "explicit update file (overrides the --project-root search)")
	fl.StringVar(&f.canSelfEdit, "can-self-edit", "false", "default canSelfEdit value: true or false")
	fl.StringVar(&f.pattern, "pattern", `^([A-Z]{3})\.Circulation_Patron_Report_Full\.(\d{8})\.txt$`, "regex matching full patron files")
	fl.IntVar(&f.softMax, "soft-max-barcode-len", 0, "soft character limit for new barcodes (default SOFT_MAX_BARCODE_LEN or 20)")
	fl.IntVar(&f.hardMax, "hard-max-barcode-bytes", 0, "byte guidance for new barcodes (default HARD_MAX_BARCODE_BYTES or 30)")
	fl.BoolVar(&f.syncIllID, "sync-illid-to-barcode", false, "copy updated barcodes into illId for matched rows")
	fl.BoolVar(&f.useExpirationDate, "use-expiration-date", false, "write EXPIRATION_DATE from .env to oclcExpirationDate (IGNORE or empty skips)")
	fl.BoolVar(&f.useSourceValue, "use-source-value", false, "keep the first segment of pipe-delimited idAtSource/sourceSystem values")
	fl.StringArrayVar(&f.emailDomains, "filter-email-domain", nil, "only reload patrons with an address in this domain (repeatable)")
	fl.StringVar(&f.sourceSystem, "source-system", "", "set sourceSystem to this value for every reloaded patron")
	fl.StringVar(&f.duplicateKeys, "duplicate-update-keys", "fanout", "repeated patron_barcode_old rows: fanout or error")
	fl.BoolVar(&f.idSourceFromEmail, "set-idsource-from-email", false, "no effect; idAtSource always takes the matched email")
	_ = fl.MarkDeprecated("set-idsource-from-email", "idAtSource is always set from the matched email when --filter-email-domain is used")

	cmd.AddCommand(newHistoryCmd())
	return cmd
}

func runReload(cmd *cobra.Command, libCode string, f reloadFlags) (err error) {
	selfEdit, err := parseBool(f.canSelfEdit)
	if err != nil {
		return fmt.Errorf("--can-self-edit: %w", err)
	}
	policy, err := patron.ParseDuplicatePolicy(f.duplicateKeys)
	if err != nil {
		return err
	}

	rt, err := cli.Bootstrap(config.SymbolFor(libCode) + "patronreload")
	if err != nil {
		return err
	}
	defer func() { err = rt.Close(err) }()
	logger := rt.Logger

	limits := patron.BarcodeLimits{SoftMaxChars: rt.Config.Barcode.SoftMaxChars, HardMaxBytes: rt.Config.Barcode.HardMaxBytes}
	if cmd.Flags().Changed("soft-max-barcode-len") {
		limits.SoftMaxChars = f.softMax
	}
	if cmd.Flags().Changed("hard-max-barcode-bytes") {
		limits.HardMaxBytes = f.hardMax
	}

	logger.Info("starting patron reload", "lib_code", libCode, "symbol", config.SymbolFor(libCode))
	start := time.Now()

	res, err := rt.Manager().Reload(cmd.Context(), patron.ReloadRequest{
		LibCode:           libCode,
		Offline:           f.offline,
		RemoteDir:         f.remoteDir,
		Pattern:           f.pattern,
		OutputDir:         f.outputDir,
		HeadersFile:       f.headersFile,
		ProjectRoot:       f.projectRoot,
		UpdatesFile:       f.updatesFile,
		CanSelfEdit:       selfEdit,
		Limits:            limits,
		SyncIllID:         f.syncIllID,
		UseExpirationDate: f.useExpirationDate,
		UseSourceValue:    f.useSourceValue,
		EmailDomains:      f.emailDomains,
		SourceSystem:      f.sourceSystem,
		DuplicateKeys:     policy,
		Upload:            f.upload,
		UploadTest:        f.uploadTest,
	})
	if err != nil {
		return err
	}

	logger.Info("patron reload complete",
		"run", res.RunID,
		"rows_in", res.RowsIn,
		"rows_out", res.RowsOut,
		"skipped", res.Skipped,
		"output", res.OutputFile,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false", "":
		return false, nil
	}
	return false, fmt.Errorf("want true or false, got %q", s)
}

// ------------------ history ------------------

func newHistoryCmd() *cobra.Command {
	var (
		libCode   string
		limit     int
		barcode   string
		downloads bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:           "history",
		Short:         "Show recorded runs, skipped-patron history or downloads",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Ledger.Enabled() {
				return fmt.Errorf("run ledger is disabled (LEDGER_PATH=%q)", cfg.Ledger.Path)
			}
			db, err := ledger.NewDatabase(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			switch {
			case barcode != "":
				return printSkipHistory(out, db, barcode, asJSON)
			case downloads:
				return printDownloads(out, db, limit, asJSON)
			default:
				return printRuns(out, db, libCode, limit, asJSON)
			}
		},
	}
	cmd.Flags().StringVar(&libCode, "lib", "", "only runs for this library code")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to show")
	cmd.Flags().StringVar(&barcode, "barcode", "", "show every time this barcode was skipped")
	cmd.Flags().BoolVar(&downloads, "downloads", false, "show recent downloads instead of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the rows as a JSON array")
	return cmd
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(".env"); err != nil {
		return nil, err
	}
	return config.Load(os.LookupEnv)
}

// writeJSON prints rows as an indented JSON array ("[]" when empty).
func writeJSON[T any](w io.Writer, rows []T) error {
	if rows == nil {
		rows = []T{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func printRuns(w io.Writer, db *ledger.Database, libCode string, limit int, asJSON bool) error {
	runs, err := db.ListRuns(libCode, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	fmt.Fprintf(w, "%-36s %-7s %-10s %-6s %-10s %6s %6s %6s %-16s %s\n",
		"Run", "Kind", "Library", "Symbol", "Status", "In", "Out", "Skip", "Started", "Output")
	fmt.Fprintln(w, strings.Repeat("-", 140))
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s %-7s %-10s %-6s %-10s %6d %6d %6d %-16s %s\n",
			r.ID, r.Kind, truncateString(r.LibCode, 10), r.Symbol, r.Status,
			r.RowsIn, r.RowsOut, r.Skipped, r.StartedAt.Local().Format("2006-01-02 15:04"), r.OutputFile)
		if r.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", r.Error)
		}
	}
	return nil
}

func printSkipHistory(w io.Writer, db *ledger.Database, barcode string, asJSON bool) error {
	rows, err := db.SkipHistory(barcode)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintf(w, "Barcode %s was never skipped.\n", barcode)
		return nil
	}
	fmt.Fprintf(w, "%-36s %-30s %s\n", "Run", "Email", "Reason")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, s := range rows {
		fmt.Fprintf(w, "%-36s %-30s %s\n", s.RunID, truncateString(s.Email, 30), s.Reason)
	}
	return nil
}

func printDownloads(w io.Writer, db *ledger.Database, limit int, asJSON bool) error {
	dls, err := db.RecentDownloads(limit)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(w, dls)
	}
	if len(dls) == 0 {
		fmt.Fprintln(w, "No downloads recorded.")
		return nil
	}
	fmt.Fprintf(w, "%-16s %-6s %10s %s\n", "When", "Cached", "Bytes", "Remote")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, d := range dls {
		cached := "No"
		if d.Cached {
			cached = "Yes"
		}
		fmt.Fprintf(w, "%-16s %-6s %10d %s\n", d.At.Local().Format("2006-01-02 15:04"), cached, d.SizeBytes, d.RemotePath)
	}
	return nil
}

// truncateString shortens s to maxLength runes, ending in "...".
func truncateString(s string, maxLength int) string {
	r := []rune(s)
	if len(r) <= maxLength {
		return s
	}
	return string(r[:maxLength-3]) + "..."
}
