package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"patron-tools/cli"
	"patron-tools/config"
	"patron-tools/patron"
)

func main() {
	var req patron.DeleteRequest

	cmd := &cobra.Command{
		Use:   "delete-expired LIB_CODE",
		Short: "Create (and optionally upload) the delete file for expired patrons",
		Long: `Finds patrons whose expiration date is before the cutoff (today unless
--expiration-date is given) in the latest full patron report and writes
<output-dir>/deletes/<SYM>patronsdelete_<mmddyy>.txt. With --upload the file
is sent to ` + patron.DeleteRemoteDir + ` after an explicit "yes".`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.LibCode = args[0]
			return run(cmd, req)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&req.RemoteDir, "remote-dir", patron.ReportsRemoteDir, "remote reports directory")
	fl.StringVar(&req.OutputDir, "output-dir", "patrons", "local base output directory")
	fl.StringVar(&req.HeadersFile, "headers-file", "headers_deletes.txt", "path to the delete file headers")
	fl.StringVar(&req.BarcodeColumn, "barcode-column", patron.ColBarcode, "barcode column in the source report")
	fl.StringVar(&req.ExpirationColumn, "expiration-column", patron.ColExpirationDate, "expiration date column in the source report")
	fl.StringVar(&req.ExpirationDate, "expiration-date", "", "cutoff date YYYY-MM-DD (default today)")
	fl.BoolVar(&req.SyncIllID, "sync-illid-to-barcode", false, "set illId to the barcode")
	fl.BoolVar(&req.UseSourceValue, "use-source-value", false, "keep the first segment of pipe-delimited idAtSource/sourceSystem values")
	fl.BoolVar(&req.Offline, "offline", false, "skip SFTP download and use an existing file in <output-dir>/downloads")
	fl.BoolVar(&req.Upload, "upload", false, "upload the delete file after confirmation")
	fl.BoolVar(&req.AssumeYes, "yes", false, "skip the upload confirmation prompt")

	cli.Exit(cmd.Execute())
}

func run(cmd *cobra.Command, req patron.DeleteRequest) (err error) {
	rt, err := cli.Bootstrap(config.SymbolFor(req.LibCode) + "patronsdelete")
	if err != nil {
		return err
	}
	defer func() { err = rt.Close(err) }()

	start := time.Now()
	res, err := rt.Manager().Delete(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cutoff:       %s\n", res.Cutoff.Format("2006-01-02"))
	fmt.Fprintf(out, "Source:       %s (%d patrons)\n", res.SourceFile, res.RowsIn)
	fmt.Fprintf(out, "Expired:      %d\n", res.Expired)
	fmt.Fprintf(out, "Delete file:  %s\n", res.OutputFile)
	switch {
	case res.Cancelled:
		fmt.Fprintln(out, "Upload:       cancelled")
	case res.RemotePath != "":
		fmt.Fprintf(out, "Uploaded to:  %s\n", res.RemotePath)
	}

	rt.Logger.Info("delete run complete", "run", res.RunID, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
