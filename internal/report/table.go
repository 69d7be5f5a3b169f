package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// FormatTable renders the report as an aligned text table. The ops CLI and
// the SNS notifier body share this presentation.
func FormatTable(w io.Writer, r *Report) error {
	fmt.Fprintf(w, "Scan %s (%s, %s)\n", r.ScanId, r.Source, r.Environment)
	if r.AccountId != "" {
		fmt.Fprintf(w, "Account %s\n", r.AccountId)
	}
	fmt.Fprintf(w, "Score %d (%s), %d of %d checks failed, took %s\n\n",
		r.Score, r.Grade, r.Failed(), len(r.Findings), r.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tSEVERITY\tCHECK\tRESOURCE\tMESSAGE")
	for _, f := range r.Findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Status, f.Severity, f.CheckId, f.Resource, f.Message)
	}
	return tw.Flush()
}
