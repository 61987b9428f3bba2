package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/sells-group/recon-cli/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatBatch writes a batch summary followed by its failed tickets.
func formatBatch(out io.Writer, res *model.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", res.Processed)
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", res.Succeeded)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", res.Failed)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", res.Skipped)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", res.Duration.Round(time.Millisecond))
	_ = w.Flush()

	var failed []model.ReconcileResult
	for _, r := range res.Results {
		if r.ErrorKind != "" {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TICKET\tKIND\tERROR")
	for _, r := range failed {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.TicketID, r.ErrorKind, truncate(r.Error, 80))
	}
	_ = w.Flush()
}

// formatScores writes one line per scored field, sorted by field name.
func formatScores(out io.Writer, scores map[string]model.FieldScore) {
	fields := make([]string, 0, len(scores))
	for f := range scores {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tSCORE\tBASELINE\tSCOPE\tDEVIATION\tANOMALY")
	for _, f := range fields {
		s := scores[f]
		dev := "-"
		if s.DeviationPct != nil {
			dev = fmt.Sprintf("%.1f%%", *s.DeviationPct*100)
		}
		sev := "-"
		if s.Anomaly != nil {
			sev = string(*s.Anomaly)
		}
		scope := string(s.EntityType)
		if scope == "" {
			scope = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\t%s\t%s\n", f, s.Score, s.BaselineType, scope, dev, sev)
	}
	_ = w.Flush()
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTARTED\tPROCESSED\tSUCCEEDED\tFAILED\tSKIPPED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-------\t---------\t---------\t------\t-------\t--------")

	for _, r := range runs {
		dur := r.Duration.Round(time.Second).String()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			truncateID(r.RunID),
			r.StartedAt.Format("2006-01-02 15:04"),
			r.Processed, r.Succeeded, r.Failed, r.Skipped,
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
