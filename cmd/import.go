package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/fetcher"
	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/normalize"
)

var importCmd = &cobra.Command{
	Use:   "import <file-or-url>",
	Short: "Import internal tickets from CSV, XLSX or JSON",
	Long: "Loads ticket records into the store. Columns are matched by name: id, ticket_number, date, driver_id, driver_name, " +
		"site_id, partner_id, material, quantity, unit_type, gross_weight, tare_weight, net_weight, bill_rate, pay_rate, feed_url. " +
		"Existing tickets are updated; their reconciliation status is kept.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		loader := fetcher.NewLoader(
			fetcher.NewHTTPFetcher(cfg.HTTP()),
			fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: time.Duration(cfg.Feed.TimeoutSecs) * time.Second}),
			cfg.Loader(),
		)
		tbl, err := loader.FetchTable(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "import: load tickets")
		}

		partner, _ := cmd.Flags().GetString("partner")
		feedURL, _ := cmd.Flags().GetString("feed-url")
		tickets, rowErrs := ticketsFromTable(tbl, ticketDefaults{PartnerID: partner, FeedURL: feedURL})
		for _, e := range rowErrs {
			zap.L().Warn("import: row skipped", zap.String("reason", e))
		}
		if len(tickets) == 0 {
			return eris.New("import: no valid tickets found")
		}

		n, err := st.UpsertTickets(ctx, tickets)
		if err != nil {
			return eris.Wrap(err, "import: upsert tickets")
		}
		zap.L().Info("import complete",
			zap.Int64("upserted", n),
			zap.Int("skipped", len(rowErrs)),
			zap.String("source", args[0]),
		)
		return nil
	},
}

// ticketDefaults fill columns the import file leaves blank.
type ticketDefaults struct {
	PartnerID string
	FeedURL   string
}

// ticketsFromTable converts rows into tickets. Rows without an id or ticket
// number, or with a number that does not parse, are skipped and described in
// the returned messages. A missing id falls back to the ticket number.
func ticketsFromTable(tbl normalize.Table, def ticketDefaults) ([]model.Ticket, []string) {
	cols := make(map[string]int, len(tbl.Header))
	for i, h := range tbl.Header {
		key := normalize.FoldHeader(h)
		if _, dup := cols[key]; !dup {
			cols[key] = i
		}
	}
	cell := func(row []string, name string) string {
		i, ok := cols[normalize.FoldHeader(name)]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var (
		tickets []model.Ticket
		errs    []string
	)
	for n, row := range tbl.Rows {
		t := model.Ticket{
			ID:           cell(row, "id"),
			TicketNumber: cell(row, "ticket_number"),
			DriverID:     cell(row, "driver_id"),
			DriverName:   cell(row, "driver_name"),
			SiteID:       cell(row, "site_id"),
			PartnerID:    cell(row, "partner_id"),
			Material:     cell(row, "material"),
			UnitType:     cell(row, "unit_type"),
			FeedURL:      cell(row, "feed_url"),
			ReconStatus:  model.ReconUnreconciled,
		}
		if t.TicketNumber == "" {
			errs = append(errs, rowError(n, "missing ticket_number"))
			continue
		}
		if t.ID == "" {
			t.ID = t.TicketNumber
		}
		if t.PartnerID == "" {
			t.PartnerID = def.PartnerID
		}
		if t.FeedURL == "" {
			t.FeedURL = def.FeedURL
		}

		if raw := cell(row, "date"); raw != "" {
			d := normalize.ParseDate(raw)
			v, ok := d.Get()
			if !ok {
				errs = append(errs, rowError(n, "unparseable date "+raw))
				continue
			}
			t.Date, _ = time.Parse(model.DateLayout, v)
		}

		numbers := []struct {
			name string
			dst  *float64
		}{
			{"quantity", &t.Quantity},
			{"gross_weight", &t.GrossWeight},
			{"tare_weight", &t.TareWeight},
			{"net_weight", &t.NetWeight},
			{"bill_rate", &t.BillRate},
			{"pay_rate", &t.PayRate},
		}
		bad := ""
		for _, f := range numbers {
			raw := cell(row, f.name)
			if raw == "" {
				continue
			}
			v, ok := normalize.ParseNumber(raw).Get()
			if !ok {
				bad = f.name + " " + raw
				break
			}
			*f.dst = v
		}
		if bad != "" {
			errs = append(errs, rowError(n, "unparseable "+bad))
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, errs
}

func rowError(n int, msg string) string {
	return fmt.Sprintf("row %d: %s", n+1, msg)
}

func init() {
	importCmd.Flags().String("partner", "", "partner_id for rows that leave it blank")
	importCmd.Flags().String("feed-url", "", "feed_url for rows that leave it blank")
	rootCmd.AddCommand(importCmd)
}
