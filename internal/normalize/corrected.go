package normalize

import (
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"
)

// Table is a raw tabular feed: a header row and data rows in source order.
type Table struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

// Correction replaces one cell of a source row, addressed by canonical field.
type Correction struct {
	Row   int
	Field string
	Value string
}

// ApplyCorrections returns a copy of the table with corrections written into
// the columns that carry each canonical field. Corrections for fields the
// table has no column for are skipped and returned.
func ApplyCorrections(t Table, aliases *AliasTable, corrections []Correction) (Table, []Correction) {
	cols, _ := aliases.Columns(t.Header)
	out := Table{
		Header: append([]string(nil), t.Header...),
		Rows:   make([][]string, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = append([]string(nil), r...)
	}

	var skipped []Correction
	for _, c := range corrections {
		col, ok := cols[c.Field]
		if !ok || c.Row < 0 || c.Row >= len(out.Rows) {
			skipped = append(skipped, c)
			continue
		}
		row := out.Rows[c.Row]
		for len(row) <= col {
			row = append(row, "")
		}
		row[col] = c.Value
		out.Rows[c.Row] = row
	}
	return out, skipped
}

// WriteCorrectedCSV writes the table back out in its original column order.
// encoding/csv only quotes fields containing the separator, a quote, a line
// break, or a leading space, so unchanged rows stay byte-identical to a
// conventionally written upload.
func WriteCorrectedCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return eris.Wrap(err, "normalize: write header")
	}
	for i, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return eris.Wrapf(err, "normalize: write row %d", i)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "normalize: flush csv")
}
