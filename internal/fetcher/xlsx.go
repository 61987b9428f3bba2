package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/recon-cli/internal/normalize"
)

// XLSXOptions configures the XLSX parser.
type XLSXOptions struct {
	SheetIndex int    `mapstructure:"sheet_index"` // default 0
	SheetName  string `mapstructure:"sheet_name"`  // if set, overrides SheetIndex
	SkipRows   int    `mapstructure:"skip_rows"`   // preamble rows above the header
}

// ParseXLSX reads one sheet of a workbook. The first row after SkipRows is
// the header; rows with no content are dropped.
func ParseXLSX(data []byte, opts XLSXOptions) (normalize.Table, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return normalize.Table{}, eris.Wrap(err, "xlsx: open workbook")
	}
	sheet, err := getSheet(f, opts)
	if err != nil {
		return normalize.Table{}, err
	}

	var t normalize.Table
	for i, row := range sheet.Rows {
		if i < opts.SkipRows || row == nil {
			continue
		}
		cells := rowToStrings(row)
		if t.Header == nil {
			t.Header = cells
			continue
		}
		if blank(cells) {
			continue
		}
		t.Rows = append(t.Rows, cells)
	}
	if t.Header == nil {
		return normalize.Table{}, eris.Errorf("xlsx: sheet %q has no header row", sheet.Name)
	}
	return t, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}
