// Package fetcher downloads partner feeds over HTTP, FTP or the local
// filesystem and parses CSV, XLSX, JSON and ZIP bodies into tables.
package fetcher

import (
	"bytes"
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-cli/internal/normalize"
)

// ParseTable parses data in the given format. A ZIP must hold exactly one
// file, which is parsed by its own extension.
func ParseTable(ctx context.Context, format Format, data []byte, opts LoaderOptions) (normalize.Table, error) {
	switch format {
	case FormatXLSX:
		return ParseXLSX(data, opts.XLSX)
	case FormatJSON:
		return ReadJSONTable(ctx, bytes.NewReader(data))
	case FormatZIP:
		name, inner, err := ExtractZIPSingle(data)
		if err != nil {
			return normalize.Table{}, err
		}
		f := DetectFormat(name)
		if f == FormatZIP {
			return normalize.Table{}, eris.Errorf("zip: nested archive %q", name)
		}
		return ParseTable(ctx, f, inner, opts)
	default:
		return ReadCSVTable(ctx, bytes.NewReader(data), opts.CSV)
	}
}
