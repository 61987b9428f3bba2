package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-cli/internal/normalize"
)

// DecodeJSONArray decodes a JSON array streaming, sending each element to a channel.
// Expects input in the form [{...},{...}].
// Both channels are closed when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		decoder.UseNumber()

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}

		delim, ok := tok.(json.Delim)
		if !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}

			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil && err != io.EOF {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}

// ReadJSONTable reads an array of flat objects. The header is the sorted
// union of keys; missing keys and nulls become empty cells.
func ReadJSONTable(ctx context.Context, r io.Reader) (normalize.Table, error) {
	objCh, errCh := DecodeJSONArray[map[string]any](ctx, r)
	var objs []map[string]any
	keys := make(map[string]bool)
	for obj := range objCh {
		for k := range obj {
			keys[k] = true
		}
		objs = append(objs, obj)
	}
	if err := <-errCh; err != nil {
		return normalize.Table{}, err
	}

	header := make([]string, 0, len(keys))
	for k := range keys {
		header = append(header, k)
	}
	sort.Strings(header)

	t := normalize.Table{Header: header, Rows: make([][]string, 0, len(objs))}
	for i, obj := range objs {
		row := make([]string, len(header))
		for j, k := range header {
			s, err := jsonCell(obj[k])
			if err != nil {
				return normalize.Table{}, eris.Wrapf(err, "json: row %d field %q", i, k)
			}
			row[j] = s
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func jsonCell(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", eris.Errorf("nested value of type %T", v)
	}
}
