package fetcher

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

// maxEntryBytes caps the decompressed size of one archive entry.
const maxEntryBytes = 256 << 20

// ExtractZIPSingle returns the name and contents of the one file in a ZIP
// archive. Directories and macOS resource forks are ignored.
func ExtractZIPSingle(data []byte) (string, []byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, eris.Wrap(err, "zip: open archive")
	}

	var files []*zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		files = append(files, f)
	}
	if len(files) != 1 {
		return "", nil, eris.Errorf("zip: expected exactly 1 file, got %d", len(files))
	}
	return extractZIPEntry(files[0])
}

func extractZIPEntry(f *zip.File) (string, []byte, error) {
	name := path.Clean(f.Name)
	if strings.HasPrefix(name, "../") || path.IsAbs(name) {
		return "", nil, eris.Errorf("zip: illegal path %q", f.Name)
	}

	rc, err := f.Open()
	if err != nil {
		return "", nil, eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return "", nil, eris.Wrap(err, "zip: read entry")
	}
	if len(data) > maxEntryBytes {
		return "", nil, eris.Errorf("zip: entry %q exceeds %d bytes", f.Name, maxEntryBytes)
	}
	return name, data, nil
}
