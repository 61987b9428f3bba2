package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/normalize"
	"github.com/sells-group/recon-cli/internal/resilience"
)

// Fetcher downloads a single feed reference.
type Fetcher interface {
	// Download fetches the reference and returns its body. The caller closes it.
	Download(ctx context.Context, ref string) (io.ReadCloser, error)
}

// FeedFetcher loads a partner feed as a header plus string rows.
type FeedFetcher interface {
	FetchTable(ctx context.Context, ref string) (normalize.Table, error)
}

// Format is a feed's file format.
type Format string

// Supported feed formats.
const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
	FormatZIP  Format = "zip"
)

// DetectFormat guesses the format of ref from its extension. Unknown
// extensions are read as CSV.
func DetectFormat(ref string) Format {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".xlsx":
		return FormatXLSX
	case ".json":
		return FormatJSON
	case ".zip":
		return FormatZIP
	default:
		return FormatCSV
	}
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Timeout bounds one FetchTable call, retries included.
	Timeout time.Duration
	Policy  resilience.Policy
	Breaker resilience.BreakerConfig
	// MaxBytes caps a downloaded body. Zero means 64 MiB.
	MaxBytes int64
	CSV      CSVOptions
	XLSX     XLSXOptions
}

// Loader routes feed references to the right downloader by scheme and
// parses the body by format. Every download runs behind the feed host's
// circuit breaker and the retry policy.
type Loader struct {
	http     Fetcher
	ftp      Fetcher
	file     Fetcher
	breakers *resilience.HostBreakers
	opts     LoaderOptions
}

// NewLoader wires the downloaders into a Loader. A nil downloader disables
// its scheme.
func NewLoader(httpF, ftpF Fetcher, opts LoaderOptions) *Loader {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 64 << 20
	}
	if opts.Breaker.Threshold <= 0 {
		opts.Breaker = resilience.DefaultBreakerConfig()
	}
	return &Loader{
		http:     httpF,
		ftp:      ftpF,
		file:     FileFetcher{},
		breakers: resilience.NewHostBreakers(opts.Breaker),
		opts:     opts,
	}
}

// Breakers exposes the per-host breaker registry.
func (l *Loader) Breakers() *resilience.HostBreakers {
	return l.breakers
}

// FetchTable downloads ref and parses it into a table.
func (l *Loader) FetchTable(ctx context.Context, ref string) (normalize.Table, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	data, err := l.fetchBytes(ctx, ref)
	if err != nil {
		return normalize.Table{}, err
	}
	t, err := ParseTable(ctx, DetectFormat(ref), data, l.opts)
	if err != nil {
		return normalize.Table{}, eris.Wrapf(err, "fetcher: parse %s", ref)
	}
	zap.L().Debug("fetcher: feed loaded",
		zap.String("feed", ref),
		zap.Int("rows", len(t.Rows)),
	)
	return t, nil
}

func (l *Loader) fetchBytes(ctx context.Context, ref string) ([]byte, error) {
	f, err := l.route(ref)
	if err != nil {
		return nil, err
	}
	policy := l.opts.Policy
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.LogRetry(ref)
	}
	return resilience.Call(ctx, l.breakers.For(ref), func(ctx context.Context) ([]byte, error) {
		return resilience.DoVal(ctx, policy, func(ctx context.Context) ([]byte, error) {
			rc, err := f.Download(ctx, ref)
			if err != nil {
				return nil, err
			}
			defer rc.Close() //nolint:errcheck
			data, err := io.ReadAll(io.LimitReader(rc, l.opts.MaxBytes+1))
			if err != nil {
				return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: read %s", ref), 0)
			}
			if int64(len(data)) > l.opts.MaxBytes {
				return nil, eris.Errorf("fetcher: %s exceeds %d bytes", ref, l.opts.MaxBytes)
			}
			return data, nil
		})
	})
}

func (l *Loader) route(ref string) (Fetcher, error) {
	scheme := ""
	if u, err := url.Parse(ref); err == nil {
		scheme = strings.ToLower(u.Scheme)
	}
	var f Fetcher
	switch scheme {
	case "http", "https":
		f = l.http
	case "ftp":
		f = l.ftp
	case "", "file":
		f = l.file
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q in %s", scheme, ref)
	}
	if f == nil {
		return nil, eris.Errorf("fetcher: no downloader configured for %s", ref)
	}
	return f, nil
}

// FileFetcher reads feeds from the local filesystem.
type FileFetcher struct{}

// Download opens the file named by ref, which may be a bare path or a file:// URL.
func (FileFetcher) Download(_ context.Context, ref string) (io.ReadCloser, error) {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Scheme == "file" {
		p = u.Path
	}
	f, err := os.Open(p) //nolint:gosec
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", p)
	}
	return f, nil
}
