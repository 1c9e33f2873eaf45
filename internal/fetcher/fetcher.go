// Package fetcher opens input files from local paths, HTTP(S) URLs, or FTP URLs.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pubstats/internal/resilience"
)

// Source opens a single input reference.
type Source interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Options configures every source the Router dispatches to.
type Options struct {
	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Retry      resilience.RetryConfig
}

// Router picks a Source by the reference's URL scheme. References without a
// scheme are local paths.
type Router struct {
	file Source
	http Source
	ftp  Source
}

// New creates a Router with the file, HTTP and FTP sources.
func New(opts Options) *Router {
	return &Router{
		file: FileSource{},
		http: NewHTTPSource(opts),
		ftp:  NewFTPSource(opts),
	}
}

// Open dispatches ref to the matching source.
func (r *Router) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	switch scheme(ref) {
	case "", "file":
		return r.file.Open(ctx, ref)
	case "http", "https":
		return r.http.Open(ctx, ref)
	case "ftp":
		return r.ftp.Open(ctx, ref)
	default:
		return nil, eris.Errorf("fetcher: unsupported source %q", ref)
	}
}

// Fetch reads the whole of ref into memory.
func (r *Router) Fetch(ctx context.Context, ref string) ([]byte, error) {
	rc, err := r.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %s", redact(ref))
	}
	return data, nil
}

func scheme(ref string) string {
	i := strings.Index(ref, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(ref[:i])
}

// redact strips credentials from a URL before it is logged.
func redact(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || u.User == nil {
		return ref
	}
	return u.Redacted()
}
