package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"

	"github.com/rotisserie/eris"
)

// FileSource opens local paths and file:// URLs.
type FileSource struct{}

// Open opens the local file named by ref.
func (FileSource) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	path := ref
	if scheme(ref) == "file" {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: parse file url")
		}
		path = u.Path
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", path)
	}
	return f, nil
}
