package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pubstats/internal/resilience"
)

// FTPSource downloads files over FTP. Credentials come from the URL's
// userinfo; without them the login is anonymous.
type FTPSource struct {
	opts Options
}

// NewFTPSource creates an FTPSource with the given options.
func NewFTPSource(opts Options) *FTPSource {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("fetcher", "ftp_retr")
	}
	return &FTPSource{opts: opts}
}

type ftpTarget struct {
	host     string
	path     string
	user     string
	password string
}

// parseFTPURL extracts host (with port), path and login from an FTP URL.
func parseFTPURL(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	t := ftpTarget{host: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, splitErr := net.SplitHostPort(t.host); splitErr != nil {
		t.host = net.JoinHostPort(t.host, "21")
	}
	if t.path == "" {
		return ftpTarget{}, eris.New("empty path in ftp url")
	}
	if u.User != nil && u.User.Username() != "" {
		t.user = u.User.Username()
		t.password, _ = u.User.Password()
	}
	return t, nil
}

// ftpConnReader closes the FTP response and the connection together.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "quit ftp connection")
	}
	return nil
}

// Open connects, logs in and starts retrieving the file. Connecting and
// login are retried on transient network errors. The caller must close the
// returned reader to release the connection.
func (s *FTPSource) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	t, err := parseFTPURL(ref)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher")
	}

	zap.L().Debug("ftp: connecting", zap.String("host", t.host), zap.String("path", t.path))

	rc, err := resilience.DoVal(ctx, s.opts.Retry, func(attemptCtx context.Context) (io.ReadCloser, error) {
		conn, err := ftp.Dial(t.host, ftp.DialWithTimeout(s.opts.Timeout), ftp.DialWithContext(attemptCtx))
		if err != nil {
			return nil, eris.Wrap(err, "ftp dial")
		}
		if err := conn.Login(t.user, t.password); err != nil {
			_ = conn.Quit()
			return nil, eris.Wrap(err, "ftp login")
		}
		resp, err := conn.Retr(t.path)
		if err != nil {
			_ = conn.Quit()
			return nil, eris.Wrap(err, "ftp retrieve")
		}
		return &ftpConnReader{resp: resp, conn: conn}, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: download %s", redact(ref))
	}
	return rc, nil
}
