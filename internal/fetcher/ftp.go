package fetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/resilience"
)

// FTPClient downloads feed files published on FTP servers. Credentials
// come from the URL user info, then basic auth settings, then anonymous.
type FTPClient struct {
	opts Options
}

// NewFTPClient creates an FTPClient. It shares timeout, retry and auth
// settings with the HTTP client.
func NewFTPClient(opts Options) *FTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &FTPClient{opts: opts}
}

// parseFTPURL extracts host (with port), path and credentials from an FTP URL.
func parseFTPURL(rawURL string, auth config.AuthConfig) (host, path, user, pass string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", "", eris.Wrap(err, "fetcher: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", "", "", eris.Errorf("fetcher: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" || path == "/" {
		return "", "", "", "", eris.New("fetcher: empty path in ftp url")
	}

	switch {
	case u.User != nil:
		user = u.User.Username()
		pass, _ = u.User.Password()
	case auth.Mode == config.AuthBasic:
		user, pass = auth.User, auth.Pass
	default:
		user, pass = "anonymous", "anonymous@"
	}
	return host, path, user, pass, nil
}

// Fetch downloads rawURL, retrying connection failures and transient (4xx)
// FTP replies with a fixed delay.
func (c *FTPClient) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	host, path, user, pass, err := parseFTPURL(rawURL, c.opts.Auth)
	if err != nil {
		return nil, err
	}

	retryCfg := resilience.FixedDelay(c.opts.Retries, c.opts.RetryDelay)
	retryCfg.ShouldRetry = func(err error) bool {
		var fe *FetchError
		return errors.As(err, &fe) && fe.Retryable()
	}
	retryCfg.OnRetry = func(attempt int, err error) {
		zap.L().Warn("ftp download failed, retrying",
			zap.String("host", host),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	attempts := 0
	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*Response, error) {
		attempts++
		return c.attempt(ctx, rawURL, host, path, user, pass)
	})
	if err != nil {
		return nil, err
	}
	resp.Attempts = attempts
	return resp, nil
}

func (c *FTPClient) attempt(ctx context.Context, rawURL, host, path, user, pass string) (*Response, error) {
	start := time.Now()

	zap.L().Debug("ftp: connecting", zap.String("host", host), zap.String("path", path))
	conn, err := ftp.Dial(host, ftp.DialWithTimeout(c.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, classifyFTP(rawURL, err)
	}
	defer func() { _ = conn.Quit() }()

	if err := conn.Login(user, pass); err != nil {
		return nil, classifyFTP(rawURL, err)
	}

	r, err := conn.Retr(path)
	if err != nil {
		return nil, classifyFTP(rawURL, err)
	}
	body, err := io.ReadAll(r)
	closeErr := r.Close()
	if err != nil {
		return nil, classifyFTP(rawURL, err)
	}
	if closeErr != nil {
		return nil, classifyFTP(rawURL, closeErr)
	}

	return &Response{
		URL:        rawURL,
		Body:       body,
		StatusCode: ftp.StatusClosingDataConnection,
		Elapsed:    time.Since(start),
	}, nil
}

// classifyFTP maps FTP replies onto fetch kinds. 4xx replies are
// transient in FTP and retried; 5xx replies are permanent.
func classifyFTP(rawURL string, err error) *FetchError {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		kind := KindRejected
		if reply.Code >= 400 && reply.Code < 500 {
			kind = KindNetwork
		}
		return &FetchError{URL: rawURL, StatusCode: reply.Code, Kind: kind, Err: err}
	}
	return classify(rawURL, err)
}
