// Package fetcher pulls raw feed payloads over HTTP or FTP.
package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Fetcher defines the interface for downloading a feed endpoint.
type Fetcher interface {
	// Fetch downloads url and returns the full body. Non-2xx responses are
	// returned as a *FetchError.
	Fetch(ctx context.Context, url string) (*Response, error)
}

// Response is a successfully fetched payload.
type Response struct {
	URL        string
	Body       []byte
	StatusCode int
	Elapsed    time.Duration
	Attempts   int
}

// ErrorKind classifies a fetch failure.
type ErrorKind string

// Fetch failure kinds.
const (
	KindNetwork ErrorKind = "network"
	KindTimeout ErrorKind = "timeout"
	KindStatus  ErrorKind = "status"
	KindTLS     ErrorKind = "tls"
	// KindRejected is a permanent refusal by an FTP server (5xx reply).
	KindRejected ErrorKind = "rejected"
)

// FetchError describes why an endpoint could not be fetched.
type FetchError struct {
	URL        string
	StatusCode int
	Kind       ErrorKind
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	case KindRejected:
		return fmt.Sprintf("fetch %s: rejected by server: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed. Network errors,
// timeouts and 5xx responses are retryable. 4xx, TLS failures and FTP
// rejections are not.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindStatus:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// FetchFunc adapts a plain function to the Fetcher interface.
type FetchFunc func(ctx context.Context, url string) (*Response, error)

// Fetch implements Fetcher.
func (f FetchFunc) Fetch(ctx context.Context, url string) (*Response, error) {
	return f(ctx, url)
}

// Router dispatches each URL to the fetcher registered for its scheme.
type Router struct {
	schemes map[string]Fetcher
}

// NewRouter creates a Router serving http, https and ftp URLs with the
// given options.
func NewRouter(opts Options) *Router {
	web := NewFeedClient(opts)
	return &Router{schemes: map[string]Fetcher{
		"http":  web,
		"https": web,
		"ftp":   NewFTPClient(opts),
	}}
}

// Handle registers f for scheme, replacing any existing fetcher.
func (r *Router) Handle(scheme string, f Fetcher) {
	r.schemes[strings.ToLower(scheme)] = f
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return nil, eris.Errorf("fetcher: invalid url %q", rawURL)
	}
	f, ok := r.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
	return f.Fetch(ctx, rawURL)
}
