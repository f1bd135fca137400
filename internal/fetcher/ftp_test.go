package fetcher

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-sync/internal/config"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		auth     config.AuthConfig
		wantHost string
		wantPath string
		wantUser string
		wantPass string
		wantErr  bool
	}{
		{
			name:     "anonymous",
			url:      "ftp://files.example.com/export/feed.json",
			wantHost: "files.example.com:21",
			wantPath: "/export/feed.json",
			wantUser: "anonymous",
			wantPass: "anonymous@",
		},
		{
			name:     "explicit port",
			url:      "ftp://files.example.com:2121/feed.json",
			wantHost: "files.example.com:2121",
			wantPath: "/feed.json",
			wantUser: "anonymous",
			wantPass: "anonymous@",
		},
		{
			name:     "basic auth settings",
			url:      "ftp://files.example.com/feed.json",
			auth:     config.AuthConfig{Mode: config.AuthBasic, User: "crm", Pass: "s3cret"},
			wantHost: "files.example.com:21",
			wantPath: "/feed.json",
			wantUser: "crm",
			wantPass: "s3cret",
		},
		{
			name:     "user info wins over settings",
			url:      "ftp://export:pw@files.example.com/feed.json",
			auth:     config.AuthConfig{Mode: config.AuthBasic, User: "crm", Pass: "s3cret"},
			wantHost: "files.example.com:21",
			wantPath: "/feed.json",
			wantUser: "export",
			wantPass: "pw",
		},
		{
			name:    "http scheme rejected",
			url:     "http://example.com/feed.json",
			wantErr: true,
		},
		{
			name:    "empty path",
			url:     "ftp://files.example.com/",
			wantErr: true,
		},
		{
			name:    "invalid url",
			url:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, user, pass, err := parseFTPURL(tt.url, tt.auth)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantPass, pass)
		})
	}
}

func TestNewFTPClient_Defaults(t *testing.T) {
	c := NewFTPClient(Options{Retries: -1})
	assert.Equal(t, 30*time.Second, c.opts.Timeout)
	assert.Equal(t, 0, c.opts.Retries)
}

func TestClassifyFTP(t *testing.T) {
	const u = "ftp://files.example.com/feed.json"

	busy := classifyFTP(u, &textproto.Error{Code: 421, Msg: "Too many connections"})
	assert.Equal(t, KindNetwork, busy.Kind)
	assert.Equal(t, 421, busy.StatusCode)
	assert.True(t, busy.Retryable())

	missing := classifyFTP(u, &textproto.Error{Code: 550, Msg: "No such file"})
	assert.Equal(t, KindRejected, missing.Kind)
	assert.False(t, missing.Retryable())
	assert.Contains(t, missing.Error(), "rejected by server")

	refused := classifyFTP(u, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	assert.Equal(t, KindNetwork, refused.Kind)
}

func TestFTPClient_DialFailureIsRetried(t *testing.T) {
	// Nothing listens on the port of a closed listener.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewFTPClient(Options{Timeout: time.Second, Retries: 1, RetryDelay: time.Millisecond})
	_, err = c.Fetch(context.Background(), "ftp://"+addr+"/feed.json")
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Retryable())
}

func TestRouter_DispatchesByScheme(t *testing.T) {
	var got []string
	record := func(name string) Fetcher {
		return FetchFunc(func(_ context.Context, url string) (*Response, error) {
			got = append(got, name+" "+url)
			return &Response{URL: url, StatusCode: 200}, nil
		})
	}

	r := NewRouter(Options{})
	r.Handle("https", record("web"))
	r.Handle("FTP", record("ftp"))

	ctx := context.Background()
	_, err := r.Fetch(ctx, "https://crm.example.com/feed.json")
	require.NoError(t, err)
	_, err = r.Fetch(ctx, "ftp://files.example.com/flats.json")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"web https://crm.example.com/feed.json",
		"ftp ftp://files.example.com/flats.json",
	}, got)

	_, err = r.Fetch(ctx, "sftp://files.example.com/flats.json")
	assert.ErrorContains(t, err, `unsupported scheme "sftp"`)
	_, err = r.Fetch(ctx, "no-scheme")
	assert.ErrorContains(t, err, "invalid url")
}

func TestNewRouter_DefaultSchemes(t *testing.T) {
	r := NewRouter(Options{})
	assert.IsType(t, &FeedClient{}, r.schemes["http"])
	assert.IsType(t, &FeedClient{}, r.schemes["https"])
	assert.IsType(t, &FTPClient{}, r.schemes["ftp"])
}
