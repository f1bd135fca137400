package fetcher

import (
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/config"
)

// applyAuth attaches credentials to req according to the configured mode.
func applyAuth(req *http.Request, auth config.AuthConfig) error {
	switch auth.Mode {
	case "", config.AuthNone:
	case config.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case config.AuthBasic:
		req.SetBasicAuth(auth.User, auth.Pass)
	case config.AuthQuery:
		q := req.URL.Query()
		q.Set(auth.QueryParam, auth.Token)
		req.URL.RawQuery = q.Encode()
	default:
		return eris.Errorf("fetcher: unsupported auth mode %q", auth.Mode)
	}
	return nil
}
