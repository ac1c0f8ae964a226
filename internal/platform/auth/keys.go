package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	keyRefreshInterval = time.Hour
	// A token naming a kid the set does not hold triggers at most one
	// refetch per interval.
	unknownKIDInterval = 5 * time.Minute
	unknownKIDWaitMax  = time.Second
)

// newRemoteKeys returns a key set backed by the identity provider's JWKS at
// url. It refreshes in the background until ctx is done. A failed first fetch
// is not fatal: the set is retried on the next unknown kid.
func newRemoteKeys(ctx context.Context, url string, client *http.Client, logger zerolog.Logger) (keyfunc.Keyfunc, error) {
	if url == "" {
		return nil, errors.New("no key set url configured")
	}
	u, err := neturl.ParseRequestURI(url)
	if err != nil {
		return nil, fmt.Errorf("key set %s: %w", url, err)
	}
	remote, err := jwkset.NewStorageFromHTTP(u, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		Ctx:                       ctx,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           keyRefreshInterval,
		RefreshErrorHandler: func(ctx context.Context, err error) {
			logger.Warn().Err(err).Str("jwks_url", url).Msg("refresh signing keys")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("key set %s: %w", url, err)
	}
	storage, err := jwkset.NewHTTPClient(jwkset.HTTPClientOptions{
		HTTPURLs:          map[string]jwkset.Storage{url: remote},
		RefreshUnknownKID: rate.NewLimiter(rate.Every(unknownKIDInterval), 1),
		RateLimitWaitMax:  unknownKIDWaitMax,
	})
	if err != nil {
		return nil, fmt.Errorf("key set %s: %w", url, err)
	}
	return keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
}

// discoverKeySetURL reads the jwks_uri from the issuer's OpenID Connect
// discovery document.
func discoverKeySetURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	url := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openid discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openid discovery: GET %s: status %d", url, resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("openid discovery: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("openid discovery: document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

// rejectAll fails every token with err. It stands in when no key set could be
// built so the server still starts and answers 401.
func rejectAll(err error) func(context.Context) jwt.Keyfunc {
	return func(context.Context) jwt.Keyfunc {
		return func(*jwt.Token) (interface{}, error) { return nil, err }
	}
}
