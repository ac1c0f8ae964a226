package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	ActorIDHeader   = "X-Actor-ID"
	ActorRoleHeader = "X-Actor-Role"
)

// Claims are the bearer token claims the server reads: the subject is the
// actor id, Roles carries the scheduling role among whatever else the
// identity provider puts there.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// JWKSURL overrides OpenID discovery on Issuer.
	JWKSURL string
	// SigningKey switches verification to HS256 with a shared key. Local
	// development and tests only.
	SigningKey []byte
	Logger     zerolog.Logger
}

// keys picks how signatures are checked and returns a jwt.Keyfunc per
// request, so a key set refetch is bounded by the request deadline. Discovery
// runs once, here; if it fails every token is rejected until the process
// restarts.
func (cfg JWTConfig) keys() func(context.Context) jwt.Keyfunc {
	if len(cfg.SigningKey) > 0 {
		static := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
		return func(context.Context) jwt.Keyfunc { return static }
	}
	client := &http.Client{Timeout: 10 * time.Second}
	url := cfg.JWKSURL
	if url == "" && cfg.Issuer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		if url, err = discoverKeySetURL(ctx, client, cfg.Issuer); err != nil {
			cfg.Logger.Error().Err(err).Str("issuer", cfg.Issuer).Msg("discover signing keys")
			return rejectAll(err)
		}
	}
	remote, err := newRemoteKeys(context.Background(), url, client, cfg.Logger)
	if err != nil {
		cfg.Logger.Error().Err(err).Msg("load signing keys")
		return rejectAll(err)
	}
	return remote.KeyfuncCtx
}

func (cfg JWTConfig) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, token, ok := strings.Cut(h, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return token, nil
}

// JWTMiddleware verifies the bearer token and stores the caller as an Actor
// on the request context. The first recognised entry of the roles claim is
// the actor's role; a valid token with none of them gets 403.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keys := cfg.keys()
	opts := cfg.parserOptions()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := bearerToken(c.Request())
			if err != nil {
				return err
			}

			var claims Claims
			if _, err := jwt.ParseWithClaims(raw, &claims, keys(c.Request().Context()), opts...); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}
			role := pickRole(claims.Roles)
			if role == "" {
				return echo.NewHTTPError(http.StatusForbidden, "token carries no scheduling role")
			}

			setActor(c, Actor{ID: claims.Subject, Role: role})
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts the X-Actor-ID and X-Actor-Role headers. Requests
// that carry a bearer token instead are handed to fallback when it is set.
func DevAuthMiddleware(fallback echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		var viaToken echo.HandlerFunc
		if fallback != nil {
			viaToken = fallback(next)
		}
		return func(c echo.Context) error {
			h := c.Request().Header
			id := strings.TrimSpace(h.Get(ActorIDHeader))
			if id == "" {
				if viaToken != nil && h.Get("Authorization") != "" {
					return viaToken(c)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+ActorIDHeader+" header")
			}

			role := strings.ToLower(strings.TrimSpace(h.Get(ActorRoleHeader)))
			if !IsKnownRole(role) {
				return echo.NewHTTPError(http.StatusUnauthorized,
					fmt.Sprintf("%s must be one of patient, doctor, receptionist", ActorRoleHeader))
			}

			setActor(c, Actor{ID: id, Role: role})
			return next(c)
		}
	}
}

func setActor(c echo.Context, a Actor) {
	c.Set("actor_id", a.ID)
	c.Set("actor_role", a.Role)
	c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), a)))
}
