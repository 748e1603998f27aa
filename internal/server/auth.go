package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"staffline/internal/repo"
)

// AuthConfig selects how API callers are identified. Bearer tokens and API
// keys are always accepted. TrustedActorHeader names a header whose value is
// taken as the actor without verification, for deployments behind a proxy
// that authenticates operators itself; it is off when empty.
type AuthConfig struct {
	JWTSecret          string
	TrustedActorHeader string
	Logger             *slog.Logger
	Now                func() time.Time
}

// Principal is the authenticated caller. Via names the credential that
// identified it: token, api_key or header.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Via         string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c AuthConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// errNoCredential means the request carries no credential of that kind and the
// next one should be tried.
var errNoCredential = errors.New("no credential")

type credential func(*http.Request) (Principal, error)

// credentials lists the accepted credential kinds in the order they are tried.
func (c AuthConfig) credentials(r repo.Repo) []credential {
	creds := []credential{c.bearer, c.apiKey(r)}
	if h := strings.TrimSpace(c.TrustedActorHeader); h != "" {
		creds = append(creds, c.trustedHeader(h))
	}
	return creds
}

func authenticate(req *http.Request, creds []credential) (Principal, error) {
	for _, cred := range creds {
		p, err := cred(req)
		if errors.Is(err, errNoCredential) {
			continue
		}
		return p, err
	}
	return Principal{}, errNoCredential
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func (c AuthConfig) bearer(req *http.Request) (Principal, error) {
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	if authz == "" {
		return Principal{}, errNoCredential
	}
	scheme, token, ok := strings.Cut(authz, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return Principal{}, errors.New("authorization header is not a bearer token")
	}
	if c.JWTSecret == "" {
		return Principal{}, errors.New("bearer tokens are not configured")
	}
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(c.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Permissions: claims.Permissions, Via: "token"}, nil
}

func (c AuthConfig) apiKey(r repo.Repo) credential {
	return func(req *http.Request) (Principal, error) {
		key := strings.TrimSpace(req.Header.Get("X-Api-Key"))
		if key == "" {
			return Principal{}, errNoCredential
		}
		stored, err := r.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(key))
		if err != nil {
			return Principal{}, err
		}
		if err := r.TouchAPIKey(req.Context(), stored.ID, c.now().UTC().Format(time.RFC3339)); err != nil {
			c.logger().Warn("api key last use not recorded", "key_id", stored.ID, "err", err)
		}
		return Principal{ActorID: stored.ActorID, Via: "api_key"}, nil
	}
}

func (c AuthConfig) trustedHeader(name string) credential {
	return func(req *http.Request) (Principal, error) {
		actor := strings.TrimSpace(req.Header.Get(name))
		if actor == "" {
			return Principal{}, errNoCredential
		}
		return Principal{ActorID: actor, Via: "header"}, nil
	}
}

// SignToken issues an HS256 token for actorID; the CLI uses it for operators
// and integrations that cannot hold an API key.
func SignToken(secret, actorID string, roles, permissions []string, ttl time.Duration, now time.Time) (string, error) {
	switch {
	case secret == "":
		return "", errors.New("jwt secret not configured")
	case strings.TrimSpace(actorID) == "":
		return "", errors.New("actor id required")
	}
	claims := tokenClaims{Roles: roles, Permissions: permissions}
	claims.Subject = actorID
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// newAuthMiddleware authenticates every request under basePath except the
// health check.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := map[string]bool{path.Join(basePath, "health"): true}
	creds := cfg.credentials(r)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p, err := authenticate(req, creds)
			switch {
			case errors.Is(err, errNoCredential):
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			case err != nil:
				cfg.logger().Info("authentication failed", "path", req.URL.Path, "err", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
			default:
				if p.Via == "header" {
					cfg.logger().Debug("actor taken from trusted header", "actor_id", p.ActorID, "path", req.URL.Path)
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
			}
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
