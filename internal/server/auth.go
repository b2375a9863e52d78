package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"taskline/internal/domain"
	"taskline/internal/repo"
)

type AuthConfig struct {
	JWTSecret              string
	TokenTTL               time.Duration
	AllowLegacyActorHeader bool
	Logger                 *log.Logger
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c AuthConfig) tokenTTL() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return time.Hour
}

func withActor(ctx context.Context, a domain.ActorContext) context.Context {
	return context.WithValue(ctx, principalKey{}, a)
}

func actorFromContext(ctx context.Context) (domain.ActorContext, bool) {
	a, ok := ctx.Value(principalKey{}).(domain.ActorContext)
	return a, ok
}

func requireActor(ctx context.Context) (domain.ActorContext, huma.StatusError) {
	if a, ok := actorFromContext(ctx); ok && a.ID != "" {
		return a, nil
	}
	return domain.ActorContext{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Kind         string   `json:"kind,omitempty"`
	Tenant       string   `json:"tenant,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func authenticateJWT(token, secret string) (domain.ActorContext, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.ActorContext{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return domain.ActorContext{}, err
	}
	if !parsed.Valid {
		return domain.ActorContext{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return domain.ActorContext{}, errors.New("subject claim required")
	}
	kind := claims.Kind
	if kind == "" {
		kind = domain.KindHuman
	}
	return domain.ActorContext{
		ID:           claims.Subject,
		Kind:         kind,
		TenantID:     claims.Tenant,
		Capabilities: claims.Capabilities,
	}, nil
}

// issueToken signs a credential binding the actor to its active tenant.
func issueToken(cfg AuthConfig, w domain.Worker, tenantID string, now time.Time) (string, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   w.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.tokenTTL())),
		},
		Kind:         w.Kind,
		Tenant:       tenantID,
		Capabilities: w.Capabilities,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// authenticateAPIKey resolves the key's worker so the credential carries the
// worker's kind and capability tags.
func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (domain.ActorContext, error) {
	if strings.TrimSpace(key) == "" {
		return domain.ActorContext{}, errors.New("api key required")
	}
	hash := repo.HashAPIKey(key)
	apiKey, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return domain.ActorContext{}, err
	}
	w, err := r.GetWorker(ctx, apiKey.ActorID)
	if err != nil {
		return domain.ActorContext{}, err
	}
	if w.Disabled {
		return domain.ActorContext{}, errors.New("worker disabled")
	}
	return domain.ActorContext{
		ID:           w.ID,
		Kind:         w.Kind,
		Capabilities: w.Capabilities,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath, defaultTenant string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	tokenPath := path.Join(basePath, "auth/token")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == tokenPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			legacyActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				actor, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				if actor.TenantID == "" {
					actor.TenantID = defaultTenant
				}
				next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
				return
			}

			if apiKeyHeader != "" {
				actor, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				actor.TenantID = defaultTenant
				next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
				return
			}

			if legacyActor != "" && cfg.AllowLegacyActorHeader {
				cfg.logger().Printf("WARNING: using legacy X-Actor-Id header without auth; deprecated and ignored when Authorization or X-Api-Key is present (actor_id=%s)", legacyActor)
				next.ServeHTTP(w, req.WithContext(withActor(req.Context(), domain.ActorContext{
					ID:       legacyActor,
					Kind:     domain.KindHuman,
					TenantID: defaultTenant,
				})))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
