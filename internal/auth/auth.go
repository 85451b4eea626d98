// Package auth issues and checks the HS256 bearer tokens that protect the
// hub's API.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
)

const (
	Issuer     = "routing-hub"
	DefaultTTL = 24 * time.Hour

	revocationPrefix = "jwt:blacklist:"
)

// Claims are the token claims. Scopes are informational; every valid token
// may call every API endpoint.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// RevocationStore remembers revoked tokens until they would have expired
type RevocationStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type Auth struct {
	secret  []byte
	revoked RevocationStore
	now     func() time.Time
	logger  logging.Logger
}

// New creates an authenticator. revoked may be nil, which disables revocation.
func New(secret string, revoked RevocationStore) (*Auth, error) {
	if len(secret) < 32 {
		return nil, errors.ConfigError("JWT secret must be at least 32 characters long")
	}
	return &Auth{
		secret:  []byte(secret),
		revoked: revoked,
		now:     time.Now,
		logger:  logging.GetGlobalLogger().WithFields(logging.Component("auth")),
	}, nil
}

// GenerateJWT signs a token for subject valid for ttl
func (a *Auth) GenerateJWT(subject string, ttl time.Duration, scopes ...string) (string, error) {
	if subject == "" {
		return "", errors.ValidationError("token subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := a.now()
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.InternalError("failed to sign token", err)
	}
	return token, nil
}

// ValidateJWT parses tokenString and rejects anything not signed with HS256
// by this hub, expired, or revoked
func (a *Auth) ValidateJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return nil, errors.AuthError("invalid token")
	}

	if a.revoked != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if v, err := a.revoked.Get(ctx, revocationPrefix+tokenString); err == nil && v != "" {
			return nil, errors.AuthError("token has been revoked")
		}
	}
	return claims, nil
}

// Revoke blacklists tokenString for the rest of its lifetime
func (a *Auth) Revoke(ctx context.Context, tokenString string) error {
	if a.revoked == nil {
		return errors.ConfigError("token revocation is not configured")
	}
	claims, err := a.ValidateJWT(tokenString)
	if err != nil {
		return err
	}
	ttl := claims.ExpiresAt.Time.Sub(a.now())
	if ttl <= 0 {
		return nil
	}
	if err := a.revoked.Set(ctx, revocationPrefix+tokenString, "revoked", ttl); err != nil {
		return errors.InternalError("failed to revoke token", err)
	}
	a.logger.Info("Token revoked", logging.String("subject", claims.Subject))
	return nil
}

type claimsKey struct{}

// ClaimsFrom returns the claims RequireAuth attached to ctx
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// RequireAuth rejects requests without a valid bearer token
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			unauthorized(w, "Authentication required")
			return
		}
		claims, err := a.ValidateJWT(token)
		if err != nil {
			unauthorized(w, err.Error())
			return
		}
		r.Header.Set("X-User-ID", claims.Subject)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="routing-hub"`)
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

// RedisRevocations stores revoked tokens in Redis
type RedisRevocations struct {
	client *redis.Client
}

func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client}
}

func (r *RedisRevocations) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisRevocations) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

var _ RevocationStore = (*RedisRevocations)(nil)
