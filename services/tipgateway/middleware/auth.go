package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"ecotip/services/tipgateway/apperr"
)

// AuthConfig configures creator session tokens.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	TokenTTL   time.Duration
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyCreator contextKey = "ecotip.creator"

// Authenticator issues and verifies HMAC-signed creator tokens.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticator constructs an authenticator. An empty secret makes every
// protected request fail with 401.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * 24 * time.Hour
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		logger: logger,
		now:    time.Now,
	}
}

// Issue signs a token whose subject is the creator id.
func (a *Authenticator) Issue(creatorID uuid.UUID) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, errors.New("auth secret not configured")
	}
	now := a.now()
	expires := now.Add(a.cfg.TokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   creatorID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	if a.cfg.Issuer != "" {
		claims.Issuer = a.cfg.Issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify parses the token and returns the creator id it was issued for.
func (a *Authenticator) Verify(tokenString string) (uuid.UUID, error) {
	if len(a.secret) == 0 {
		return uuid.Nil, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, err
	}
	if !token.Valid {
		return uuid.Nil, errors.New("token invalid")
	}
	return uuid.Parse(claims.Subject)
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated creator id on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, apperr.ErrUnauthorized, "missing bearer token")
			return
		}
		creatorID, err := a.Verify(tokenString)
		if err != nil {
			a.logger.Warn("auth: token validation failed", slog.Any("error", err))
			writeError(w, apperr.ErrUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyCreator, creatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CreatorID returns the authenticated creator, if any.
func CreatorID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(contextKeyCreator).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// WithCreatorID attaches an authenticated creator id to ctx.
func WithCreatorID(ctx context.Context, creatorID uuid.UUID) context.Context {
	return context.WithValue(ctx, contextKeyCreator, creatorID)
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
