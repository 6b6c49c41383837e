package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
)

var (
	ErrMissingToken     = api.Authentication("MISSING_TOKEN", "missing bearer token")
	ErrInvalidToken     = api.Authentication("INVALID_TOKEN", "invalid or expired token")
	ErrAuthUnconfigured = api.Authentication("AUTH_UNCONFIGURED", "authentication is not configured")
)

// Claims are the JWT claims expected from callers.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string   `json:"org_id"`
	Roles          []string `json:"roles,omitempty"`
}

// JWTValidator validates HMAC-signed bearer tokens.
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTValidator returns nil when secret is empty, which the middleware
// treats as unconfigured.
func NewJWTValidator(secret []byte, issuer string) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTValidator{secret: secret, parser: jwt.NewParser(opts...)}
}

// Validate parses tokenStr and returns its principal.
func (v *JWTValidator) Validate(tokenStr string) (Principal, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.OrganizationID == "" {
		return Principal{}, errors.New("token must bind a subject and an organization")
	}
	return Principal{Subject: claims.Subject, OrganizationID: claims.OrganizationID, Roles: claims.Roles}, nil
}

// Sign issues a token for p. Used by operators and tests.
func (v *JWTValidator) Sign(p Principal, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrganizationID: p.OrganizationID,
		Roles:          p.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

var publicPaths = []string{"/health"}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates bearer-token middleware. With a nil validator every
// non-public request is rejected.
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			scheme, tokenStr, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || scheme != "Bearer" || tokenStr == "" {
				api.Render(w, r, ErrMissingToken)
				return
			}
			if validator == nil {
				api.Render(w, r, ErrAuthUnconfigured)
				return
			}
			p, err := validator.Validate(tokenStr)
			if err != nil {
				api.Render(w, r, ErrInvalidToken.WithCause(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
