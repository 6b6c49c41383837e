package tap

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
)

type contextKey struct{}

// FromContext returns the verification result stored by Middleware.
func FromContext(ctx context.Context) (Result, bool) {
	res, ok := ctx.Value(contextKey{}).(Result)
	return res, ok
}

// WithResult stores res in ctx.
func WithResult(ctx context.Context, res Result) context.Context {
	return context.WithValue(ctx, contextKey{}, res)
}

// Middleware rejects requests whose signature does not verify.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := v.Verify(r.Context(), RequestFromHTTP(r))
			if err != nil {
				slog.ErrorContext(r.Context(), "tap: verification unavailable", "error", err)
				api.Render(w, r, api.Unavailable("SIGNATURE_VERIFICATION_UNAVAILABLE", "signature verification is unavailable").WithCause(err))
				return
			}
			if !res.Valid {
				api.Render(w, r, api.Authentication("SIGNATURE_REJECTED", res.Reason))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), res)))
		})
	}
}
