// Package tap verifies agent request signatures in the Trusted Agent
// Protocol format (RFC 9421 HTTP message signatures with a nonce).
package tap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/crypto"
	"github.com/Mindburn-Labs/helmpay/pkg/nonce"
)

// DefaultWindow is the accepted clock distance from the created timestamp.
const DefaultWindow = 8 * time.Minute

// Public rejection reasons. Missing headers, malformed input, unknown keys
// and failed verification all collapse to ReasonInvalidSignature.
const (
	ReasonInvalidSignature     = "invalid_signature"
	ReasonUnsupportedAlgorithm = "unsupported_algorithm"
	ReasonOutsideWindow        = "signature_outside_window"
	ReasonReplayedNonce        = "nonce_replayed"
)

// Result is the outcome of verifying one request.
type Result struct {
	Valid   bool
	Reason  string
	KeyID   string
	Nonce   string
	Tag     string
	Alg     string
	Created time.Time
}

// Verifier checks request signatures against registered agent keys.
type Verifier struct {
	keys   crypto.KeyResolver
	nonces nonce.Cache
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithWindow(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

func NewVerifier(keys crypto.KeyResolver, nonces nonce.Cache, opts ...Option) *Verifier {
	v := &Verifier{
		keys:   keys,
		nonces: nonces,
		window: DefaultWindow,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks req. A non-nil error means the replay cache was unavailable;
// the request must then be treated as rejected.
//
// The nonce is recorded only after the signature verifies, so a forged
// request cannot burn a legitimate agent's nonce.
func (v *Verifier) Verify(ctx context.Context, req Request) (Result, error) {
	if req.SignatureInput == "" || req.Signature == "" {
		return v.reject(ctx, Result{}, ReasonInvalidSignature, "missing signature headers"), nil
	}

	params, err := ParseSignatureInput(req.SignatureInput)
	if err != nil {
		return v.reject(ctx, Result{}, ReasonInvalidSignature, err.Error()), nil
	}
	res := Result{
		KeyID:   params.KeyID,
		Nonce:   params.Nonce,
		Tag:     params.Tag,
		Alg:     params.Alg,
		Created: time.Unix(params.Created, 0).UTC(),
	}

	if !crypto.Supported(params.Alg) {
		return v.reject(ctx, res, ReasonUnsupportedAlgorithm, "alg "+params.Alg), nil
	}

	now := v.now().Unix()
	window := int64(v.window / time.Second)
	if delta := now - params.Created; delta > window || -delta > window {
		return v.reject(ctx, res, ReasonOutsideWindow, fmt.Sprintf("created skew %ds", delta)), nil
	}
	if params.Expires != 0 && now > params.Expires {
		return v.reject(ctx, res, ReasonOutsideWindow, "expired"), nil
	}

	seen, err := v.nonces.Seen(ctx, params.Nonce)
	if err != nil {
		return v.reject(ctx, res, ReasonInvalidSignature, "nonce cache unavailable"), fmt.Errorf("tap: nonce lookup: %w", err)
	}
	if seen {
		return v.reject(ctx, res, ReasonReplayedNonce, "nonce already used"), nil
	}

	pub, err := v.keys.ResolveKey(ctx, params.KeyID)
	if err != nil || pub == nil {
		return v.reject(ctx, res, ReasonInvalidSignature, "unknown key"), nil
	}
	sig, err := ParseSignature(req.Signature, params.Label)
	if err != nil {
		return v.reject(ctx, res, ReasonInvalidSignature, "signature header"), nil
	}
	base, err := SignatureBase(req, params)
	if err != nil {
		return v.reject(ctx, res, ReasonInvalidSignature, err.Error()), nil
	}
	if err := crypto.Verify(params.Alg, pub, []byte(base), sig); err != nil {
		if errors.Is(err, crypto.ErrUnsupportedAlgorithm) {
			return v.reject(ctx, res, ReasonUnsupportedAlgorithm, err.Error()), nil
		}
		return v.reject(ctx, res, ReasonInvalidSignature, err.Error()), nil
	}

	fresh, err := v.nonces.Claim(ctx, params.Nonce)
	if err != nil {
		return v.reject(ctx, res, ReasonInvalidSignature, "nonce cache unavailable"), fmt.Errorf("tap: nonce claim: %w", err)
	}
	if !fresh {
		return v.reject(ctx, res, ReasonReplayedNonce, "nonce claimed concurrently"), nil
	}

	res.Valid = true
	return res, nil
}

func (v *Verifier) reject(ctx context.Context, res Result, reason, detail string) Result {
	v.logger.InfoContext(ctx, "tap: signature rejected",
		"reason", reason, "detail", detail, "keyid", res.KeyID)
	res.Valid = false
	res.Reason = reason
	return res
}
