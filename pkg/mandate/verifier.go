package mandate

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helmpay/pkg/crypto"
	"github.com/Mindburn-Labs/helmpay/pkg/nonce"
)

// ChainVerifier runs the ordered chain checks. The first failing check
// determines the rejection reason.
type ChainVerifier struct {
	replay        nonce.Cache
	archive       Archive
	scorer        DriftScorer
	keys          crypto.KeyResolver
	requireProofs bool
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a ChainVerifier.
type Option func(*ChainVerifier)

// WithProofs enables proof verification against keys. When required is
// true a mandate without a proof is rejected.
func WithProofs(keys crypto.KeyResolver, required bool) Option {
	return func(v *ChainVerifier) {
		v.keys = keys
		v.requireProofs = required
	}
}

func WithScorer(s DriftScorer) Option {
	return func(v *ChainVerifier) { v.scorer = s }
}

func WithClock(now func() time.Time) Option {
	return func(v *ChainVerifier) { v.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(v *ChainVerifier) { v.logger = l }
}

// NewChainVerifier creates a verifier. replay and archive are required.
func NewChainVerifier(replay nonce.Cache, archive Archive, opts ...Option) *ChainVerifier {
	v := &ChainVerifier{
		replay:  replay,
		archive: archive,
		scorer:  DefaultScorer(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks chain. Rejections are reported in the Result; a non-nil
// error means a dependency failed and the chain must be treated as rejected.
func (v *ChainVerifier) Verify(ctx context.Context, chain *Chain) (*Result, error) {
	if chain == nil {
		return v.reject(ctx, &Result{}, ReasonMalformed, "chain is missing"), nil
	}
	res := &Result{}
	if chain.Payment != nil {
		res.MandateID = chain.Payment.MandateID
		res.Subject = chain.Payment.Subject
	}

	// 1. Structure.
	for _, pair := range []struct {
		m *Mandate
		t Type
	}{{chain.Intent, TypeIntent}, {chain.Cart, TypeCart}, {chain.Payment, TypePayment}} {
		if reason, detail := Validate(pair.m, pair.t); reason != "" {
			return v.reject(ctx, res, reason, detail), nil
		}
	}
	if v.keys != nil {
		for _, m := range chain.Mandates() {
			if detail := v.verifyProof(ctx, m); detail != "" {
				return v.reject(ctx, res, ReasonInvalidProof, detail), nil
			}
		}
	}

	intent, cart, payment := chain.Intent, chain.Cart, chain.Payment

	// 2. Subject consistency.
	if intent.Subject != cart.Subject || cart.Subject != payment.Subject {
		return v.reject(ctx, res, ReasonSubjectMismatch,
			fmt.Sprintf("subjects %q/%q/%q differ", intent.Subject, cart.Subject, payment.Subject)), nil
	}

	// 3. Amount and destination consistency.
	if cart.TotalMinor != payment.AmountMinor {
		return v.reject(ctx, res, ReasonAmountMismatch,
			fmt.Sprintf("cart total %d != payment amount %d", cart.TotalMinor, payment.AmountMinor)), nil
	}
	if cart.Currency != payment.Currency {
		return v.reject(ctx, res, ReasonAmountMismatch,
			fmt.Sprintf("cart currency %s != payment currency %s", cart.Currency, payment.Currency)), nil
	}
	if cart.Destination != "" && !SameDestination(cart.Destination, payment.Destination) {
		return v.reject(ctx, res, ReasonDestinationMismatch, "payment destination differs from cart"), nil
	}

	// 4. Expiry.
	now := v.now().Unix()
	for _, m := range chain.Mandates() {
		if m.ExpiresAt <= now {
			return v.reject(ctx, res, ReasonExpired, fmt.Sprintf("%s mandate %s expired", m.Type, m.MandateID)), nil
		}
	}

	// 5. Replay, scoped per subject.
	replayKey := payment.Subject + ":" + payment.Nonce
	fresh, err := v.replay.Claim(ctx, replayKey)
	if err != nil {
		return v.reject(ctx, res, ReasonReplay, "replay cache unavailable"), fmt.Errorf("mandate: replay check: %w", err)
	}
	if !fresh {
		return v.reject(ctx, res, ReasonReplay, "payment nonce already used"), nil
	}

	// 6. Archive.
	hash, err := canonicalize.Fingerprint(chain)
	if err != nil {
		_ = v.replay.Forget(context.WithoutCancel(ctx), replayKey)
		return v.reject(ctx, res, ReasonMalformed, err.Error()), nil
	}
	ref, err := v.archive.Append(ctx, &Record{
		MandateID:   payment.MandateID,
		Subject:     payment.Subject,
		Chain:       *chain,
		ContentHash: hash,
		AcceptedAt:  v.now().UTC(),
	})
	if err != nil {
		v.logger.ErrorContext(ctx, "mandate: archive failed", "mandate_id", payment.MandateID, "error", err)
		// The chain was not accepted, so its nonce stays usable.
		if ferr := v.replay.Forget(context.WithoutCancel(ctx), replayKey); ferr != nil {
			v.logger.ErrorContext(ctx, "mandate: nonce release failed", "mandate_id", payment.MandateID, "error", ferr)
		}
		res.Reason = "archive_unavailable"
		return res, fmt.Errorf("mandate: archive: %w", err)
	}
	res.ArchiveRef = ref

	// 7. Drift.
	res.DriftScore, res.DriftReasons = v.scorer.Score(chain)

	res.Accepted = true
	v.logger.InfoContext(ctx, "mandate chain accepted",
		"mandate_id", payment.MandateID, "subject", payment.Subject, "drift_score", res.DriftScore)
	return res, nil
}

func (v *ChainVerifier) verifyProof(ctx context.Context, m *Mandate) string {
	if m.Proof == nil {
		if v.requireProofs {
			return fmt.Sprintf("%s mandate has no proof", m.Type)
		}
		return ""
	}
	pub, err := v.keys.ResolveKey(ctx, m.Proof.KeyID)
	if err != nil {
		return fmt.Sprintf("%s mandate signed by unknown key", m.Type)
	}
	sig, err := base64.StdEncoding.DecodeString(m.Proof.Signature)
	if err != nil {
		return fmt.Sprintf("%s mandate proof is not base64", m.Type)
	}
	msg, err := canonicalize.JCS(m.Unsigned())
	if err != nil {
		return err.Error()
	}
	if err := crypto.Verify(m.Proof.Alg, pub, msg, sig); err != nil {
		return fmt.Sprintf("%s mandate proof: %v", m.Type, err)
	}
	return ""
}

func (v *ChainVerifier) reject(ctx context.Context, res *Result, reason, detail string) *Result {
	v.logger.InfoContext(ctx, "mandate chain rejected",
		"mandate_id", res.MandateID, "reason", reason, "detail", detail)
	res.Accepted = false
	res.Reason = reason
	res.Detail = detail
	return res
}

// Sign attaches an Ed25519 proof to m. Used by agents and tests.
func Sign(m *Mandate, signer *crypto.Ed25519Signer, created time.Time) error {
	msg, err := canonicalize.JCS(m.Unsigned())
	if err != nil {
		return err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return err
	}
	m.Proof = &Proof{KeyID: signer.KeyID, Alg: crypto.AlgEd25519, Created: created.Unix(), Signature: sig}
	return nil
}
