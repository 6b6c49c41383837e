// Package server exposes the payment trust core over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
	"github.com/Mindburn-Labs/helmpay/pkg/auth"
	"github.com/Mindburn-Labs/helmpay/pkg/hold"
	"github.com/Mindburn-Labs/helmpay/pkg/mandate"
	"github.com/Mindburn-Labs/helmpay/pkg/payments"
	"github.com/Mindburn-Labs/helmpay/pkg/pilot"
	"github.com/Mindburn-Labs/helmpay/pkg/reconcile"
	"github.com/Mindburn-Labs/helmpay/pkg/tap"
)

const (
	maxBodyBytes = 1 << 20

	// IdempotencyKeyHeader carries the caller's retry key.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader is set on responses served from the idempotency store.
	ReplayedHeader = "Idempotent-Replayed"

	// RoleApprover may resolve pending approvals.
	RoleApprover = "approver"
	// RoleOperator may resolve reconciliation reviews.
	RoleOperator = "operator"
)

var (
	ErrInvalidJSON = api.Validation("INVALID_JSON", "request body is not valid JSON")
	ErrForbidden   = api.PolicyDenied("ROLE_REQUIRED", "caller lacks the required role")
)

// Deps are the handlers' collaborators. Orchestrator and Guard are required;
// routes whose dependency is nil are not mounted.
type Deps struct {
	Orchestrator *payments.Orchestrator
	Guard        *pilot.Guard
	Holds        *hold.Ledger
	Reconciler   *reconcile.Reconciler
	JWT          *auth.JWTValidator
	Limiter      auth.Limiter
	TAP          *tap.Verifier
	Logger       *slog.Logger
}

type server struct {
	Deps
	logger *slog.Logger
}

// New builds the router.
func New(d Deps) http.Handler {
	s := &server{Deps: d, logger: d.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")

	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Get("/health", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.NewMiddleware(d.JWT))
		if d.Limiter != nil {
			r.Use(auth.RateLimitMiddleware(d.Limiter, s.logger))
		}

		if d.TAP != nil {
			r.With(tap.Middleware(d.TAP)).Post("/payments/execute", s.executePayment)
		} else {
			r.Post("/payments/execute", s.executePayment)
		}

		if d.Holds != nil {
			r.Post("/holds", s.createHold)
			r.Get("/holds/{holdID}", s.getHold)
			r.Post("/holds/{holdID}/capture", s.captureHold)
			r.Post("/holds/{holdID}/void", s.voidHold)
		}

		if d.Reconciler != nil {
			r.Post("/settlement/events", s.ingestEvent)
			r.Get("/settlement/journeys/{reference}", s.getJourney)
			r.Get("/reconciliation/reviews", s.listReviews)
			r.Post("/reconciliation/reviews/{taskID}/resolve", s.resolveReview)
		}

		if d.Orchestrator.ApprovalsEnabled() {
			r.Get("/approvals/{approvalID}", s.getApproval)
			r.Post("/approvals/{approvalID}/approve", s.approve)
			r.Post("/approvals/{approvalID}/execute", s.executeApproved)
			r.Post("/approvals/{approvalID}/deny", s.deny)
		}
	})
	return r
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(s.Guard.Mode())})
}

func (s *server) executePayment(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	var chain mandate.Chain
	if err := decode(w, r, &chain); err != nil {
		api.Render(w, r, err)
		return
	}
	if res, ok := tap.FromContext(r.Context()); ok {
		s.logger.DebugContext(r.Context(), "signed request accepted", "key_id", res.KeyID, "subject", p.Subject)
	}

	resp, err := s.Orchestrator.Execute(r.Context(), payments.Request{
		Principal:      p.Pilot(),
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		Chain:          &chain,
	})
	if err != nil {
		api.Render(w, r, err)
		return
	}
	if resp.Replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	api.WriteJSON(w, resp.StatusCode, resp.Result)
}

func (s *server) createHold(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	var req hold.CreateRequest
	if err := decode(w, r, &req); err != nil {
		api.Render(w, r, err)
		return
	}
	if err := s.Guard.Enforce(r.Context(), p.Pilot(), req.MerchantID, &req.AmountMinor, "holds.create"); err != nil {
		api.Render(w, r, err)
		return
	}
	req.OrganizationID = p.OrganizationID
	h, err := s.Holds.Create(r.Context(), req)
	if err != nil {
		api.Render(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, h)
}

// ownedHold loads the hold named in the path, hiding holds of other
// organizations.
func (s *server) ownedHold(r *http.Request) (*hold.Hold, error) {
	p, _ := auth.GetPrincipal(r.Context())
	return s.Holds.Owned(r.Context(), p.OrganizationID, chi.URLParam(r, "holdID"))
}

func (s *server) getHold(w http.ResponseWriter, r *http.Request) {
	h, err := s.ownedHold(r)
	if err != nil {
		api.Render(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h)
}

type captureRequest struct {
	AmountMinor *int64 `json:"amount_minor,omitempty"`
}

func (s *server) captureHold(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeOptional(w, r, &req); err != nil {
		api.Render(w, r, err)
		return
	}
	owned, err := s.ownedHold(r)
	if err != nil {
		api.Render(w, r, err)
		return
	}
	h, err := s.Holds.Capture(r.Context(), owned.HoldID, req.AmountMinor)
	if err != nil {
		api.Render(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h)
}

func (s *server) voidHold(w http.ResponseWriter, r *http.Request) {
	owned, err := s.ownedHold(r)
	if err != nil {
		api.Render(w, r, err)
		return
	}
	h, err := s.Holds.Void(r.Context(), owned.HoldID)
	if err != nil {
		api.Render(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h)
}

func (s *server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	var raw reconcile.RawEvent
	if err := decode(w, r, &raw); err != nil {
		api.Render(w, r, err)
		return
	}
	// Events are always attributed to the caller's organization.
	raw.OrganizationID = p.OrganizationID
	res, err := s.Reconciler.IngestRaw(r.Context(), raw)
	if err != nil {
		api.Render(w, r, reconcileError(err))
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *server) getJourney(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	j, err := s.Reconciler.Journey(r.Context(), p.OrganizationID, chi.URLParam(r, "reference"))
	if err != nil {
		api.Render(w, r, reconcileError(err))
		return
	}
	api.WriteJSON(w, http.StatusOK, j)
}

func (s *server) listReviews(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	tasks, err := s.Reconciler.Reviews(r.Context(), p.OrganizationID, reconcile.ReviewStatus(r.URL.Query().Get("status")))
	if err != nil {
		api.Render(w, r, reconcileError(err))
		return
	}
	if tasks == nil {
		tasks = []*reconcile.ReviewTask{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"reviews": tasks})
}

func (s *server) resolveReview(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	if !p.HasRole(RoleOperator) {
		api.Render(w, r, ErrForbidden)
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if err := s.Reconciler.Resolve(r.Context(), p.OrganizationID, taskID); err != nil {
		api.Render(w, r, reconcileError(err))
		return
	}
	s.logger.InfoContext(r.Context(), "review resolved", "task_id", taskID, "by", p.ActorID())
	api.WriteJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(reconcile.ReviewResolved)})
}

func (s *server) getApproval(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	req, err := s.Orchestrator.Approval(p.OrganizationID, chi.URLParam(r, "approvalID"))
	if err != nil {
		api.Render(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, req)
}

type denyRequest struct {
	Reason string `json:"reason"`
}

func (s *server) approve(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	if !p.HasRole(RoleApprover) {
		api.Render(w, r, ErrForbidden)
		return
	}
	out, err := s.Orchestrator.Approve(r.Context(), p.OrganizationID, chi.URLParam(r, "approvalID"), p.ActorID())
	if err != nil {
		api.Render(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

// executeApproved retries an approved payment whose dispatch failed.
func (s *server) executeApproved(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	if !p.HasRole(RoleApprover) {
		api.Render(w, r, ErrForbidden)
		return
	}
	resp, err := s.Orchestrator.ExecuteApproved(r.Context(), p.OrganizationID, chi.URLParam(r, "approvalID"))
	if err != nil {
		api.Render(w, r, err)
		return
	}
	api.WriteJSON(w, resp.StatusCode, resp.Result)
}

func (s *server) deny(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.GetPrincipal(r.Context())
	if !p.HasRole(RoleApprover) {
		api.Render(w, r, ErrForbidden)
		return
	}
	var req denyRequest
	if err := decodeOptional(w, r, &req); err != nil {
		api.Render(w, r, err)
		return
	}
	receipt, err := s.Orchestrator.Deny(r.Context(), p.OrganizationID, chi.URLParam(r, "approvalID"), p.ActorID(), req.Reason)
	if err != nil {
		api.Render(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, receipt)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return ErrInvalidJSON.WithCause(err)
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return ErrInvalidJSON.WithCause(err)
}

func reconcileError(err error) error {
	switch {
	case errors.Is(err, reconcile.ErrUnknownEventType), errors.Is(err, reconcile.ErrUnknownRail),
		errors.Is(err, reconcile.ErrInvalidEvent):
		return api.Validation("INVALID_SETTLEMENT_EVENT", err.Error()).WithCause(err)
	case errors.Is(err, reconcile.ErrJourneyNotFound):
		return api.NotFound("JOURNEY_NOT_FOUND", "journey not found").WithCause(err)
	case errors.Is(err, reconcile.ErrReviewNotFound):
		return api.NotFound("REVIEW_NOT_FOUND", "review task not found").WithCause(err)
	}
	return err
}
