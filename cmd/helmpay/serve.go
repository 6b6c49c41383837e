package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helmpay/pkg/auth"
	"github.com/Mindburn-Labs/helmpay/pkg/blobstore"
	"github.com/Mindburn-Labs/helmpay/pkg/compliance"
	"github.com/Mindburn-Labs/helmpay/pkg/config"
	"github.com/Mindburn-Labs/helmpay/pkg/crypto"
	"github.com/Mindburn-Labs/helmpay/pkg/escalation"
	"github.com/Mindburn-Labs/helmpay/pkg/finance"
	"github.com/Mindburn-Labs/helmpay/pkg/hold"
	"github.com/Mindburn-Labs/helmpay/pkg/idempotency"
	"github.com/Mindburn-Labs/helmpay/pkg/jobs"
	"github.com/Mindburn-Labs/helmpay/pkg/mandate"
	"github.com/Mindburn-Labs/helmpay/pkg/nonce"
	"github.com/Mindburn-Labs/helmpay/pkg/observability"
	"github.com/Mindburn-Labs/helmpay/pkg/payments"
	"github.com/Mindburn-Labs/helmpay/pkg/pilot"
	"github.com/Mindburn-Labs/helmpay/pkg/reconcile"
	"github.com/Mindburn-Labs/helmpay/pkg/retry"
	"github.com/Mindburn-Labs/helmpay/pkg/server"
	"github.com/Mindburn-Labs/helmpay/pkg/store"
	"github.com/Mindburn-Labs/helmpay/pkg/tap"
)

const (
	// mandateNonceTTL bounds how long mandate nonces are remembered. A mandate
	// valid for longer could be replayed once its nonce is forgotten.
	mandateNonceTTL       = 72 * time.Hour
	idempotencyRetention  = 30 * 24 * time.Hour
	limiterIdle           = 30 * time.Minute
	jobTimeout            = 2 * time.Minute
	shutdownTimeout       = 15 * time.Second
	readHeaderTimeout     = 10 * time.Second
	approvalTimeout       = 24 * time.Hour
	settlementBreakerTrip = 5
)

// app is the dependency graph, built once at startup.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *store.DB
	redis     *redis.Client
	telemetry *observability.Provider
	scheduler *jobs.Scheduler
	handler   http.Handler
}

func runServer(stderr io.Writer) int {
	if err := config.LoadEnvFiles(); err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("helmpay listening", "addr", srv.Addr, "env", cfg.Environment, "lite", cfg.Lite())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown", "error", err)
	}
	return 0
}

//nolint:gocognit,gocyclo
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "helmpay",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       !cfg.Production(),
	})
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	// Storage
	dsn := cfg.DatabaseURL
	if cfg.Lite() {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
		dsn = cfg.SQLitePath()
		logger.Info("DATABASE_URL not set, using lite mode", "path", dsn)
	}
	a.db, err = store.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	auditSink, err := store.NewSQLAuditSink(ctx, a.db)
	if err != nil {
		return nil, err
	}
	audit := store.NewAuditStore(auditSink)
	seq, head, err := auditSink.Head(ctx)
	if err != nil {
		return nil, err
	}
	if seq > 0 {
		audit.Resume(seq, head)
	}

	// Replay defenses
	var tapNonces, mandateNonces nonce.Cache
	memNonces := map[string]*nonce.MemoryCache{}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		tapNonces = nonce.NewRedisCache(a.redis, cfg.TAPWindow, "helmpay:tap:")
		mandateNonces = nonce.NewRedisCache(a.redis, mandateNonceTTL, "helmpay:mandate:")
	} else {
		tn, mn := nonce.NewMemoryCache(cfg.TAPWindow), nonce.NewMemoryCache(mandateNonceTTL)
		tapNonces, mandateNonces = tn, mn
		memNonces["tap"], memNonces["mandate"] = tn, mn
		if cfg.Production() {
			logger.Warn("REDIS_ADDR not set: replay caches are per-instance")
		}
	}

	keys, err := crypto.LoadKeyRing(cfg.AgentKeys)
	if err != nil {
		return nil, fmt.Errorf("agent keys: %w", err)
	}
	var tapVerifier *tap.Verifier
	if keys.Len() > 0 || cfg.Production() {
		tapVerifier = tap.NewVerifier(keys, tapNonces, tap.WithWindow(cfg.TAPWindow), tap.WithLogger(logger))
	} else {
		logger.Warn("no agent keys configured: signed-request verification disabled outside production")
	}

	archive, err := openArchive(ctx, cfg, a.db)
	if err != nil {
		return nil, err
	}
	vopts := []mandate.Option{mandate.WithLogger(logger)}
	if keys.Len() > 0 || cfg.Production() {
		vopts = append(vopts, mandate.WithProofs(keys, cfg.Production()))
	}
	verifier := mandate.NewChainVerifier(mandateNonces, archive, vopts...)

	// Compliance
	oracleRetry := retry.New(retry.DefaultConfig(), retry.WithLogger(logger))
	approvals := escalation.NewManager().WithTimeout(approvalTimeout)
	spend, err := finance.NewSQLTracker(ctx, a.db)
	if err != nil {
		return nil, err
	}
	gateOpts := []compliance.Option{
		compliance.WithSpendTracker(spend),
		compliance.WithApprovals(approvals),
		compliance.WithRetry(oracleRetry),
		compliance.WithLogger(logger),
	}
	if cfg.PolicyProfilePath != "" {
		rules, err := compliance.NewRuleEvaluator()
		if err != nil {
			return nil, err
		}
		profile, err := config.LoadPolicyProfile(cfg.PolicyProfilePath, rules)
		if err != nil {
			return nil, err
		}
		logger.Info("policy profile loaded", "name", profile.Name, "version", profile.Version, "policies", len(profile.Policies))
		gateOpts = append(gateOpts, compliance.WithPolicies(profile.Store()))
	}
	gate, err := compliance.NewGate(compliance.Config{
		KYCThresholdMinor:       cfg.KYCThresholdMinor,
		HighValueThresholdMinor: cfg.HighValueThresholdMinor,
		DriftBlockThreshold:     cfg.DriftBlockThreshold,
		RequirePolicy:           cfg.Production(),
	}, compliance.NewStaticKYC(), compliance.NewBlocklist("local"), audit, gateOpts...)
	if err != nil {
		return nil, err
	}

	mode := pilot.ResolveMode(cfg.Environment, cfg.ExecutionMode)
	guard := pilot.NewGuard(pilot.Policy{
		Mode:             mode,
		AllowedOrgs:      cfg.PilotAllowedOrgs,
		AllowedMerchants: cfg.PilotAllowedMerchants,
		MaxAmountMinor:   cfg.PilotMaxAmountMinor,
	}, logger)
	if mode.Live() {
		logger.Warn("live execution mode has no settlement executor wired; executions fail closed", "mode", mode)
	}

	// Holds
	balances, err := parseBalances(cfg.WalletBalances)
	if err != nil {
		return nil, err
	}
	var holdStore hold.Store = hold.NewMemoryStore()
	if a.db.Dialect == store.DialectPostgres {
		ps := hold.NewPostgresStore(a.db.DB)
		if err := ps.Migrate(ctx); err != nil {
			return nil, err
		}
		holdStore = ps
	}
	holds := hold.NewLedger(holdStore, balances, hold.WithMaxHours(cfg.HoldMaxHours), hold.WithLogger(logger))

	journeys, err := reconcile.NewSQLStore(ctx, a.db)
	if err != nil {
		return nil, err
	}
	reconciler := reconcile.NewReconciler(journeys, reconcile.Config{
		DriftToleranceMinor: cfg.DriftToleranceMinor,
		StaleAfter:          cfg.StaleAfter,
	}, reconcile.WithAudit(audit), reconcile.WithLogger(logger))

	idemStore, err := idempotency.NewSQLStore(ctx, a.db)
	if err != nil {
		return nil, err
	}

	orch, err := payments.New(payments.Deps{
		Guard:       guard,
		Verifier:    verifier,
		Gate:        gate,
		Idempotency: idempotency.NewCoordinator(idemStore, logger),
		Reconciler:  reconciler,
		Audit:       audit,
		Retry:       retry.New(retry.DefaultConfig(), retry.WithLogger(logger)),
		Breaker:     retry.NewBreaker("settlement", settlementBreakerTrip, 30*time.Second),
		Telemetry:   a.telemetry,
		Approvals:   approvals,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	// Edge
	policy := auth.RatePolicy{RPM: cfg.RateLimitRPM, Burst: cfg.RateBurst}
	var limiter auth.Limiter
	var memLimiter *auth.MemoryLimiter
	if a.redis != nil {
		limiter = auth.NewRedisLimiter(a.redis, policy)
	} else {
		memLimiter = auth.NewMemoryLimiter(policy)
		limiter = memLimiter
	}
	jwtValidator := auth.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if jwtValidator == nil {
		logger.Warn("JWT_HMAC_SECRET not set: all /v1 requests will be rejected")
	}

	a.handler = server.New(server.Deps{
		Orchestrator: orch,
		Guard:        guard,
		Holds:        holds,
		Reconciler:   reconciler,
		JWT:          jwtValidator,
		Limiter:      limiter,
		TAP:          tapVerifier,
		Logger:       logger,
	})

	// Background sweeps
	a.scheduler = jobs.NewScheduler(jobTimeout, logger)
	sweeps := []jobs.Job{
		jobs.HoldExpiry(holds),
		jobs.DriftGuard(reconciler),
		jobs.StaleGuard(reconciler),
		jobs.ApprovalTimeouts(orch),
		jobs.IdempotencyPurge(idemStore, idempotencyRetention),
	}
	for name, c := range memNonces {
		sweep := jobs.NonceSweep(c)
		sweep.Name += "-" + name
		sweeps = append(sweeps, sweep)
	}
	if memLimiter != nil {
		sweeps = append(sweeps, jobs.LimiterSweep(memLimiter, limiterIdle))
	}
	for _, j := range sweeps {
		if err := a.scheduler.Add(j); err != nil {
			return nil, err
		}
	}

	logger.Info("helmpay initialized", "mode", mode, "dialect", a.db.Dialect, "agent_keys", keys.Len(),
		"redis", a.redis != nil, "tap", tapVerifier != nil)
	return a, nil
}

func openArchive(ctx context.Context, cfg *config.Config, db *store.DB) (mandate.Archive, error) {
	if strings.EqualFold(cfg.ArchiveStorageType, "sql") {
		return mandate.NewSQLArchive(ctx, db)
	}
	blobs, err := blobstore.New(ctx, blobstore.Config{
		Type:     blobstore.Type(strings.ToLower(cfg.ArchiveStorageType)),
		DataDir:  filepath.Join(cfg.DataDir, "mandates"),
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
		Prefix:   "mandates/",
	})
	if err != nil {
		return nil, fmt.Errorf("mandate archive: %w", err)
	}
	return mandate.NewBlobArchive(blobs), nil
}

// parseBalances reads "wallet:token:amount" entries.
func parseBalances(entries []string) (*hold.StaticBalances, error) {
	b := hold.NewStaticBalances()
	for _, e := range entries {
		parts := strings.Split(e, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("wallet balance %q: want wallet:token:amount", e)
		}
		amount, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || amount < 0 {
			return nil, fmt.Errorf("wallet balance %q: invalid amount", e)
		}
		b.Set(parts[0], parts[1], amount)
	}
	return b, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Error("telemetry shutdown", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
