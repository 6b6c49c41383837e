package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helmpay/pkg/config"
	"github.com/Mindburn-Labs/helmpay/pkg/crypto"
)

func TestRun_Dispatch(t *testing.T) {
	served := 0
	orig := startServer
	startServer = func(io.Writer) int { served++; return 0 }
	t.Cleanup(func() { startServer = orig })

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"helmpay"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"helmpay", "serve"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"helmpay", "--port=9000"}, &out, &errOut))
	assert.Equal(t, 3, served)

	out.Reset()
	assert.Equal(t, 0, Run([]string{"helmpay", "version"}, &out, &errOut))
	assert.Contains(t, out.String(), version)

	out.Reset()
	assert.Equal(t, 0, Run([]string{"helmpay", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "keygen")

	errOut.Reset()
	assert.Equal(t, 2, Run([]string{"helmpay", "bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: bogus")
}

func TestKeygen_OutputLoadsIntoKeyRing(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"helmpay", "keygen", "--id", "agent-key-1"}, &out, &errOut))

	var entry string
	for _, line := range strings.Split(out.String(), "\n") {
		if rest, ok := strings.CutPrefix(line, "public:"); ok {
			entry = strings.TrimSpace(rest)
		}
	}
	require.NotEmpty(t, entry)
	ring, err := crypto.LoadKeyRing([]string{entry})
	require.NoError(t, err)
	assert.Equal(t, 1, ring.Len())

	assert.Equal(t, 2, Run([]string{"helmpay", "keygen"}, &out, &errOut))
}

func TestToken(t *testing.T) {
	t.Setenv("JWT_HMAC_SECRET", "cli-secret")
	t.Setenv("JWT_ISSUER", "helmpay")

	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"helmpay", "token", "--sub", "agent_1", "--org", "org-1", "--role", "approver"}, &out, &errOut),
		errOut.String())
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out.String()), "."))

	assert.Equal(t, 2, Run([]string{"helmpay", "token", "--sub", "agent_1"}, &out, &errOut))

	t.Setenv("JWT_HMAC_SECRET", "")
	assert.Equal(t, 1, Run([]string{"helmpay", "token", "--sub", "agent_1", "--org", "org-1"}, &out, &errOut))
}

func TestHealthCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"helmpay", "health", "--addr", srv.URL}, &out, &errOut))
	assert.Equal(t, "OK\n", out.String())
}

func TestParseBalances(t *testing.T) {
	b, err := parseBalances([]string{"wallet-1:USDC:5000", "wallet-2:USDC:0"})
	require.NoError(t, err)
	got, err := b.SpendableBalance(context.Background(), "wallet-1", "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got)

	for _, bad := range []string{"wallet-1:USDC", "wallet-1:USDC:abc", ":USDC:1", "w:USDC:-5"} {
		_, err := parseBalances([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestBuildApp_LiteMode(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("HELMPAY_ENV", "development")
	t.Setenv("HELMPAY_EXECUTION_MODE", "")
	t.Setenv("HELMPAY_AGENT_KEYS", "")
	t.Setenv("HELMPAY_POLICY_PROFILE", "")
	t.Setenv("ARCHIVE_STORAGE_TYPE", "fs")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("JWT_HMAC_SECRET", "lite-secret")

	cfg := config.Load()
	a, err := buildApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.close()

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"simulated"`)

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/payments/execute", strings.NewReader("{}")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	n, err := a.scheduler.RunNow(context.Background(), "hold-expiry")
	require.NoError(t, err)
	assert.Zero(t, n)
}
