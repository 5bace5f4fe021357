package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBalance_ShowsDebtWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/wallet":
			_, _ = w.Write([]byte(`{"role":"driver","balance":"-450","in_debt":true}`))
		case "/api/v1/wallet/transactions":
			_, _ = w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := run(t, "balance", "--api", srv.URL, "--token", "tok", "--role", "driver")
	require.NoError(t, err)
	assert.Contains(t, out, "driver wallet: -450.00 MT")
	assert.Contains(t, out, "You owe commission")
}

func TestTopUp_RefreshesAfterCredit(t *testing.T) {
	var walletCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/wallet":
			if walletCalls.Add(1) == 1 {
				_, _ = w.Write([]byte(`{"role":"passenger","balance":"0"}`))
				return
			}
			_, _ = w.Write([]byte(`{"role":"passenger","balance":"100"}`))
		case "/api/v1/wallet/transactions":
			_, _ = w.Write([]byte(`[]`))
		case "/api/v1/wallet/topups":
			assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
			_, _ = w.Write([]byte(`{"attempt_id":"a-1","state":"SUCCESS","amount":"100","balance":"100"}`))
		}
	}))
	defer srv.Close()

	out, err := run(t, "topup", "--api", srv.URL, "--token", "tok", "--method", "mpesa", "--amount", "100", "--phone", "841112233")
	require.NoError(t, err)
	assert.Contains(t, out, "Credited 100.00 MT")
	assert.Contains(t, out, "passenger wallet: 100.00 MT")
	assert.NotContains(t, out, "not yet confirmed")
}

func TestTopUp_LedgerDesyncExplains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/wallet/topups" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":"ledger_desync","attempt_id":"a-9","error":"charged but not credited; under reconciliation"}`))
			return
		}
		_, _ = w.Write([]byte(`{"role":"passenger","balance":"0"}`))
	}))
	defer srv.Close()

	out, err := run(t, "topup", "--api", srv.URL, "--token", "tok", "--amount", "10", "--phone", "841112233")
	require.Error(t, err)
	assert.Contains(t, out, "Reconciliation is running for attempt a-9")
}

func TestCommands_RequireToken(t *testing.T) {
	t.Setenv("WALLET_TOKEN", "")
	_, err := run(t, "balance")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestToken_IssuesJWT(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	out, err := run(t, "token", "--roles", "driver,passenger")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."))
}
