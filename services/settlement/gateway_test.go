package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/errutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestGateway(t *testing.T, h http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Settlement.Endpoint = srv.URL
	cfg.Settlement.ApiKey = "secret"
	return NewGateway(cfg).WithPollInterval(5 * time.Millisecond)
}

func TestGatewayDeposit(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/escrow/cmp-1/deposits", r.URL.Path)
		require.Equal(t, "txn-1", r.Header.Get("Idempotency-Key"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body DepositRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.True(t, body.Amount.Equal(decimal.RequireFromString("12.5")))

		_ = json.NewEncoder(w).Encode(map[string]string{"handle": "0xabc"})
	})

	handle, err := g.Deposit(context.Background(), DepositRequest{
		CampaignID:     "cmp-1",
		Amount:         decimal.RequireFromString("12.5"),
		IdempotencyKey: "txn-1",
	})
	require.NoError(t, err)
	require.Equal(t, "0xabc", handle)
}

func TestGatewayErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		code      errutil.CoreStatus
	}{
		{name: "throttled", status: http.StatusTooManyRequests, retryable: true, code: errutil.StatusTooManyRequests},
		{name: "upstream down", status: http.StatusServiceUnavailable, retryable: true, code: errutil.StatusBadGateway},
		{name: "rejected", status: http.StatusBadRequest, retryable: false, code: errutil.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
			})

			_, err := g.Release(context.Background(), ReleaseRequest{CampaignID: "cmp-1"})
			require.Error(t, err)
			require.Equal(t, tt.retryable, errutil.IsRetryable(err))
			require.Equal(t, tt.code, errutil.From(err).Code)
			require.Contains(t, err.Error(), "nope")
		})
	}
}

func TestGatewayBalanceAndSpent(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/escrow/cmp-1/balance":
			_, _ = w.Write([]byte(`{"amount":"40.25"}`))
		case "/v1/escrow/cmp-1/spent":
			_, _ = w.Write([]byte(`{"amount":"79.999999"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	bal, err := g.Balance(context.Background(), "cmp-1")
	require.NoError(t, err)
	require.Equal(t, "40.25", bal.String())

	spent, err := g.SpentOnChain(context.Background(), "cmp-1")
	require.NoError(t, err)
	require.Equal(t, "79.999999", spent.String())
}

func TestGatewayWaitForConfirmationPolls(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transactions/0xabc", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("confirmations"))

		n := calls.Add(1)
		switch {
		case n == 1:
			w.WriteHeader(http.StatusBadGateway)
		case n < 4:
			_, _ = w.Write([]byte(`{"status":"confirmed","confirmations":1}`))
		default:
			_, _ = w.Write([]byte(`{"status":"confirmed","confirmations":2,"block_ref":"blk-9","fee_used":"0.0002"}`))
		}
	})

	receipt, err := g.WaitForConfirmation(context.Background(), "0xabc", 2)
	require.NoError(t, err)
	require.True(t, receipt.Success)
	require.Equal(t, "blk-9", receipt.BlockRef)
	require.Equal(t, "0.0002", receipt.FeeUsed.String())
	require.Equal(t, int32(4), calls.Load())
}

func TestGatewayWaitForConfirmationFailure(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","error":"reverted"}`))
	})

	receipt, err := g.WaitForConfirmation(context.Background(), "0xdead", 1)
	require.NoError(t, err)
	require.False(t, receipt.Success)
	require.Equal(t, "reverted", receipt.Error)
}

func TestGatewayWaitForConfirmationBounded(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := g.WaitForConfirmation(ctx, "0xslow", 1)
	require.Error(t, err)
	require.Equal(t, errutil.StatusTimeout, errutil.From(err).Code)
}

func TestGatewayConsent(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/consents":
			_, _ = w.Write([]byte(`{"handle":"0xc0"}`))
		case "/v1/consents/verify":
			require.Equal(t, "user-1", r.URL.Query().Get("subject_id"))
			require.Equal(t, "ads", r.URL.Query().Get("scope"))
			_, _ = w.Write([]byte(`{"valid":true}`))
		}
	})

	handle, err := g.RecordConsent(context.Background(), ConsentRequest{SubjectID: "user-1", Scope: "ads", IdempotencyKey: "txn-2"})
	require.NoError(t, err)
	require.Equal(t, "0xc0", handle)

	ok, err := g.VerifyConsent(context.Background(), "user-1", "ads", "")
	require.NoError(t, err)
	require.True(t, ok)
}
