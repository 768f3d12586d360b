package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/errutil"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	statusPending   = "pending"
	statusConfirmed = "confirmed"
	statusFailed    = "failed"
)

// Gateway talks JSON over HTTP to the settlement gateway.
type Gateway struct {
	http         *resty.Client
	pollInterval time.Duration
}

type handleResponse struct {
	Handle string `json:"handle"`
}

type amountResponse struct {
	Amount decimal.Decimal `json:"amount"`
}

type statusResponse struct {
	Status        string          `json:"status"`
	Confirmations int             `json:"confirmations"`
	BlockRef      string          `json:"block_ref"`
	FeeUsed       decimal.Decimal `json:"fee_used"`
	Error         string          `json:"error"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func NewGateway(cfg *config.Config) *Gateway {
	client := resty.New().
		SetBaseURL(cfg.Settlement.Endpoint).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetError(&errorResponse{})

	if cfg.Settlement.ApiKey != "" {
		client.SetAuthToken(cfg.Settlement.ApiKey)
	}

	return &Gateway{
		http:         client,
		pollInterval: 2 * time.Second,
	}
}

func (g *Gateway) req(ctx context.Context) *resty.Request {
	return g.http.R().SetContext(ctx).ForceContentType("application/json")
}

// WithPollInterval sets how often WaitForConfirmation queries a handle.
func (g *Gateway) WithPollInterval(d time.Duration) *Gateway {
	g.pollInterval = d
	return g
}

func (g *Gateway) Deposit(ctx context.Context, req DepositRequest) (string, error) {
	var out handleResponse
	resp, err := g.req(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetPathParam("campaign", req.CampaignID).
		SetBody(req).
		SetResult(&out).
		Post("/v1/escrow/{campaign}/deposits")
	if err := check(resp, err, "deposit"); err != nil {
		return "", err
	}
	return out.Handle, nil
}

func (g *Gateway) Release(ctx context.Context, req ReleaseRequest) (string, error) {
	var out handleResponse
	resp, err := g.req(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetPathParam("campaign", req.CampaignID).
		SetBody(req).
		SetResult(&out).
		Post("/v1/escrow/{campaign}/releases")
	if err := check(resp, err, "release"); err != nil {
		return "", err
	}
	return out.Handle, nil
}

func (g *Gateway) Balance(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	return g.amount(ctx, "/v1/escrow/{campaign}/balance", campaignID, "balance")
}

func (g *Gateway) SpentOnChain(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	return g.amount(ctx, "/v1/escrow/{campaign}/spent", campaignID, "spent")
}

func (g *Gateway) amount(ctx context.Context, path, campaignID, op string) (decimal.Decimal, error) {
	var out amountResponse
	resp, err := g.req(ctx).
		SetPathParam("campaign", campaignID).
		SetResult(&out).
		Get(path)
	if err := check(resp, err, op); err != nil {
		return decimal.Zero, err
	}
	return out.Amount, nil
}

// WaitForConfirmation polls the handle until it is final or ctx ends.
func (g *Gateway) WaitForConfirmation(ctx context.Context, handle string, confirmations int) (*Receipt, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		var out statusResponse
		resp, err := g.req(ctx).
			SetPathParam("handle", handle).
			SetQueryParam("confirmations", strconv.Itoa(confirmations)).
			SetResult(&out).
			Get("/v1/transactions/{handle}")
		if err := check(resp, err, "status"); err != nil {
			if !errutil.IsRetryable(err) || ctx.Err() != nil {
				return nil, err
			}
			zap.L().Debug("settlement status poll failed", zap.String("handle", handle), zap.Error(err))
		} else {
			switch out.Status {
			case statusConfirmed:
				if out.Confirmations >= confirmations {
					return &Receipt{Handle: handle, Success: true, BlockRef: out.BlockRef, FeeUsed: out.FeeUsed}, nil
				}
			case statusFailed:
				return &Receipt{Handle: handle, Success: false, BlockRef: out.BlockRef, FeeUsed: out.FeeUsed, Error: out.Error}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, errutil.Timeout("confirmation wait ended", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *Gateway) RecordConsent(ctx context.Context, req ConsentRequest) (string, error) {
	var out handleResponse
	resp, err := g.req(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(req).
		SetResult(&out).
		Post("/v1/consents")
	if err := check(resp, err, "record consent"); err != nil {
		return "", err
	}
	return out.Handle, nil
}

func (g *Gateway) VerifyConsent(ctx context.Context, subjectID, scope, campaignID string) (bool, error) {
	var out verifyResponse
	resp, err := g.req(ctx).
		SetQueryParams(map[string]string{
			"subject_id":  subjectID,
			"scope":       scope,
			"campaign_id": campaignID,
		}).
		SetResult(&out).
		Get("/v1/consents/verify")
	if err := check(resp, err, "verify consent"); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// check maps transport failures and non-2xx answers onto errutil statuses so
// callers can tell transient failures from permanent ones.
func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errutil.Timeout(fmt.Sprintf("settlement %s timed out", op), err)
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return errutil.BadGateway(fmt.Sprintf("settlement %s failed", op), err)
	}
	if !resp.IsError() {
		return nil
	}

	msg := fmt.Sprintf("settlement %s rejected", op)
	if e, ok := resp.Error().(*errorResponse); ok && e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests:
		return errutil.TooManyRequest(msg, nil)
	case code == http.StatusNotFound:
		return errutil.NotFound(msg, nil)
	case code >= 500:
		return errutil.BadGateway(msg, nil)
	default:
		return errutil.BadRequest(msg, nil)
	}
}
