// Package client implements the payer-side protocol core: session identifier
// derivation, backend-authoritative nonce fetching, intent build/sign, and
// settlement submission with explicit failure classification. The UI layer
// is expected to call through this surface and nothing else.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/intent"
	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/session"
	"github.com/meterpay/meterpay-backend/internal/usdc"
)

// Config represents payment client configuration
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	DeadlineWindow time.Duration `yaml:"deadline_window"`
}

// Client talks to the settlement backend on behalf of one payer. Signing is
// delegated to the wallet-held Signer; the client never touches key
// material.
type Client struct {
	baseURL        string
	payer          string
	signer         intent.Signer
	httpClient     *http.Client
	deadlineWindow time.Duration
	logger         *zap.Logger
}

// NewClient creates a payment client for the given payer and wallet signer.
func NewClient(cfg *Config, payer string, signer intent.Signer, logger *zap.Logger) *Client {
	window := cfg.DeadlineWindow
	if window <= 0 {
		window = intent.DefaultDeadlineWindow
	}
	return &Client{
		baseURL: cfg.BaseURL,
		payer:   payer,
		signer:  signer,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		deadlineWindow: window,
		logger:         logger,
	}
}

// Payer returns the account this client pays from.
func (c *Client) Payer() string {
	return c.payer
}

// FetchNonce queries the backend for the account's next usable nonce. The
// backend is the single nonce authority: the result must be used
// immediately and never cached or reused across intents.
func (c *Client) FetchNonce(ctx context.Context, address string) (uint64, error) {
	var resp models.NonceResponse
	if err := c.get(ctx, fmt.Sprintf("/api/nonce/%s", address), &resp); err != nil {
		return 0, newError(KindNonceFetch, "failed to fetch nonce", err)
	}
	return resp.Nonce, nil
}

// ReadEscrowBalance reads the account's escrow balance as a display
// decimal. A non-finite or unparseable balance converts to zero with a
// logged warning; transport failures propagate as network errors.
func (c *Client) ReadEscrowBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var resp models.BalanceResponse
	if err := c.get(ctx, fmt.Sprintf("/api/balance/%s", address), &resp); err != nil {
		return decimal.Zero, newError(KindNetwork, "failed to read escrow balance", err)
	}

	display, fallback := usdc.DisplayFromRaw(resp.BalanceUSDC)
	if fallback {
		c.logger.Warn("Escrow balance conversion fell back to zero",
			zap.String("address", address),
			zap.String("raw", resp.BalanceUSDC),
		)
		return decimal.Zero, nil
	}
	return display, nil
}

// IsSessionSettled answers the idempotent settlement check. Safe to call
// any number of times; this is the only sanctioned way to resolve an
// ambiguous settlement outcome.
func (c *Client) IsSessionSettled(ctx context.Context, sessionID string) (bool, error) {
	var resp models.SettledResponse
	if err := c.get(ctx, fmt.Sprintf("/api/is-settled/%s", sessionID), &resp); err != nil {
		return false, newError(KindNetwork, "failed to check settlement", err)
	}
	return resp.IsSettled, nil
}

// BuildSignedIntent derives the session id, fetches a fresh nonce, builds
// the intent with the configured deadline window, and requests a wallet
// signature. A declined prompt surfaces as a user-rejected error and leaves
// no partial state.
func (c *Client) BuildSignedIntent(ctx context.Context, sessionCounter uint64, amount int64) (models.SignedPaymentIntent, error) {
	sessionID, err := session.HexID(c.payer, sessionCounter)
	if err != nil {
		return models.SignedPaymentIntent{}, newError(KindValidation, "failed to derive session id", err)
	}
	return c.SignIntentFor(ctx, sessionID, amount)
}

// SignIntentFor builds and signs an intent for an already-derived session
// id. The nonce is fetched immediately before the build.
func (c *Client) SignIntentFor(ctx context.Context, sessionID string, amount int64) (models.SignedPaymentIntent, error) {
	nonce, err := c.FetchNonce(ctx, c.payer)
	if err != nil {
		return models.SignedPaymentIntent{}, err
	}

	pi, err := intent.Build(c.payer, sessionID, amount, time.Now().Add(c.deadlineWindow), nonce)
	if err != nil {
		return models.SignedPaymentIntent{}, newError(KindValidation, "failed to build payment intent", err)
	}

	signed, err := intent.Sign(pi, c.signer)
	if err != nil {
		if errors.Is(err, intent.ErrUserRejected) {
			return models.SignedPaymentIntent{}, newError(KindUserRejected, "wallet signature declined", err)
		}
		return models.SignedPaymentIntent{}, newError(KindValidation, "failed to sign payment intent", err)
	}
	return signed, nil
}

// ExecutePayment submits a signed intent for settlement. A clean backend
// rejection surfaces as a validation error; a timeout or connection loss
// surfaces as an ambiguous outcome that must be resolved through
// IsSessionSettled before anything is resubmitted — and a resubmission must
// always be a newly built, newly signed intent with a fresh nonce, never
// the same signed bytes.
func (c *Client) ExecutePayment(ctx context.Context, signed models.SignedPaymentIntent, serviceType models.ServiceType, metadata map[string]interface{}) (*models.ExecutePaymentResponse, error) {
	req := models.ExecutePaymentRequest{
		PaymentIntent: signed,
		ServiceType:   serviceType,
		Metadata:      metadata,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, newError(KindValidation, "failed to marshal payment request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/execute-payment", bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindValidation, "failed to create payment request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// The request may or may not have reached the backend; the outcome
		// is unknown until IsSessionSettled says otherwise.
		return nil, newError(KindAmbiguous, "settlement submission outcome unknown", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
		var rejection struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if decodeErr := json.NewDecoder(httpResp.Body).Decode(&rejection); decodeErr != nil {
			rejection.Error = httpResp.Status
		}
		return nil, &Error{
			Kind:    KindValidation,
			Code:    rejection.Code,
			Message: rejection.Error,
		}
	}
	if httpResp.StatusCode != http.StatusOK {
		// A 5xx can mean the backend broadcast the transfer and lost track
		// of it; only IsSessionSettled can say what happened.
		return nil, newError(KindAmbiguous, fmt.Sprintf("backend returned status %d", httpResp.StatusCode), nil)
	}

	var resp models.ExecutePaymentResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, newError(KindAmbiguous, "failed to decode settlement response", err)
	}
	return &resp, nil
}

// Pay runs the full payment flow for one usage session: derive the session
// id, fetch a fresh nonce, build and sign the intent, submit for
// settlement. Each failure carries its kind so the caller can apply the
// right recovery.
func (c *Client) Pay(ctx context.Context, sessionCounter uint64, amount int64, serviceType models.ServiceType, metadata map[string]interface{}) (*models.ExecutePaymentResponse, error) {
	signed, err := c.BuildSignedIntent(ctx, sessionCounter, amount)
	if err != nil {
		return nil, err
	}

	resp, err := c.ExecutePayment(ctx, signed, serviceType, metadata)
	if err != nil {
		if IsAmbiguous(err) {
			c.logger.Warn("Settlement outcome ambiguous; resolve via IsSessionSettled before any retry",
				zap.String("session_id", signed.SessionID),
			)
		}
		return nil, err
	}

	c.logger.Info("Payment settled",
		zap.String("session_id", signed.SessionID),
		zap.String("tx_hash", resp.TxHash),
		zap.String("amount_usdc", resp.AmountUSDC),
	)
	return resp, nil
}

// Transactions fetches a page of the payer's ledger history.
func (c *Client) Transactions(ctx context.Context, page, pageSize int, sort models.SortOrder) (*models.TransactionListResponse, error) {
	req := models.TransactionListRequest{
		Address:  c.payer,
		Page:     page,
		PageSize: pageSize,
		Sort:     sort,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, newError(KindValidation, "failed to marshal history request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/web2/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindValidation, "failed to create history request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, newError(KindNetwork, "failed to list transactions", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, newError(KindNetwork, fmt.Sprintf("backend returned status %d", httpResp.StatusCode), nil)
	}

	var resp models.TransactionListResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, newError(KindNetwork, "failed to decode history response", err)
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
