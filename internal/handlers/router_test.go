package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/intent"
	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/service"
	"github.com/meterpay/meterpay-backend/internal/session"
	"github.com/meterpay/meterpay-backend/internal/store"
)

type stubEscrow struct {
	balance   *big.Int
	settleErr error
}

func (s *stubEscrow) BalanceOf(context.Context, string) (*big.Int, error) {
	if s.balance == nil {
		return big.NewInt(0), nil
	}
	return s.balance, nil
}

func (s *stubEscrow) Settle(context.Context, string, string, *big.Int) (string, error) {
	if s.settleErr != nil {
		return "", s.settleErr
	}
	return "0xsettled", nil
}

func (s *stubEscrow) Deposit(context.Context, *big.Int) (string, error) {
	return "0xdeposit", nil
}

func (s *stubEscrow) Withdraw(context.Context, *big.Int) (string, error) {
	return "0xwithdraw", nil
}

type discardPublisher struct{}

func (discardPublisher) Settled(models.SettlementEvent) {}

func (discardPublisher) ReconciliationGap(models.ReconciliationGapEvent) {}

func newTestServer(t *testing.T, escrow *stubEscrow) *httptest.Server {
	t.Helper()
	svc := service.NewSettlementService(store.NewMemoryStore(), escrow, discardPublisher{}, &service.Config{
		MaxPaymentAmount: 1_000_000_000,
		DefaultPageSize:  20,
		MaxPageSize:      100,
	}, zap.NewNop())
	srv := httptest.NewServer(NewRouter(svc, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})
	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	require.Equal(t, "healthy", health["status"])
}

func TestGetBalance(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{balance: big.NewInt(5_000_000)})

	var resp models.BalanceResponse
	status := getJSON(t, srv.URL+"/api/balance/0x8ba1f109551bD432803012645Ac136ddd64DBA72", &resp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "5000000", resp.Balance)
	require.Equal(t, "5.000000", resp.BalanceUSDC)
}

func TestGetBalanceRejectsMalformedAddress(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})

	var body map[string]interface{}
	status := getJSON(t, srv.URL+"/api/balance/nope", &body)
	require.Equal(t, http.StatusBadRequest, status)
	require.NotEmpty(t, body["error"])
}

func TestGetNonce(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})

	var resp models.NonceResponse
	status := getJSON(t, srv.URL+"/api/nonce/0x8ba1f109551bD432803012645Ac136ddd64DBA72", &resp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, uint64(0), resp.Nonce)
}

func TestExecutePaymentEndToEnd(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})
	signer, err := intent.GenerateLocalSigner()
	require.NoError(t, err)

	sessionID, err := session.HexID(signer.Address(), 1)
	require.NoError(t, err)
	pi, err := intent.Build(signer.Address(), sessionID, 1_250_000, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	signed, err := intent.Sign(pi, signer)
	require.NoError(t, err)

	var resp models.ExecutePaymentResponse
	status := postJSON(t, srv.URL+"/api/execute-payment", models.ExecutePaymentRequest{
		PaymentIntent: signed,
		ServiceType:   models.ServiceTypeVideoStream,
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)
	require.Equal(t, "0xsettled", resp.TxHash)

	// The settlement is now visible through the idempotent check.
	var settled models.SettledResponse
	status = getJSON(t, srv.URL+"/api/is-settled/"+sessionID, &settled)
	require.Equal(t, http.StatusOK, status)
	require.True(t, settled.IsSettled)

	// A duplicate submission conflicts instead of settling twice.
	fresh, err := intent.Build(signer.Address(), sessionID, 1_250_000, time.Now().Add(time.Minute), 1)
	require.NoError(t, err)
	resigned, err := intent.Sign(fresh, signer)
	require.NoError(t, err)

	var errBody map[string]interface{}
	status = postJSON(t, srv.URL+"/api/execute-payment", models.ExecutePaymentRequest{
		PaymentIntent: resigned,
		ServiceType:   models.ServiceTypeVideoStream,
	}, &errBody)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, models.ErrCodeSessionSettled, errBody["code"])
}

func TestExecutePaymentRejectsTamperedIntent(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})
	signer, err := intent.GenerateLocalSigner()
	require.NoError(t, err)

	sessionID, err := session.HexID(signer.Address(), 1)
	require.NoError(t, err)
	pi, err := intent.Build(signer.Address(), sessionID, 1_000_000, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	signed, err := intent.Sign(pi, signer)
	require.NoError(t, err)
	signed.Amount = 50_000_000

	var errBody map[string]interface{}
	status := postJSON(t, srv.URL+"/api/execute-payment", models.ExecutePaymentRequest{
		PaymentIntent: signed,
		ServiceType:   models.ServiceTypeVideoStream,
	}, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, models.ErrCodeSignatureInvalid, errBody["code"])
	require.NotEmpty(t, errBody["error"])
}

func TestIsSettledRejectsMalformedID(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})
	var body map[string]interface{}
	status := getJSON(t, srv.URL+"/api/is-settled/0xnotahash", &body)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestExecutePaymentPendingConfirmation(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{settleErr: &models.TxPendingError{TxHash: "0xinflight"}})
	signer, err := intent.GenerateLocalSigner()
	require.NoError(t, err)

	sessionID, err := session.HexID(signer.Address(), 1)
	require.NoError(t, err)
	pi, err := intent.Build(signer.Address(), sessionID, 1_000_000, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	signed, err := intent.Sign(pi, signer)
	require.NoError(t, err)

	var errBody map[string]interface{}
	status := postJSON(t, srv.URL+"/api/execute-payment", models.ExecutePaymentRequest{
		PaymentIntent: signed,
		ServiceType:   models.ServiceTypeVideoStream,
	}, &errBody)
	require.Equal(t, http.StatusBadGateway, status)
	require.Equal(t, models.ErrCodeSettlementPending, errBody["code"])

	// The session is held: not settled, yet closed to resubmission.
	var settled models.SettledResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/is-settled/"+sessionID, &settled))
	require.False(t, settled.IsSettled)

	fresh, err := intent.Build(signer.Address(), sessionID, 1_000_000, time.Now().Add(time.Minute), 1)
	require.NoError(t, err)
	resigned, err := intent.Sign(fresh, signer)
	require.NoError(t, err)
	status = postJSON(t, srv.URL+"/api/execute-payment", models.ExecutePaymentRequest{
		PaymentIntent: resigned,
		ServiceType:   models.ServiceTypeVideoStream,
	}, &errBody)
	require.Equal(t, http.StatusConflict, status)
}

func TestStreamSessionUnknownVideo(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})

	var errBody map[string]interface{}
	status := postJSON(t, srv.URL+"/api/web2/video-stream-sessions", map[string]interface{}{
		"address": "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		"videoId": uuid.New(),
	}, &errBody)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, models.ErrCodeVideoNotFound, errBody["code"])
}

func TestTransactionsFlow(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})
	address := "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

	var rec models.TransactionRecord
	status := postJSON(t, srv.URL+"/api/web2/transactions/deposit", map[string]interface{}{
		"address":    address,
		"amountUSDC": "10.50",
		"txHash":     "0xabc",
	}, &rec)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, models.ServiceTypeDeposit, rec.ServiceType)

	var page models.TransactionListResponse
	status = postJSON(t, srv.URL+"/api/web2/transactions", models.TransactionListRequest{
		Address: address,
	}, &page)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, page.Total)
}

func TestRecordDepositRequiresTxHash(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})

	var body map[string]interface{}
	status := postJSON(t, srv.URL+"/api/web2/transactions/deposit", map[string]interface{}{
		"address":    "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		"amountUSDC": "10",
	}, &body)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, models.ErrCodeMissingTxHash, body["code"])
}

func TestVideoCatalogAndStreamSession(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})
	address := "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

	var video models.Video
	status := postJSON(t, srv.URL+"/api/web2/videos", map[string]interface{}{
		"title":       "intro",
		"priceUSDC":   "1.99",
		"playbackUrl": "https://cdn.example.com/intro.m3u8",
	}, &video)
	require.Equal(t, http.StatusCreated, status)

	var videos []models.Video
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/web2/videos", &videos))
	require.Len(t, videos, 1)

	var ss models.StreamSession
	status = postJSON(t, srv.URL+"/api/web2/video-stream-sessions", map[string]interface{}{
		"address": address,
		"videoId": video.ID,
	}, &ss)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, uint64(1), ss.Counter)

	expected, err := session.HexID(address, 1)
	require.NoError(t, err)
	require.Equal(t, expected, ss.SessionID)
}

func TestPurchaseFlow(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})
	address := "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

	var video models.Video
	status := postJSON(t, srv.URL+"/api/web2/videos", map[string]interface{}{
		"title":     "feature",
		"priceUSDC": "4.99",
	}, &video)
	require.Equal(t, http.StatusCreated, status)

	sessionID, err := session.HexID(address, 7)
	require.NoError(t, err)

	var purchase models.VideoPurchase
	status = postJSON(t, srv.URL+"/api/web2/video-purchases", map[string]interface{}{
		"address":   address,
		"videoId":   video.ID,
		"sessionId": sessionID,
		"txHash":    "0xabc",
	}, &purchase)
	require.Equal(t, http.StatusCreated, status)

	// The same session cannot purchase twice.
	var errBody map[string]interface{}
	status = postJSON(t, srv.URL+"/api/web2/video-purchases", map[string]interface{}{
		"address":   address,
		"videoId":   video.ID,
		"sessionId": sessionID,
		"txHash":    "0xdef",
	}, &errBody)
	require.Equal(t, http.StatusConflict, status)

	var purchases []models.VideoPurchase
	url := fmt.Sprintf("%s/api/web2/users/%s/purchases", srv.URL, address)
	require.Equal(t, http.StatusOK, getJSON(t, url, &purchases))
	require.Len(t, purchases, 1)
}

func TestUpsertUser(t *testing.T) {
	srv := newTestServer(t, &stubEscrow{})

	var user models.User
	status := postJSON(t, srv.URL+"/api/web2/users/upsert", models.UserUpsertRequest{
		Address:     "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		DisplayName: "alice",
	}, &user)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "alice", user.DisplayName)
}
