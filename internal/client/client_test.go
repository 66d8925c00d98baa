package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/intent"
	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/session"
)

func newTestClient(t *testing.T, baseURL string, timeout time.Duration) (*Client, *intent.LocalSigner) {
	t.Helper()
	signer, err := intent.GenerateLocalSigner()
	require.NoError(t, err)
	c := NewClient(&Config{BaseURL: baseURL, Timeout: timeout}, signer.Address(), signer, zap.NewNop())
	return c, signer
}

func TestFetchNonce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(models.NonceResponse{Nonce: 7})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, time.Second)
	nonce, err := c.FetchNonce(context.Background(), c.Payer())
	require.NoError(t, err)
	require.Equal(t, uint64(7), nonce)
}

func TestFetchNonceFailureKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, time.Second)
	_, err := c.FetchNonce(context.Background(), c.Payer())
	require.Equal(t, KindNonceFetch, KindOf(err))
	require.True(t, IsRetryable(err))
}

func TestReadEscrowBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.BalanceResponse{BalanceUSDC: "12.5"})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, time.Second)
	balance, err := c.ReadEscrowBalance(context.Background(), c.Payer())
	require.NoError(t, err)
	require.Equal(t, "12.5", balance.String())
}

func TestReadEscrowBalanceNonFiniteFallsBackToZero(t *testing.T) {
	for _, raw := range []string{"NaN", "Inf", "garbage"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(models.BalanceResponse{BalanceUSDC: raw})
		}))

		c, _ := newTestClient(t, srv.URL, time.Second)
		balance, err := c.ReadEscrowBalance(context.Background(), c.Payer())
		require.NoError(t, err, "raw %q", raw)
		require.True(t, balance.IsZero(), "raw %q", raw)
		srv.Close()
	}
}

func TestReadEscrowBalanceTransportFailure(t *testing.T) {
	c, _ := newTestClient(t, "http://127.0.0.1:1", time.Second)
	_, err := c.ReadEscrowBalance(context.Background(), c.Payer())
	require.Equal(t, KindNetwork, KindOf(err))
}

func TestPayFullFlow(t *testing.T) {
	var submitted models.ExecutePaymentRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/api/nonce/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.NonceResponse{Nonce: 3})
	})
	mux.HandleFunc("/api/execute-payment", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
		json.NewEncoder(w).Encode(models.ExecutePaymentResponse{
			Success:    true,
			TxHash:     "0xsettled",
			AmountUSDC: "1.25",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, signer := newTestClient(t, srv.URL, time.Second)
	resp, err := c.Pay(context.Background(), 9, 1_250_000, models.ServiceTypeVideoStream, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "0xsettled", resp.TxHash)

	// The submitted intent carries the backend nonce and the derived session
	// id, signed by the payer.
	require.Equal(t, uint64(3), submitted.PaymentIntent.Nonce)
	expected, err := session.HexID(signer.Address(), 9)
	require.NoError(t, err)
	require.Equal(t, expected, submitted.PaymentIntent.SessionID)
	require.NoError(t, intent.Verify(submitted.PaymentIntent))
}

func TestExecutePaymentValidationRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/nonce/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.NonceResponse{Nonce: 0})
	})
	mux.HandleFunc("/api/execute-payment", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "Nonce does not match the account's next nonce",
			"code":  "NONCE_MISMATCH",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, time.Second)
	_, err := c.Pay(context.Background(), 1, 1_000_000, models.ServiceTypeVideoStream, nil)
	require.Equal(t, KindValidation, KindOf(err))
	require.True(t, IsValidationRejected(err))
	require.False(t, IsRetryable(err))

	var cErr *Error
	require.True(t, errors.As(err, &cErr))
	require.Equal(t, "NONCE_MISMATCH", cErr.Code)
}

func TestExecutePaymentTimeoutIsAmbiguous(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/nonce/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.NonceResponse{Nonce: 0})
	})
	mux.HandleFunc("/api/execute-payment", func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	srv := httptest.NewServer(mux)
	defer func() {
		close(release)
		srv.Close()
	}()

	c, _ := newTestClient(t, srv.URL, 100*time.Millisecond)
	_, err := c.Pay(context.Background(), 1, 1_000_000, models.ServiceTypeVideoStream, nil)
	require.True(t, IsAmbiguous(err))
	require.False(t, IsRetryable(err), "an ambiguous submission must not be blindly retried")
}

func TestExecutePaymentServerErrorIsAmbiguous(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/nonce/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.NonceResponse{Nonce: 0})
	})
	mux.HandleFunc("/api/execute-payment", func(w http.ResponseWriter, r *http.Request) {
		// The backend may have broadcast the transfer before failing.
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "Settlement broadcast but unconfirmed",
			"code":  "SETTLEMENT_PENDING",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, time.Second)
	_, err := c.Pay(context.Background(), 1, 1_000_000, models.ServiceTypeVideoStream, nil)
	require.True(t, IsAmbiguous(err))
	require.False(t, IsRetryable(err), "a 5xx settlement response must resolve through IsSessionSettled")
}

func TestIsSessionSettledResolvesAmbiguity(t *testing.T) {
	signer, err := intent.GenerateLocalSigner()
	require.NoError(t, err)
	sessionID, err := session.HexID(signer.Address(), 1)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fmt.Sprintf("/api/is-settled/%s", sessionID), r.URL.Path)
		json.NewEncoder(w).Encode(models.SettledResponse{SessionID: sessionID, IsSettled: true})
	}))
	defer srv.Close()

	c := NewClient(&Config{BaseURL: srv.URL, Timeout: time.Second}, signer.Address(), signer, zap.NewNop())
	settled, err := c.IsSessionSettled(context.Background(), sessionID)
	require.NoError(t, err)
	require.True(t, settled)
}

type decliningSigner struct{}

func (decliningSigner) Sign([]byte) ([]byte, error) {
	return nil, intent.ErrUserRejected
}

func TestPaySurfacesUserRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.NonceResponse{Nonce: 0})
	}))
	defer srv.Close()

	signer, err := intent.GenerateLocalSigner()
	require.NoError(t, err)
	c := NewClient(&Config{BaseURL: srv.URL, Timeout: time.Second}, signer.Address(), decliningSigner{}, zap.NewNop())

	_, err = c.Pay(context.Background(), 1, 1_000_000, models.ServiceTypeVideoStream, nil)
	require.Equal(t, KindUserRejected, KindOf(err))
	require.True(t, IsUserRejected(err))
	require.False(t, IsRetryable(err))
}
