package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/service"
)

// GetBalance handles escrow balance reads.
func GetBalance(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address := chi.URLParam(r, "address")
		if !common.IsHexAddress(address) {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid account address", models.ErrInvalidAddress)
			return
		}

		balance, err := svc.Balance(r.Context(), address)
		if err != nil {
			logger.Error("Failed to read escrow balance", zap.String("address", address), zap.Error(err))
			writeServiceError(w, "Failed to read escrow balance", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, balance)
	}
}

// GetNonce handles next-nonce reads.
func GetNonce(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address := chi.URLParam(r, "address")
		if !common.IsHexAddress(address) {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid account address", models.ErrInvalidAddress)
			return
		}

		nonce, err := svc.NextNonce(r.Context(), address)
		if err != nil {
			logger.Error("Failed to get nonce", zap.String("address", address), zap.Error(err))
			writeServiceError(w, "Failed to get nonce", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, nonce)
	}
}

// GetIsSettled handles the idempotent settlement check.
func GetIsSettled(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		settled, err := svc.IsSettled(r.Context(), sessionID)
		if err != nil {
			logger.Error("Failed to check settlement", zap.String("session_id", sessionID), zap.Error(err))
			writeServiceError(w, "Failed to check settlement", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, settled)
	}
}

// ExecutePayment handles settlement submission of a signed payment intent.
func ExecutePayment(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.ExecutePaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Failed to decode payment request", zap.Error(err))
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		resp, err := svc.ExecutePayment(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to execute payment",
				zap.String("payer", req.PaymentIntent.Payer),
				zap.String("session_id", req.PaymentIntent.SessionID),
				zap.Error(err),
			)
			writeServiceError(w, "Failed to execute payment", err)
			return
		}

		logger.Info("Payment settled",
			zap.String("payer", req.PaymentIntent.Payer),
			zap.String("session_id", req.PaymentIntent.SessionID),
			zap.String("tx_hash", resp.TxHash),
			zap.String("amount_usdc", resp.AmountUSDC),
		)

		writeJSONResponse(w, http.StatusOK, resp)
	}
}

// Deposit handles backend-mediated escrow deposits.
func Deposit(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.EscrowOpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		resp, err := svc.Deposit(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to process deposit", zap.String("address", req.Address), zap.Error(err))
			writeServiceError(w, "Failed to process deposit", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, resp)
	}
}

// Withdraw handles backend-mediated escrow withdrawals.
func Withdraw(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.EscrowOpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		resp, err := svc.Withdraw(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to process withdrawal", zap.String("address", req.Address), zap.Error(err))
			writeServiceError(w, "Failed to process withdrawal", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, resp)
	}
}
