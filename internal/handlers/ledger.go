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

// ListTransactions handles paginated, sortable transaction history queries.
func ListTransactions(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.TransactionListRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if !common.IsHexAddress(req.Address) {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid account address", models.ErrInvalidAddress)
			return
		}

		history, err := svc.Transactions(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to list transactions", zap.String("address", req.Address), zap.Error(err))
			writeServiceError(w, "Failed to list transactions", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, history)
	}
}

// RecordDeposit appends a ledger row for an externally confirmed deposit.
func RecordDeposit(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.DepositRecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		rec, err := svc.RecordDeposit(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to record deposit", zap.String("address", req.Address), zap.Error(err))
			writeServiceError(w, "Failed to record deposit", err)
			return
		}

		writeJSONResponse(w, http.StatusCreated, rec)
	}
}

// RecordWithdrawal appends a ledger row for an externally confirmed withdrawal.
func RecordWithdrawal(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.WithdrawRecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		rec, err := svc.RecordWithdrawal(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to record withdrawal", zap.String("address", req.Address), zap.Error(err))
			writeServiceError(w, "Failed to record withdrawal", err)
			return
		}

		writeJSONResponse(w, http.StatusCreated, rec)
	}
}

// UpsertUser creates or refreshes a user row.
func UpsertUser(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.UserUpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if !common.IsHexAddress(req.Address) {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid account address", models.ErrInvalidAddress)
			return
		}

		user, err := svc.UpsertUser(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to upsert user", zap.String("address", req.Address), zap.Error(err))
			writeServiceError(w, "Failed to upsert user", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, user)
	}
}

// CreateVideo adds a catalog entry.
func CreateVideo(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.VideoCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		video, err := svc.CreateVideo(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to create video", zap.Error(err))
			writeServiceError(w, "Failed to create video", err)
			return
		}

		writeJSONResponse(w, http.StatusCreated, video)
	}
}

// ListVideos lists the catalog.
func ListVideos(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videos, err := svc.ListVideos(r.Context())
		if err != nil {
			logger.Error("Failed to list videos", zap.Error(err))
			writeServiceError(w, "Failed to list videos", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, videos)
	}
}

// StartStreamSession opens a metered viewing period.
func StartStreamSession(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.StreamSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if !common.IsHexAddress(req.Address) {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid account address", models.ErrInvalidAddress)
			return
		}

		ss, err := svc.StartStreamSession(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to start stream session", zap.String("address", req.Address), zap.Error(err))
			writeServiceError(w, "Failed to start stream session", err)
			return
		}

		writeJSONResponse(w, http.StatusCreated, ss)
	}
}

// RecordPurchase records a settled video purchase.
func RecordPurchase(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.VideoPurchaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		purchase, err := svc.RecordPurchase(r.Context(), &req)
		if err != nil {
			logger.Error("Failed to record purchase", zap.String("address", req.Address), zap.Error(err))
			writeServiceError(w, "Failed to record purchase", err)
			return
		}

		writeJSONResponse(w, http.StatusCreated, purchase)
	}
}

// ListPurchases lists an account's purchases.
func ListPurchases(svc *service.SettlementService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address := chi.URLParam(r, "address")
		if !common.IsHexAddress(address) {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid account address", models.ErrInvalidAddress)
			return
		}

		purchases, err := svc.ListPurchases(r.Context(), address)
		if err != nil {
			logger.Error("Failed to list purchases", zap.String("address", address), zap.Error(err))
			writeServiceError(w, "Failed to list purchases", err)
			return
		}

		writeJSONResponse(w, http.StatusOK, purchases)
	}
}
