package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/models"
)

// writeJSONResponse writes a JSON response
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; nothing left but to log it.
		zap.L().Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes a structured error body. Non-2xx bodies always
// carry an "error" field.
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}
	if paymentErr, ok := err.(*models.PaymentError); ok {
		errorResponse["code"] = paymentErr.Code
		if len(paymentErr.Details) > 0 {
			errorResponse["details"] = paymentErr.Details
		}
	} else if err != nil {
		errorResponse["details"] = err.Error()
	}

	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		zap.L().Error("Failed to encode error response", zap.Error(encodeErr))
	}
}

// writeServiceError maps a service error onto an HTTP response.
func writeServiceError(w http.ResponseWriter, fallbackMessage string, err error) {
	if paymentErr, ok := err.(*models.PaymentError); ok {
		writeErrorResponse(w, statusFromPaymentError(paymentErr), paymentErr.Message, err)
		return
	}
	writeErrorResponse(w, http.StatusInternalServerError, fallbackMessage, err)
}

// statusFromPaymentError maps payment error codes to HTTP status codes.
func statusFromPaymentError(err *models.PaymentError) int {
	switch err.Code {
	case models.ErrCodeAccountNotFound, models.ErrCodeSessionNotFound, models.ErrCodeVideoNotFound:
		return http.StatusNotFound
	case models.ErrCodeSessionSettled:
		return http.StatusConflict
	case models.ErrCodeInvalidAmount, models.ErrCodeInvalidAddress, models.ErrCodeDeadlineExpired,
		models.ErrCodeSignatureInvalid, models.ErrCodeNonceMismatch, models.ErrCodeInvalidService,
		models.ErrCodeMissingTxHash, models.ErrCodeValidationFailed:
		return http.StatusBadRequest
	case models.ErrCodeChainError, models.ErrCodeSettlementPending:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
