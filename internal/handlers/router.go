package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/service"
)

// NewRouter assembles the full HTTP surface.
func NewRouter(svc *service.SettlementService, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// CORS shim for browser clients.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"meterpay-backend"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/balance/{address}", GetBalance(svc, logger))
		r.Get("/nonce/{address}", GetNonce(svc, logger))
		r.Get("/is-settled/{sessionID}", GetIsSettled(svc, logger))
		r.Post("/execute-payment", ExecutePayment(svc, logger))
		r.Post("/deposit", Deposit(svc, logger))
		r.Post("/withdraw", Withdraw(svc, logger))

		r.Route("/web2", func(r chi.Router) {
			r.Post("/transactions", ListTransactions(svc, logger))
			r.Post("/transactions/deposit", RecordDeposit(svc, logger))
			r.Post("/transactions/withdraw", RecordWithdrawal(svc, logger))
			r.Post("/users/upsert", UpsertUser(svc, logger))
			r.Get("/users/{address}/purchases", ListPurchases(svc, logger))
			r.Get("/videos", ListVideos(svc, logger))
			r.Post("/videos", CreateVideo(svc, logger))
			r.Post("/video-stream-sessions", StartStreamSession(svc, logger))
			r.Post("/video-purchases", RecordPurchase(svc, logger))
		})
	})

	return r
}
