// Package service implements the settlement backend: validation and
// execution of signed payment intents against the escrow contract, with the
// ledger mirror kept consistent with on-chain outcomes.
package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/events"
	"github.com/meterpay/meterpay-backend/internal/intent"
	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/session"
	"github.com/meterpay/meterpay-backend/internal/store"
	"github.com/meterpay/meterpay-backend/internal/usdc"
)

// EscrowClient is the slice of the chain client the settlement service uses.
type EscrowClient interface {
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
	Settle(ctx context.Context, payer, sessionID string, amount *big.Int) (string, error)
	Deposit(ctx context.Context, amount *big.Int) (string, error)
	Withdraw(ctx context.Context, amount *big.Int) (string, error)
}

// Config represents settlement service configuration
type Config struct {
	MaxPaymentAmount int64 `yaml:"max_payment_amount"`
	DefaultPageSize  int   `yaml:"default_page_size"`
	MaxPageSize      int   `yaml:"max_page_size"`
}

// SettlementService validates signed payment intents and settles them
// against the escrow contract, recording each outcome in the ledger mirror.
type SettlementService struct {
	ledger store.Ledger
	escrow EscrowClient
	events events.Publisher
	config *Config
	logger *zap.Logger
}

// NewSettlementService creates a new settlement service.
func NewSettlementService(
	ledger store.Ledger,
	escrow EscrowClient,
	publisher events.Publisher,
	config *Config,
	logger *zap.Logger,
) *SettlementService {
	return &SettlementService{
		ledger: ledger,
		escrow: escrow,
		events: publisher,
		config: config,
		logger: logger,
	}
}

// Balance reads the authoritative on-chain escrow balance for an account.
func (s *SettlementService) Balance(ctx context.Context, address string) (*models.BalanceResponse, error) {
	raw, err := s.escrow.BalanceOf(ctx, address)
	if err != nil {
		return nil, models.NewChainError("get_balance", err)
	}

	display, fallback := usdc.DisplayFromRaw(raw.String())
	if fallback {
		s.logger.Warn("Balance conversion fell back to zero",
			zap.String("address", address),
			zap.String("raw", raw.String()),
		)
		display = decimal.Zero
	} else {
		display = display.Shift(-usdc.Decimals)
	}

	return &models.BalanceResponse{
		Address:     strings.ToLower(address),
		Balance:     raw.String(),
		BalanceUSDC: display.StringFixed(usdc.Decimals),
	}, nil
}

// NextNonce returns the account's next usable authorization nonce.
func (s *SettlementService) NextNonce(ctx context.Context, address string) (*models.NonceResponse, error) {
	nonce, err := s.ledger.NextNonce(ctx, address)
	if err != nil {
		return nil, models.NewDatabaseError("next_nonce", err)
	}
	return &models.NonceResponse{
		Address: strings.ToLower(address),
		Nonce:   nonce,
	}, nil
}

// IsSettled answers the idempotent settlement check for a session.
func (s *SettlementService) IsSettled(ctx context.Context, sessionID string) (*models.SettledResponse, error) {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return nil, models.NewValidationError("sessionId", err.Error())
	}
	settled, err := s.ledger.IsSettled(ctx, normalized)
	if err != nil {
		return nil, models.NewDatabaseError("is_settled", err)
	}
	return &models.SettledResponse{
		SessionID: normalized,
		IsSettled: settled,
	}, nil
}

// ExecutePayment validates a signed intent, consumes its nonce, moves funds
// through the escrow contract, and records the outcome. Validation failures
// reject cleanly before anything moves; once the on-chain transfer has
// confirmed, ledger failures degrade to logged reconciliation gaps rather
// than user-facing errors.
func (s *SettlementService) ExecutePayment(ctx context.Context, req *models.ExecutePaymentRequest) (*models.ExecutePaymentResponse, error) {
	pi := req.PaymentIntent

	s.logger.Info("Processing payment intent",
		zap.String("payer", pi.Payer),
		zap.String("session_id", pi.SessionID),
		zap.Int64("amount", pi.Amount),
		zap.Uint64("nonce", pi.Nonce),
	)

	if !models.ValidServiceType(req.ServiceType) {
		return nil, models.NewPaymentError(models.ErrCodeInvalidService, "Invalid service type", models.ErrInvalidServiceType).
			WithDetail("service_type", string(req.ServiceType))
	}
	if pi.Amount < 0 {
		return nil, models.NewPaymentError(models.ErrCodeInvalidAmount, "Amount must be non-negative", models.ErrInvalidAmount).
			WithDetail("amount", pi.Amount)
	}
	if s.config.MaxPaymentAmount > 0 && pi.Amount > s.config.MaxPaymentAmount {
		return nil, models.NewPaymentError(models.ErrCodeInvalidAmount, "Amount exceeds maximum payment", models.ErrInvalidAmount).
			WithDetail("amount", pi.Amount).
			WithDetail("max", s.config.MaxPaymentAmount)
	}
	if time.Now().Unix() >= pi.Deadline {
		return nil, models.NewDeadlineExpiredError(pi.Deadline)
	}

	recovered, err := intent.RecoverPayer(pi)
	if err != nil {
		return nil, models.NewPaymentError(models.ErrCodeSignatureInvalid, "Signature is not recoverable", err)
	}
	if !strings.EqualFold(recovered.Hex(), pi.Payer) {
		return nil, models.NewSignatureMismatchError(pi.Payer, recovered.Hex())
	}

	// Idempotency guard: claim the session before anything moves. Racing
	// submissions for the same session collide on this insert and only one
	// reaches the chain, no matter how the requests interleave.
	if err := s.ledger.ReserveSession(ctx, pi.SessionID); err != nil {
		if errors.Is(err, models.ErrSessionAlreadySettled) {
			return nil, models.NewSessionSettledError(pi.SessionID)
		}
		return nil, models.NewDatabaseError("reserve_session", err)
	}

	// Consume the nonce last among the validations so clean rejections never
	// burn one. A stale or replayed nonce rejects here, nothing settles, and
	// the reservation is handed back.
	if err := s.ledger.ConsumeNonce(ctx, pi.Payer, pi.Nonce); err != nil {
		s.releaseReservation(ctx, pi.SessionID)
		if errors.Is(err, models.ErrNonceMismatch) {
			return nil, models.NewNonceMismatchError(pi.Payer, pi.Nonce)
		}
		return nil, models.NewDatabaseError("consume_nonce", err)
	}

	txHash, err := s.escrow.Settle(ctx, pi.Payer, pi.SessionID, big.NewInt(pi.Amount))
	if err != nil {
		var pending *models.TxPendingError
		if errors.As(err, &pending) {
			// The transfer was broadcast but never confirmed. The
			// reservation stays so a resubmission cannot pay twice;
			// reconciliation owns the session from here.
			s.recordPendingSettlement(ctx, &pi.PaymentIntent, req.ServiceType, pending.TxHash, err)
			return nil, models.NewSettlementPendingError(pi.SessionID, pending.TxHash)
		}
		// Nothing moved: free the session for a freshly signed attempt.
		s.releaseReservation(ctx, pi.SessionID)
		return nil, models.NewChainError("settle", err)
	}

	amountUSDC := usdc.FromSmallestUnit(pi.Amount)

	// Funds have moved. From here on every failure is a reconciliation gap:
	// logged with session and tx hash so a backfill pass can repair the
	// mirror, never surfaced as a payment failure.
	s.recordSettlement(ctx, &pi.PaymentIntent, req.ServiceType, amountUSDC, txHash)

	return &models.ExecutePaymentResponse{
		Success:    true,
		TxHash:     txHash,
		AmountUSDC: amountUSDC.String(),
	}, nil
}

// releaseReservation hands a claimed session back after a settlement that
// never reached the chain. A failed release leaves the session blocked until
// an operator clears it, which still cannot double-pay.
func (s *SettlementService) releaseReservation(ctx context.Context, sessionID string) {
	if err := s.ledger.ReleaseSession(ctx, sessionID); err != nil {
		s.logger.Error("Failed to release session reservation",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// recordPendingSettlement persists and publishes the broadcast hash of a
// settlement whose confirmation was not observed, so reconciliation can
// finish what the request could not.
func (s *SettlementService) recordPendingSettlement(ctx context.Context, pi *models.PaymentIntent, serviceType models.ServiceType, txHash string, cause error) {
	s.logger.Error("Settlement broadcast without confirmation; session held for reconciliation",
		zap.String("session_id", pi.SessionID),
		zap.String("tx_hash", txHash),
		zap.String("payer", pi.Payer),
		zap.Error(cause),
	)
	if err := s.ledger.RecordPendingTx(ctx, pi.SessionID, txHash); err != nil {
		s.logger.Error("Failed to record pending settlement transaction",
			zap.String("session_id", pi.SessionID),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
	}
	s.events.ReconciliationGap(models.ReconciliationGapEvent{
		SessionID:   pi.SessionID,
		Payer:       pi.Payer,
		ServiceType: serviceType,
		AmountUSDC:  usdc.FromSmallestUnit(pi.Amount).String(),
		TxHash:      txHash,
		Reason:      "confirmation_timeout",
		OccurredAt:  time.Now().UTC(),
	})
}

func (s *SettlementService) recordSettlement(ctx context.Context, pi *models.PaymentIntent, serviceType models.ServiceType, amountUSDC decimal.Decimal, txHash string) {
	gap := func(reason string, err error) {
		s.logger.Error("Reconciliation gap: ledger write failed after confirmed settlement",
			zap.String("session_id", pi.SessionID),
			zap.String("tx_hash", txHash),
			zap.String("payer", pi.Payer),
			zap.String("reason", reason),
			zap.Error(err),
		)
		s.events.ReconciliationGap(models.ReconciliationGapEvent{
			SessionID:   pi.SessionID,
			Payer:       pi.Payer,
			ServiceType: serviceType,
			AmountUSDC:  amountUSDC.String(),
			TxHash:      txHash,
			Reason:      reason,
			OccurredAt:  time.Now().UTC(),
		})
	}

	if err := s.ledger.MarkSettled(ctx, pi.SessionID, txHash); err != nil {
		gap("mark_settled", err)
		return
	}

	referenceID := pi.SessionID
	hash := txHash
	rec := &models.TransactionRecord{
		ID:          uuid.New(),
		Account:     pi.Payer,
		ServiceType: serviceType,
		ReferenceID: &referenceID,
		AmountUSDC:  &amountUSDC,
		TxHash:      &hash,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.ledger.AppendTransaction(ctx, rec); err != nil {
		gap("append_transaction", err)
		return
	}

	s.events.Settled(models.SettlementEvent{
		SessionID:   pi.SessionID,
		Payer:       pi.Payer,
		ServiceType: serviceType,
		AmountUSDC:  amountUSDC.String(),
		TxHash:      txHash,
		SettledAt:   time.Now().UTC(),
	})
}

// Deposit moves funds into escrow on the caller's behalf and records the
// resulting transaction once the on-chain hash is known.
func (s *SettlementService) Deposit(ctx context.Context, req *models.EscrowOpRequest) (*models.EscrowOpResponse, error) {
	return s.escrowOp(ctx, req, models.ServiceTypeDeposit, s.escrow.Deposit)
}

// Withdraw moves funds out of escrow on the caller's behalf and records the
// resulting transaction once the on-chain hash is known.
func (s *SettlementService) Withdraw(ctx context.Context, req *models.EscrowOpRequest) (*models.EscrowOpResponse, error) {
	return s.escrowOp(ctx, req, models.ServiceTypeWithdraw, s.escrow.Withdraw)
}

func (s *SettlementService) escrowOp(
	ctx context.Context,
	req *models.EscrowOpRequest,
	serviceType models.ServiceType,
	op func(context.Context, *big.Int) (string, error),
) (*models.EscrowOpResponse, error) {
	if req.Amount < 0 {
		return nil, models.NewPaymentError(models.ErrCodeInvalidAmount, "Amount must be non-negative", models.ErrInvalidAmount).
			WithDetail("amount", req.Amount)
	}

	txHash, err := op(ctx, big.NewInt(req.Amount))
	if err != nil {
		return nil, models.NewChainError(string(serviceType), err)
	}

	amountUSDC := usdc.FromSmallestUnit(req.Amount)
	hash := txHash
	rec := &models.TransactionRecord{
		ID:          uuid.New(),
		Account:     req.Address,
		ServiceType: serviceType,
		AmountUSDC:  &amountUSDC,
		TxHash:      &hash,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.ledger.AppendTransaction(ctx, rec); err != nil {
		s.logger.Error("Reconciliation gap: ledger write failed after confirmed escrow operation",
			zap.String("operation", string(serviceType)),
			zap.String("tx_hash", txHash),
			zap.String("account", req.Address),
			zap.Error(err),
		)
	}

	return &models.EscrowOpResponse{
		Success:    true,
		TxHash:     txHash,
		AmountUSDC: amountUSDC.String(),
	}, nil
}

// RecordDeposit appends a ledger row for an externally confirmed deposit.
// The on-chain transaction hash must already be known.
func (s *SettlementService) RecordDeposit(ctx context.Context, req *models.DepositRecordRequest) (*models.TransactionRecord, error) {
	return s.recordExternal(ctx, req.Address, models.ServiceTypeDeposit, req.AmountUSDC, req.TxHash)
}

// RecordWithdrawal appends a ledger row for an externally confirmed withdrawal.
func (s *SettlementService) RecordWithdrawal(ctx context.Context, req *models.WithdrawRecordRequest) (*models.TransactionRecord, error) {
	return s.recordExternal(ctx, req.Address, models.ServiceTypeWithdraw, req.AmountUSDC, req.TxHash)
}

func (s *SettlementService) recordExternal(ctx context.Context, address string, serviceType models.ServiceType, amount decimal.Decimal, txHash string) (*models.TransactionRecord, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, models.NewPaymentError(models.ErrCodeMissingTxHash, "Transaction hash is required", models.ErrMissingTxHash)
	}
	if amount.IsNegative() {
		return nil, models.NewPaymentError(models.ErrCodeInvalidAmount, "Amount must be non-negative", models.ErrInvalidAmount)
	}

	hash := txHash
	rec := &models.TransactionRecord{
		ID:          uuid.New(),
		Account:     address,
		ServiceType: serviceType,
		AmountUSDC:  &amount,
		TxHash:      &hash,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.ledger.AppendTransaction(ctx, rec); err != nil {
		return nil, models.NewDatabaseError("append_transaction", err)
	}
	return rec, nil
}

// Transactions returns a page of an account's ledger history.
func (s *SettlementService) Transactions(ctx context.Context, req *models.TransactionListRequest) (*models.TransactionListResponse, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = s.config.DefaultPageSize
	}
	if s.config.MaxPageSize > 0 && req.PageSize > s.config.MaxPageSize {
		req.PageSize = s.config.MaxPageSize
	}
	if req.Sort != models.SortOldest {
		req.Sort = models.SortRecent
	}

	resp, err := s.ledger.ListTransactions(ctx, req)
	if err != nil {
		return nil, models.NewDatabaseError("list_transactions", err)
	}
	return resp, nil
}

// UpsertUser creates or refreshes a user row.
func (s *SettlementService) UpsertUser(ctx context.Context, req *models.UserUpsertRequest) (*models.User, error) {
	user, err := s.ledger.UpsertUser(ctx, req)
	if err != nil {
		return nil, models.NewDatabaseError("upsert_user", err)
	}
	return user, nil
}

// CreateVideo adds a video to the catalog.
func (s *SettlementService) CreateVideo(ctx context.Context, req *models.VideoCreateRequest) (*models.Video, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, models.NewValidationError("title", "title is required")
	}
	if req.PriceUSDC.IsNegative() {
		return nil, models.NewValidationError("priceUSDC", "price must be non-negative")
	}
	video, err := s.ledger.CreateVideo(ctx, req)
	if err != nil {
		return nil, models.NewDatabaseError("create_video", err)
	}
	return video, nil
}

// ListVideos lists the catalog.
func (s *SettlementService) ListVideos(ctx context.Context) ([]models.Video, error) {
	videos, err := s.ledger.ListVideos(ctx)
	if err != nil {
		return nil, models.NewDatabaseError("list_videos", err)
	}
	return videos, nil
}

// StartStreamSession opens a metered viewing period, assigning the session
// counter and deriving the 32-byte session identifier the payment flow will
// reference.
func (s *SettlementService) StartStreamSession(ctx context.Context, req *models.StreamSessionRequest) (*models.StreamSession, error) {
	ss, err := s.ledger.CreateStreamSession(ctx, req)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			return nil, models.NewVideoNotFoundError(req.VideoID.String())
		}
		return nil, models.NewDatabaseError("create_stream_session", err)
	}
	s.logger.Info("Stream session started",
		zap.String("account", ss.Account),
		zap.String("session_id", ss.SessionID),
		zap.String("video_id", ss.VideoID.String()),
	)
	return ss, nil
}

// RecordPurchase records a settled video purchase.
func (s *SettlementService) RecordPurchase(ctx context.Context, req *models.VideoPurchaseRequest) (*models.VideoPurchase, error) {
	if strings.TrimSpace(req.TxHash) == "" {
		return nil, models.NewPaymentError(models.ErrCodeMissingTxHash, "Transaction hash is required", models.ErrMissingTxHash)
	}
	purchase, err := s.ledger.CreatePurchase(ctx, req)
	if err != nil {
		if errors.Is(err, models.ErrSessionAlreadySettled) {
			return nil, models.NewSessionSettledError(req.SessionID)
		}
		if errors.Is(err, models.ErrVideoNotFound) {
			return nil, models.NewVideoNotFoundError(req.VideoID.String())
		}
		return nil, models.NewDatabaseError("create_purchase", err)
	}
	return purchase, nil
}

// ListPurchases lists an account's purchases.
func (s *SettlementService) ListPurchases(ctx context.Context, address string) ([]models.VideoPurchase, error) {
	purchases, err := s.ledger.ListPurchases(ctx, address)
	if err != nil {
		return nil, models.NewDatabaseError("list_purchases", err)
	}
	return purchases, nil
}
