package store

import (
	"context"

	"github.com/meterpay/meterpay-backend/internal/models"
)

// Ledger is the off-chain mirror of on-chain settlement outcomes: per-account
// nonces, append-only transaction rows, settled-session marks, and the
// catalog records the web2 surface serves. Implemented by PostgresStore for
// production and MemoryStore for development and tests.
type Ledger interface {
	// UpsertUser creates or refreshes a user row keyed by address.
	UpsertUser(ctx context.Context, req *models.UserUpsertRequest) (*models.User, error)

	// NextNonce returns the account's next usable authorization nonce. The
	// value is strictly greater than every nonce a settled intent has
	// consumed for the account.
	NextNonce(ctx context.Context, address string) (uint64, error)

	// ConsumeNonce atomically advances the account's nonce if and only if
	// the supplied nonce equals the next expected one. A stale or replayed
	// nonce returns models.ErrNonceMismatch and consumes nothing. This is
	// the serialization point for concurrent payment flows.
	ConsumeNonce(ctx context.Context, address string, nonce uint64) error

	// AppendTransaction appends one immutable ledger row.
	AppendTransaction(ctx context.Context, rec *models.TransactionRecord) error

	// ListTransactions returns a page of an account's history ordered by
	// creation time.
	ListTransactions(ctx context.Context, req *models.TransactionListRequest) (*models.TransactionListResponse, error)

	// ReserveSession claims a session before its funds move. The claim is
	// the idempotency guard for settlement: a session that is already
	// reserved or settled returns models.ErrSessionAlreadySettled, so
	// racing submissions collide here and only one reaches the chain.
	ReserveSession(ctx context.Context, sessionID string) error

	// ReleaseSession drops a reservation whose settlement never reached the
	// chain, freeing the session for a fresh attempt. A reservation that
	// carries a broadcast transaction hash is never released.
	ReleaseSession(ctx context.Context, sessionID string) error

	// RecordPendingTx attaches a broadcast transaction hash to a reserved
	// session whose confirmation was not observed. The reservation stays in
	// place for reconciliation to finish. Returns models.ErrSessionNotFound
	// when no live reservation exists.
	RecordPendingTx(ctx context.Context, sessionID, txHash string) error

	// MarkSettled records a session as terminally settled, finalizing its
	// reservation when one exists. A second mark for the same session
	// returns models.ErrSessionAlreadySettled.
	MarkSettled(ctx context.Context, sessionID, txHash string) error

	// IsSettled reports whether a session has settled. Safe to call any
	// number of times; no side effects.
	IsSettled(ctx context.Context, sessionID string) (bool, error)

	// Catalog operations.
	CreateVideo(ctx context.Context, req *models.VideoCreateRequest) (*models.Video, error)
	ListVideos(ctx context.Context) ([]models.Video, error)
	CreateStreamSession(ctx context.Context, req *models.StreamSessionRequest) (*models.StreamSession, error)
	CreatePurchase(ctx context.Context, req *models.VideoPurchaseRequest) (*models.VideoPurchase, error)
	ListPurchases(ctx context.Context, address string) ([]models.VideoPurchase, error)

	Close()
}
