package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/session"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements the Ledger on PostgreSQL.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL ledger store.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Initialize creates the necessary database tables.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	queries := []string{
		createAccountsTable,
		createTransactionsTable,
		createSettledSessionsTable,
		createVideosTable,
		createStreamSessionsTable,
		createVideoPurchasesTable,
		createIndexes,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	s.logger.Info("Ledger tables initialized successfully")
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// ensureAccount inserts the account row if it does not exist yet.
func (s *PostgresStore) ensureAccount(ctx context.Context, address string) error {
	query := `
		INSERT INTO accounts (address, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (address) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query, address, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// UpsertUser creates or refreshes a user row.
func (s *PostgresStore) UpsertUser(ctx context.Context, req *models.UserUpsertRequest) (*models.User, error) {
	address := strings.ToLower(req.Address)
	now := time.Now().UTC()

	query := `
		INSERT INTO accounts (address, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (address) DO UPDATE
		SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE accounts.display_name END,
		    updated_at = EXCLUDED.updated_at
		RETURNING address, display_name, created_at, updated_at
	`

	user := &models.User{}
	err := s.db.QueryRow(ctx, query, address, req.DisplayName, now).Scan(
		&user.Address, &user.DisplayName, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// NextNonce returns the account's next usable authorization nonce.
func (s *PostgresStore) NextNonce(ctx context.Context, address string) (uint64, error) {
	address = strings.ToLower(address)
	if err := s.ensureAccount(ctx, address); err != nil {
		return 0, err
	}

	var nonce uint64
	err := s.db.QueryRow(ctx, `SELECT next_nonce FROM accounts WHERE address = $1`, address).Scan(&nonce)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to get next nonce: %w", err)
	}
	return nonce, nil
}

// ConsumeNonce advances the nonce only when the supplied value matches the
// next expected one. The conditional update is the per-account
// serialization point.
func (s *PostgresStore) ConsumeNonce(ctx context.Context, address string, nonce uint64) error {
	address = strings.ToLower(address)
	if err := s.ensureAccount(ctx, address); err != nil {
		return err
	}

	query := `
		UPDATE accounts
		SET next_nonce = next_nonce + 1, updated_at = $3
		WHERE address = $1 AND next_nonce = $2
	`
	result, err := s.db.Exec(ctx, query, address, nonce, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to consume nonce: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNonceMismatch
	}
	return nil
}

// AppendTransaction appends one immutable ledger row.
func (s *PostgresStore) AppendTransaction(ctx context.Context, rec *models.TransactionRecord) error {
	rec.Account = strings.ToLower(rec.Account)
	if err := s.ensureAccount(ctx, rec.Account); err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transactions (id, account, service_type, reference_id, amount_usdc, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.Account, rec.ServiceType, rec.ReferenceID, rec.AmountUSDC, rec.TxHash, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	s.logger.Info("Transaction appended",
		zap.String("transaction_id", rec.ID.String()),
		zap.String("account", rec.Account),
		zap.String("service_type", string(rec.ServiceType)),
	)
	return nil
}

// ListTransactions returns a page of an account's history.
func (s *PostgresStore) ListTransactions(ctx context.Context, req *models.TransactionListRequest) (*models.TransactionListResponse, error) {
	address := strings.ToLower(req.Address)

	var total int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE account = $1`, address).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	order := "DESC"
	if req.Sort == models.SortOldest {
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT id, account, service_type, reference_id, amount_usdc, tx_hash, created_at
		FROM transactions
		WHERE account = $1
		ORDER BY created_at %s
		LIMIT $2 OFFSET $3
	`, order)

	offset := (req.Page - 1) * req.PageSize
	rows, err := s.db.Query(ctx, query, address, req.PageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]models.TransactionRecord, 0, req.PageSize)
	for rows.Next() {
		var rec models.TransactionRecord
		if err := rows.Scan(&rec.ID, &rec.Account, &rec.ServiceType, &rec.ReferenceID, &rec.AmountUSDC, &rec.TxHash, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}

	return &models.TransactionListResponse{
		Transactions: transactions,
		Total:        total,
		Page:         req.Page,
		PageSize:     req.PageSize,
	}, nil
}

// ReserveSession claims a session before its funds move. The primary key on
// session_id makes the claim single-shot: the loser of a race gets the
// unique violation and the session settles at most once.
func (s *PostgresStore) ReserveSession(ctx context.Context, sessionID string) error {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return err
	}

	query := `INSERT INTO settled_sessions (session_id, status, reserved_at) VALUES ($1, 'pending', $2)`
	_, err = s.db.Exec(ctx, query, normalized, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.ErrSessionAlreadySettled
		}
		return fmt.Errorf("failed to reserve session: %w", err)
	}
	return nil
}

// ReleaseSession drops a reservation that never produced a transaction.
func (s *PostgresStore) ReleaseSession(ctx context.Context, sessionID string) error {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return err
	}

	query := `DELETE FROM settled_sessions WHERE session_id = $1 AND status = 'pending' AND tx_hash = ''`
	if _, err := s.db.Exec(ctx, query, normalized); err != nil {
		return fmt.Errorf("failed to release session: %w", err)
	}
	return nil
}

// RecordPendingTx attaches a broadcast hash to a live reservation.
func (s *PostgresStore) RecordPendingTx(ctx context.Context, sessionID, txHash string) error {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return err
	}

	query := `UPDATE settled_sessions SET tx_hash = $2 WHERE session_id = $1 AND status = 'pending'`
	result, err := s.db.Exec(ctx, query, normalized, txHash)
	if err != nil {
		return fmt.Errorf("failed to record pending transaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// MarkSettled records a session as terminally settled, finalizing its
// reservation when one exists. The conditional upsert refuses to touch a row
// that already reached the settled state.
func (s *PostgresStore) MarkSettled(ctx context.Context, sessionID, txHash string) error {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO settled_sessions (session_id, tx_hash, status, settled_at)
		VALUES ($1, $2, 'settled', $3)
		ON CONFLICT (session_id) DO UPDATE
		SET tx_hash = EXCLUDED.tx_hash, status = 'settled', settled_at = EXCLUDED.settled_at
		WHERE settled_sessions.status = 'pending'
	`
	result, err := s.db.Exec(ctx, query, normalized, txHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark session settled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrSessionAlreadySettled
	}
	return nil
}

// IsSettled reports whether a session has settled. A pending reservation is
// not a settlement.
func (s *PostgresStore) IsSettled(ctx context.Context, sessionID string) (bool, error) {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return false, err
	}

	var settled bool
	err = s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settled_sessions WHERE session_id = $1 AND status = 'settled')`, normalized).Scan(&settled)
	if err != nil {
		return false, fmt.Errorf("failed to check settlement: %w", err)
	}
	return settled, nil
}

// CreateVideo adds a catalog entry.
func (s *PostgresStore) CreateVideo(ctx context.Context, req *models.VideoCreateRequest) (*models.Video, error) {
	video := &models.Video{
		ID:          uuid.New(),
		Title:       req.Title,
		PriceUSDC:   req.PriceUSDC,
		PlaybackURL: req.PlaybackURL,
		CreatedAt:   time.Now().UTC(),
	}

	query := `
		INSERT INTO videos (id, title, price_usdc, playback_url, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.Exec(ctx, query, video.ID, video.Title, video.PriceUSDC, video.PlaybackURL, video.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create video: %w", err)
	}
	return video, nil
}

// ListVideos lists the catalog, newest first.
func (s *PostgresStore) ListVideos(ctx context.Context) ([]models.Video, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, title, price_usdc, playback_url, created_at
		FROM videos ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	videos := make([]models.Video, 0)
	for rows.Next() {
		var v models.Video
		if err := rows.Scan(&v.ID, &v.Title, &v.PriceUSDC, &v.PlaybackURL, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// CreateStreamSession assigns the account's next session counter, derives
// the 32-byte session identifier from it, and records the viewing period.
func (s *PostgresStore) CreateStreamSession(ctx context.Context, req *models.StreamSessionRequest) (*models.StreamSession, error) {
	address := strings.ToLower(req.Address)
	if err := s.ensureAccount(ctx, address); err != nil {
		return nil, err
	}

	var counter uint64
	err := s.db.QueryRow(ctx, `
		UPDATE accounts SET session_counter = session_counter + 1, updated_at = $2
		WHERE address = $1
		RETURNING session_counter
	`, address, time.Now().UTC()).Scan(&counter)
	if err != nil {
		return nil, fmt.Errorf("failed to assign session counter: %w", err)
	}

	sessionID, err := session.HexID(address, counter)
	if err != nil {
		return nil, err
	}

	ss := &models.StreamSession{
		ID:        uuid.New(),
		Account:   address,
		VideoID:   req.VideoID,
		Counter:   counter,
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO stream_sessions (id, account, video_id, counter, session_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.Exec(ctx, query, ss.ID, ss.Account, ss.VideoID, ss.Counter, ss.SessionID, ss.StartedAt)
	if err != nil {
		// The account row is ensured above, so only the video FK can fail.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, models.ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to create stream session: %w", err)
	}

	s.logger.Info("Stream session created",
		zap.String("account", ss.Account),
		zap.Uint64("counter", ss.Counter),
		zap.String("session_id", ss.SessionID),
	)
	return ss, nil
}

// CreatePurchase records a settled video purchase.
func (s *PostgresStore) CreatePurchase(ctx context.Context, req *models.VideoPurchaseRequest) (*models.VideoPurchase, error) {
	address := strings.ToLower(req.Address)
	if err := s.ensureAccount(ctx, address); err != nil {
		return nil, err
	}
	normalized, err := session.Normalize(req.SessionID)
	if err != nil {
		return nil, err
	}

	purchase := &models.VideoPurchase{
		ID:        uuid.New(),
		Account:   address,
		VideoID:   req.VideoID,
		SessionID: normalized,
		TxHash:    req.TxHash,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO video_purchases (id, account, video_id, session_id, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.Exec(ctx, query,
		purchase.ID, purchase.Account, purchase.VideoID, purchase.SessionID, purchase.TxHash, purchase.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return nil, models.ErrSessionAlreadySettled
			case pgForeignKeyViolation:
				return nil, models.ErrVideoNotFound
			}
		}
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}
	return purchase, nil
}

// ListPurchases lists an account's purchases, newest first.
func (s *PostgresStore) ListPurchases(ctx context.Context, address string) ([]models.VideoPurchase, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, account, video_id, session_id, tx_hash, created_at
		FROM video_purchases WHERE account = $1 ORDER BY created_at DESC
	`, strings.ToLower(address))
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	purchases := make([]models.VideoPurchase, 0)
	for rows.Next() {
		var p models.VideoPurchase
		if err := rows.Scan(&p.ID, &p.Account, &p.VideoID, &p.SessionID, &p.TxHash, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}
