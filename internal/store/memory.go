package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/session"
)

// sessionMark is a claimed session: pending while its settlement is in
// flight, settled once the transfer confirmed and the mirror was written.
type sessionMark struct {
	txHash  string
	settled bool
}

// MemoryStore is an in-memory Ledger for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	nonces    map[string]uint64
	counters  map[string]uint64
	txns      map[string][]models.TransactionRecord
	sessions  map[string]*sessionMark
	videos    []models.Video
	streams   []models.StreamSession
	purchases map[string][]models.VideoPurchase
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*models.User),
		nonces:    make(map[string]uint64),
		counters:  make(map[string]uint64),
		txns:      make(map[string][]models.TransactionRecord),
		sessions:  make(map[string]*sessionMark),
		purchases: make(map[string][]models.VideoPurchase),
	}
}

// Close is a no-op for the in-memory ledger.
func (s *MemoryStore) Close() {}

// UpsertUser creates or refreshes a user row.
func (s *MemoryStore) UpsertUser(_ context.Context, req *models.UserUpsertRequest) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := strings.ToLower(req.Address)
	now := time.Now().UTC()
	if existing, ok := s.users[address]; ok {
		if req.DisplayName != "" {
			existing.DisplayName = req.DisplayName
		}
		existing.UpdatedAt = now
		copied := *existing
		return &copied, nil
	}
	user := &models.User{
		Address:     address,
		DisplayName: req.DisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.users[address] = user
	copied := *user
	return &copied, nil
}

// NextNonce returns the account's next usable nonce.
func (s *MemoryStore) NextNonce(_ context.Context, address string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonces[strings.ToLower(address)], nil
}

// ConsumeNonce advances the nonce only when the supplied value matches.
func (s *MemoryStore) ConsumeNonce(_ context.Context, address string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	address = strings.ToLower(address)
	if s.nonces[address] != nonce {
		return models.ErrNonceMismatch
	}
	s.nonces[address] = nonce + 1
	return nil
}

// AppendTransaction appends one immutable ledger row.
func (s *MemoryStore) AppendTransaction(_ context.Context, rec *models.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Account = strings.ToLower(rec.Account)
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.txns[rec.Account] = append(s.txns[rec.Account], *rec)
	return nil
}

// ListTransactions returns a page of an account's history.
func (s *MemoryStore) ListTransactions(_ context.Context, req *models.TransactionListRequest) (*models.TransactionListResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.txns[strings.ToLower(req.Address)]
	sorted := make([]models.TransactionRecord, len(all))
	copy(sorted, all)
	sort.SliceStable(sorted, func(i, j int) bool {
		if req.Sort == models.SortOldest {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	start := (req.Page - 1) * req.PageSize
	if start > len(sorted) {
		start = len(sorted)
	}
	end := start + req.PageSize
	if end > len(sorted) {
		end = len(sorted)
	}

	return &models.TransactionListResponse{
		Transactions: sorted[start:end],
		Total:        len(sorted),
		Page:         req.Page,
		PageSize:     req.PageSize,
	}, nil
}

// ReserveSession claims a session before its funds move. Only one claim
// ever succeeds for a given session.
func (s *MemoryStore) ReserveSession(_ context.Context, sessionID string) error {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[normalized]; ok {
		return models.ErrSessionAlreadySettled
	}
	s.sessions[normalized] = &sessionMark{}
	return nil
}

// ReleaseSession drops a reservation that never produced a transaction.
func (s *MemoryStore) ReleaseSession(_ context.Context, sessionID string) error {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if mark, ok := s.sessions[normalized]; ok && !mark.settled && mark.txHash == "" {
		delete(s.sessions, normalized)
	}
	return nil
}

// RecordPendingTx attaches a broadcast hash to a live reservation.
func (s *MemoryStore) RecordPendingTx(_ context.Context, sessionID, txHash string) error {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mark, ok := s.sessions[normalized]
	if !ok || mark.settled {
		return models.ErrSessionNotFound
	}
	mark.txHash = txHash
	return nil
}

// MarkSettled records a session as terminally settled, finalizing its
// reservation when one exists.
func (s *MemoryStore) MarkSettled(_ context.Context, sessionID, txHash string) error {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if mark, ok := s.sessions[normalized]; ok {
		if mark.settled {
			return models.ErrSessionAlreadySettled
		}
		mark.txHash = txHash
		mark.settled = true
		return nil
	}
	s.sessions[normalized] = &sessionMark{txHash: txHash, settled: true}
	return nil
}

// IsSettled reports whether a session has settled. A pending reservation is
// not a settlement.
func (s *MemoryStore) IsSettled(_ context.Context, sessionID string) (bool, error) {
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	mark, ok := s.sessions[normalized]
	return ok && mark.settled, nil
}

// CreateVideo adds a catalog entry.
func (s *MemoryStore) CreateVideo(_ context.Context, req *models.VideoCreateRequest) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video := models.Video{
		ID:          uuid.New(),
		Title:       req.Title,
		PriceUSDC:   req.PriceUSDC,
		PlaybackURL: req.PlaybackURL,
		CreatedAt:   time.Now().UTC(),
	}
	s.videos = append(s.videos, video)
	copied := video
	return &copied, nil
}

// ListVideos lists the catalog, newest first.
func (s *MemoryStore) ListVideos(_ context.Context) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, len(s.videos))
	copy(videos, s.videos)
	sort.SliceStable(videos, func(i, j int) bool {
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	return videos, nil
}

// CreateStreamSession assigns the next counter and derives the session id.
func (s *MemoryStore) CreateStreamSession(_ context.Context, req *models.StreamSessionRequest) (*models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.videoExists(req.VideoID) {
		return nil, models.ErrVideoNotFound
	}

	address := strings.ToLower(req.Address)
	s.counters[address]++
	counter := s.counters[address]

	sessionID, err := session.HexID(address, counter)
	if err != nil {
		s.counters[address]--
		return nil, err
	}

	ss := models.StreamSession{
		ID:        uuid.New(),
		Account:   address,
		VideoID:   req.VideoID,
		Counter:   counter,
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
	}
	s.streams = append(s.streams, ss)
	copied := ss
	return &copied, nil
}

// videoExists must be called with the lock held.
func (s *MemoryStore) videoExists(id uuid.UUID) bool {
	for _, v := range s.videos {
		if v.ID == id {
			return true
		}
	}
	return false
}

// CreatePurchase records a settled video purchase.
func (s *MemoryStore) CreatePurchase(_ context.Context, req *models.VideoPurchaseRequest) (*models.VideoPurchase, error) {
	normalized, err := session.Normalize(req.SessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.videoExists(req.VideoID) {
		return nil, models.ErrVideoNotFound
	}

	address := strings.ToLower(req.Address)
	for _, existing := range s.purchases[address] {
		if existing.SessionID == normalized {
			return nil, models.ErrSessionAlreadySettled
		}
	}
	purchase := models.VideoPurchase{
		ID:        uuid.New(),
		Account:   address,
		VideoID:   req.VideoID,
		SessionID: normalized,
		TxHash:    req.TxHash,
		CreatedAt: time.Now().UTC(),
	}
	s.purchases[address] = append(s.purchases[address], purchase)
	copied := purchase
	return &copied, nil
}

// ListPurchases lists an account's purchases, newest first.
func (s *MemoryStore) ListPurchases(_ context.Context, address string) ([]models.VideoPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.purchases[strings.ToLower(address)]
	purchases := make([]models.VideoPurchase, len(all))
	copy(purchases, all)
	sort.SliceStable(purchases, func(i, j int) bool {
		return purchases[i].CreatedAt.After(purchases[j].CreatedAt)
	})
	return purchases, nil
}
