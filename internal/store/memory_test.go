package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/session"
)

const testAccount = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

func testSessionID(t *testing.T, counter uint64) string {
	t.Helper()
	id, err := session.HexID(testAccount, counter)
	require.NoError(t, err)
	return id
}

func TestNonceStartsAtZeroAndAdvances(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	nonce, err := s.NextNonce(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, uint64(0), nonce)

	require.NoError(t, s.ConsumeNonce(ctx, testAccount, 0))
	nonce, err = s.NextNonce(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)
}

func TestConsumeNonceRejectsStaleAndFuture(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ConsumeNonce(ctx, testAccount, 0))

	// Replay of the consumed nonce.
	require.ErrorIs(t, s.ConsumeNonce(ctx, testAccount, 0), models.ErrNonceMismatch)
	// Skipping ahead.
	require.ErrorIs(t, s.ConsumeNonce(ctx, testAccount, 5), models.ErrNonceMismatch)

	// A failed consume does not advance the counter.
	nonce, err := s.NextNonce(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)
}

func TestConsumeNonceCaseInsensitiveAccount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	upper := "0x" + strings.ToUpper(testAccount[2:])
	require.NoError(t, s.ConsumeNonce(ctx, upper, 0))

	nonce, err := s.NextNonce(ctx, strings.ToLower(testAccount))
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)
}

func TestMarkSettledIsTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := testSessionID(t, 1)

	settled, err := s.IsSettled(ctx, id)
	require.NoError(t, err)
	require.False(t, settled)

	require.NoError(t, s.MarkSettled(ctx, id, "0xabc"))
	require.ErrorIs(t, s.MarkSettled(ctx, id, "0xdef"), models.ErrSessionAlreadySettled)

	settled, err = s.IsSettled(ctx, id)
	require.NoError(t, err)
	require.True(t, settled)

	// Case variants of the same id resolve to the same settlement record.
	settled, err = s.IsSettled(ctx, strings.ToUpper(strings.TrimPrefix(id, "0x")))
	require.NoError(t, err)
	require.True(t, settled)
}

func TestReserveSessionClaimsOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := testSessionID(t, 1)

	require.NoError(t, s.ReserveSession(ctx, id))
	require.ErrorIs(t, s.ReserveSession(ctx, id), models.ErrSessionAlreadySettled)

	// A reservation blocks a second settlement but is not itself settled.
	settled, err := s.IsSettled(ctx, id)
	require.NoError(t, err)
	require.False(t, settled)

	require.NoError(t, s.MarkSettled(ctx, id, "0xabc"))
	settled, err = s.IsSettled(ctx, id)
	require.NoError(t, err)
	require.True(t, settled)
	require.ErrorIs(t, s.ReserveSession(ctx, id), models.ErrSessionAlreadySettled)
}

func TestReleaseSessionFreesUnbroadcastReservationsOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := testSessionID(t, 1)

	// A reservation with no transaction releases cleanly.
	require.NoError(t, s.ReserveSession(ctx, id))
	require.NoError(t, s.ReleaseSession(ctx, id))
	require.NoError(t, s.ReserveSession(ctx, id))

	// Once a hash is recorded the funds may have moved, so the claim holds.
	require.NoError(t, s.RecordPendingTx(ctx, id, "0xbroadcast"))
	require.NoError(t, s.ReleaseSession(ctx, id))
	require.ErrorIs(t, s.ReserveSession(ctx, id), models.ErrSessionAlreadySettled)
}

func TestRecordPendingTxRequiresReservation(t *testing.T) {
	s := NewMemoryStore()
	err := s.RecordPendingTx(context.Background(), testSessionID(t, 1), "0xabc")
	require.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestIsSettledRejectsMalformedID(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.IsSettled(context.Background(), "0xnope")
	require.Error(t, err)
}

func TestListTransactionsPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		amount := decimal.NewFromInt(int64(i + 1))
		rec := &models.TransactionRecord{
			ID:          uuid.New(),
			Account:     testAccount,
			ServiceType: models.ServiceTypeVideoStream,
			AmountUSDC:  &amount,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendTransaction(ctx, rec))
	}

	resp, err := s.ListTransactions(ctx, &models.TransactionListRequest{
		Address: testAccount, Page: 1, PageSize: 2, Sort: models.SortRecent,
	})
	require.NoError(t, err)
	require.Equal(t, 5, resp.Total)
	require.Len(t, resp.Transactions, 2)
	require.True(t, decimal.NewFromInt(5).Equal(*resp.Transactions[0].AmountUSDC))

	resp, err = s.ListTransactions(ctx, &models.TransactionListRequest{
		Address: testAccount, Page: 1, PageSize: 2, Sort: models.SortOldest,
	})
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(1).Equal(*resp.Transactions[0].AmountUSDC))

	// Page past the end is empty, not an error.
	resp, err = s.ListTransactions(ctx, &models.TransactionListRequest{
		Address: testAccount, Page: 4, PageSize: 2, Sort: models.SortRecent,
	})
	require.NoError(t, err)
	require.Empty(t, resp.Transactions)
	require.Equal(t, 5, resp.Total)
}

func TestUpsertUserRefreshesDisplayName(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.UpsertUser(ctx, &models.UserUpsertRequest{Address: testAccount, DisplayName: "alice"})
	require.NoError(t, err)
	require.Equal(t, strings.ToLower(testAccount), created.Address)

	updated, err := s.UpsertUser(ctx, &models.UserUpsertRequest{Address: strings.ToLower(testAccount), DisplayName: "alice2"})
	require.NoError(t, err)
	require.Equal(t, "alice2", updated.DisplayName)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)
}

func createTestVideo(t *testing.T, s *MemoryStore) uuid.UUID {
	t.Helper()
	video, err := s.CreateVideo(context.Background(), &models.VideoCreateRequest{
		Title:     "clip",
		PriceUSDC: decimal.RequireFromString("0.99"),
	})
	require.NoError(t, err)
	return video.ID
}

func TestCreateStreamSessionAssignsMonotonicCounters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	videoID := createTestVideo(t, s)

	first, err := s.CreateStreamSession(ctx, &models.StreamSessionRequest{Address: testAccount, VideoID: videoID})
	require.NoError(t, err)
	second, err := s.CreateStreamSession(ctx, &models.StreamSessionRequest{Address: testAccount, VideoID: videoID})
	require.NoError(t, err)

	require.Equal(t, uint64(1), first.Counter)
	require.Equal(t, uint64(2), second.Counter)
	require.NotEqual(t, first.SessionID, second.SessionID)

	expected, err := session.HexID(testAccount, 1)
	require.NoError(t, err)
	require.Equal(t, expected, first.SessionID)
}

func TestCreateStreamSessionUnknownVideo(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.CreateStreamSession(context.Background(), &models.StreamSessionRequest{
		Address: testAccount,
		VideoID: uuid.New(),
	})
	require.ErrorIs(t, err, models.ErrVideoNotFound)
}

func TestCreatePurchaseRejectsDuplicateSession(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	req := &models.VideoPurchaseRequest{
		Address:   testAccount,
		VideoID:   createTestVideo(t, s),
		SessionID: testSessionID(t, 1),
		TxHash:    "0xabc",
	}

	_, err := s.CreatePurchase(ctx, req)
	require.NoError(t, err)
	_, err = s.CreatePurchase(ctx, req)
	require.ErrorIs(t, err, models.ErrSessionAlreadySettled)

	purchases, err := s.ListPurchases(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
}

func TestVideoCatalog(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.CreateVideo(ctx, &models.VideoCreateRequest{
		Title:     "intro",
		PriceUSDC: decimal.RequireFromString("1.99"),
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)

	videos, err := s.ListVideos(ctx)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	require.Equal(t, "intro", videos[0].Title)
}
