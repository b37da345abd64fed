package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTransaction(id string) *Transaction {
	return &Transaction{
		TransactionID:   id,
		SellerID:        "seller-1",
		BuyerAddress:    "0x1111111111111111111111111111111111111111",
		Price:           1000,
		NetworkID:       "eip155:71",
		Status:          TxStatusPaid,
		PayloadJSON:     `{"x402Version":2}`,
		RequirementJSON: `{"scheme":"exact"}`,
		SettlementID:    "0xsettled",
		MetadataJSON:    `{"buyer_bot":"alice"}`,
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTransaction(ctx, testTransaction("0xabc"))
	require.NoError(t, err)
	assert.Equal(t, TxStatusPaid, created.Status)
	assert.Equal(t, int64(1000), created.Price)
	assert.Equal(t, "0xsettled", created.SettlementID)

	fetched, err := s.GetTransaction(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, created.TransactionID, fetched.TransactionID)

	_, err = s.GetTransaction(ctx, "0xmissing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateTransactionDuplicateReturnsAlreadyExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTransaction(ctx, testTransaction("0xabc"))
	require.NoError(t, err)

	_, err = s.CreateTransaction(ctx, testTransaction("0xabc"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestAttachSpaceClearsEarlierError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTransaction(ctx, testTransaction("0xabc"))
	require.NoError(t, err)

	failed, err := s.RecordSpaceError(ctx, "0xabc", "thread creation failed")
	require.NoError(t, err)
	assert.Equal(t, "thread creation failed", failed.ErrorReason)
	assert.Equal(t, TxStatusPaid, failed.Status)

	attached, err := s.AttachSpace(ctx, "0xabc", "space-1", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, TxStatusSessionCreated, attached.Status)
	assert.Equal(t, "space-1", attached.SpaceID)
	assert.Equal(t, "thread-1", attached.ThreadID)
	assert.Empty(t, attached.ErrorReason)

	_, err = s.AttachSpace(ctx, "0xmissing", "space-1", "thread-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "0xabc", `{"buyer":"alice","seller":"bob"}`, `{}`)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCreated, sess.Status)
	assert.False(t, sess.Bound())

	_, err = s.CreateSession(ctx, "0xabc", `{}`, `{}`)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	bound, err := s.BindSpace(ctx, "0xabc", "space-1", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusRunning, bound.Status)
	assert.True(t, bound.Bound())

	byThread, err := s.GetRunningSessionByThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", byThread.TransactionID)

	require.NoError(t, s.IncrementMessageCount(ctx, "0xabc"))
	require.NoError(t, s.IncrementMessageCount(ctx, "0xabc"))
	counted, err := s.GetSession(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counted.MessageCount)
}

func TestEndSessionIsWriteOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "0xabc", `{}`, `{}`)
	require.NoError(t, err)
	_, err = s.BindSpace(ctx, "0xabc", "space-1", "thread-1")
	require.NoError(t, err)

	ended, err := s.EndSession(ctx, "0xabc", "end_marker")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusEnded, ended.Status)
	assert.Equal(t, "end_marker", ended.EndReason)
	require.NotNil(t, ended.EndAt)

	// A second end must not overwrite the recorded reason.
	_, err = s.EndSession(ctx, "0xabc", "operator_request")
	assert.ErrorIs(t, err, ErrSessionEnded)

	kept, err := s.GetSession(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "end_marker", kept.EndReason)

	// Ended sessions no longer resolve by thread and refuse rebinding.
	_, err = s.GetRunningSessionByThread(ctx, "thread-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.BindSpace(ctx, "0xabc", "space-2", "thread-2")
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestEndMissingSession(t *testing.T) {
	s := openTestStore(t)

	_, err := s.EndSession(context.Background(), "0xmissing", "operator_request")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSellerUpsertAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tron := int64(2_000_000)
	created, err := s.UpsertSeller(ctx, &Seller{
		SellerID:         "seller-1",
		PayToAddress:     "0x2222222222222222222222222222222222222222",
		PriceEVMMinimal:  1_000_000_000_000_000_000,
		PriceTronMinimal: &tron,
		Description:      "market analysis",
		Status:           "active",
	})
	require.NoError(t, err)
	require.NotNil(t, created.PriceTronMinimal)
	assert.Equal(t, tron, *created.PriceTronMinimal)

	// Upsert replaces pricing in place.
	created.PriceEVMMinimal = 2_000_000_000_000_000_000
	created.PriceTronMinimal = nil
	updated, err := s.UpsertSeller(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000_000_000_000_000), updated.PriceEVMMinimal)
	assert.Nil(t, updated.PriceTronMinimal)

	byAddr, err := s.GetSellerByAddress(ctx, "0x2222222222222222222222222222222222222222")
	require.NoError(t, err)
	assert.Equal(t, "seller-1", byAddr.SellerID)

	_, err = s.GetSeller(ctx, "seller-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	sellers, err := s.ListSellers(ctx)
	require.NoError(t, err)
	assert.Len(t, sellers, 1)
}
