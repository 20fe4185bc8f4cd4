package idempotency

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketing-checkout/internal/models"
)

func newTestLedger(t *testing.T) *BoltLedger {
	t.Helper()
	ledger, err := NewBoltLedger(filepath.Join(t.TempDir(), "ledger.db"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestBoltLedger_ReserveCompleteReplay(t *testing.T) {
	ledger := newTestLedger(t)

	existing, err := ledger.Reserve("key-00000001", "fp-a")
	require.NoError(t, err)
	assert.Nil(t, existing)

	result := &models.PaymentResult{Success: true, PaymentID: "trk-1", PaymentToken: "trk-1", OrderID: 7}
	require.NoError(t, ledger.Complete("key-00000001", result))

	replayed, err := ledger.Reserve("key-00000001", "fp-a")
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, "trk-1", replayed.PaymentID)
	assert.Equal(t, int64(7), replayed.OrderID)
}

func TestBoltLedger_Conflict(t *testing.T) {
	ledger := newTestLedger(t)

	_, err := ledger.Reserve("key-00000002", "fp-a")
	require.NoError(t, err)
	require.NoError(t, ledger.Complete("key-00000002", &models.PaymentResult{PaymentID: "x"}))

	_, err = ledger.Reserve("key-00000002", "fp-b")
	assert.ErrorIs(t, err, models.ErrIdempotencyConflict)
	assert.True(t, IsLedgerError(err))
}

func TestBoltLedger_InFlight(t *testing.T) {
	ledger := newTestLedger(t)

	_, err := ledger.Reserve("key-00000003", "fp-a")
	require.NoError(t, err)

	_, err = ledger.Reserve("key-00000003", "fp-a")
	assert.ErrorIs(t, err, models.ErrIdempotencyInFlight)

	// a stale reservation can be taken over
	ledger.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	existing, err := ledger.Reserve("key-00000003", "fp-a")
	require.NoError(t, err)
	assert.Nil(t, existing)
}

func TestBoltLedger_Release(t *testing.T) {
	ledger := newTestLedger(t)

	_, err := ledger.Reserve("key-00000004", "fp-a")
	require.NoError(t, err)
	require.NoError(t, ledger.Release("key-00000004"))

	existing, err := ledger.Reserve("key-00000004", "fp-a")
	require.NoError(t, err)
	assert.Nil(t, existing)

	require.NoError(t, ledger.Complete("key-00000004", &models.PaymentResult{PaymentID: "kept"}))
	require.NoError(t, ledger.Release("key-00000004"))

	replayed, err := ledger.Reserve("key-00000004", "fp-a")
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, "kept", replayed.PaymentID)

	assert.NoError(t, ledger.Release("never-reserved"))
}

func TestBoltLedger_Prune(t *testing.T) {
	ledger := newTestLedger(t)

	_, err := ledger.Reserve("key-00000005", "fp")
	require.NoError(t, err)
	require.NoError(t, ledger.Complete("key-00000005", &models.PaymentResult{}))

	removed, err := ledger.Prune(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	ledger.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err = ledger.Prune(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestFingerprint(t *testing.T) {
	base := &models.PaymentRequest{
		OrderID:  1,
		EventID:  3,
		Customer: models.PaymentCustomer{Email: "guest@example.com"},
		Amount:   10200,
		Currency: "XOF",
		Method:   models.PaymentMobileMoney,
		Lines: []models.TicketLine{
			{TicketTypeID: 2, Quantity: 1, PriceMajor: 100, Currency: "XOF"},
			{TicketTypeID: 1, Quantity: 2, PriceMajor: 5000, Currency: "XOF"},
		},
	}

	reordered := *base
	reordered.Lines = []models.TicketLine{base.Lines[1], base.Lines[0]}
	reordered.Currency = "xof"
	assert.Equal(t, Fingerprint(base), Fingerprint(&reordered))

	changed := *base
	changed.Amount = 10201
	assert.NotEqual(t, Fingerprint(base), Fingerprint(&changed))

	// a guest retry after a rollback gets a new order for the same charge
	recreated := *base
	recreated.OrderID = 2
	recreated.OrderNumber = "ORD-20240101-000002"
	recreated.Customer.Email = " Guest@Example.com"
	assert.Equal(t, Fingerprint(base), Fingerprint(&recreated))

	otherBuyer := *base
	otherBuyer.Customer.Email = "someone@example.com"
	assert.NotEqual(t, Fingerprint(base), Fingerprint(&otherBuyer))
}
