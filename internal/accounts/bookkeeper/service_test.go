package bookkeeper

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newService(t *testing.T) *InMemoryService {
	return NewInMemoryService(zaptest.NewLogger(t))
}

func TestReserveMovesAvailableToLocked(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	userID := uuid.New()

	require.NoError(t, svc.Deposit(ctx, userID, "USD", decimal.NewFromInt(10000)))
	require.NoError(t, svc.Reserve(ctx, userID, "USD", decimal.NewFromInt(4000), "ref-1"))

	acct, err := svc.GetAccount(ctx, userID, "USD")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(decimal.NewFromInt(6000)))
	assert.True(t, acct.Locked.Equal(decimal.NewFromInt(4000)))
	assert.True(t, svc.ReservedAmount("ref-1").Equal(decimal.NewFromInt(4000)))
}

func TestReserveInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	userID := uuid.New()

	require.NoError(t, svc.Deposit(ctx, userID, "USD", decimal.NewFromInt(100)))
	err := svc.Reserve(ctx, userID, "USD", decimal.NewFromInt(200), "ref-1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestReleaseAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	userID := uuid.New()

	require.NoError(t, svc.Deposit(ctx, userID, "USD", decimal.NewFromInt(1000)))
	require.NoError(t, svc.Reserve(ctx, userID, "USD", decimal.NewFromInt(500), "ref-1"))

	released, err := svc.ReleaseAll(ctx, "ref-1")
	require.NoError(t, err)
	assert.True(t, released.Equal(decimal.NewFromInt(500)))

	// Second release of the same ref is a no-op, not a double credit.
	released, err = svc.ReleaseAll(ctx, "ref-1")
	require.NoError(t, err)
	assert.True(t, released.IsZero())

	acct, err := svc.GetAccount(ctx, userID, "USD")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(decimal.NewFromInt(1000)))
	assert.True(t, acct.Locked.IsZero())
}

func TestTransferReservationPreservesTotals(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	userID := uuid.New()

	require.NoError(t, svc.Deposit(ctx, userID, "USD", decimal.NewFromInt(1000)))
	require.NoError(t, svc.Reserve(ctx, userID, "USD", decimal.NewFromInt(800), "order"))
	require.NoError(t, svc.TransferReservation(ctx, "order", "trade", decimal.NewFromInt(300)))

	assert.True(t, svc.ReservedAmount("order").Equal(decimal.NewFromInt(500)))
	assert.True(t, svc.ReservedAmount("trade").Equal(decimal.NewFromInt(300)))

	acct, err := svc.GetAccount(ctx, userID, "USD")
	require.NoError(t, err)
	assert.True(t, acct.Locked.Equal(decimal.NewFromInt(800)), "transfer must not touch balances")
}

func TestDebitReservedConsumesHold(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	userID := uuid.New()

	require.NoError(t, svc.Deposit(ctx, userID, "USD", decimal.NewFromInt(1000)))
	require.NoError(t, svc.Reserve(ctx, userID, "USD", decimal.NewFromInt(600), "trade"))
	require.NoError(t, svc.DebitReserved(ctx, "trade", decimal.NewFromInt(600)))

	acct, err := svc.GetAccount(ctx, userID, "USD")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(decimal.NewFromInt(400)))
	assert.True(t, acct.Locked.IsZero())
	assert.True(t, svc.ReservedAmount("trade").IsZero())

	assert.ErrorIs(t, svc.DebitReserved(ctx, "trade", decimal.NewFromInt(1)), ErrReservationNotFound)
}

func TestExecuteAtomicallyRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	userID := uuid.New()

	require.NoError(t, svc.Deposit(ctx, userID, "USD", decimal.NewFromInt(1000)))

	boom := errors.New("payment gateway down")
	err := svc.ExecuteAtomically(ctx, []Operation{
		{
			Name: "debit-usd",
			Apply: func(ctx context.Context) error {
				return svc.Debit(ctx, userID, "USD", decimal.NewFromInt(700))
			},
			Compensate: func(ctx context.Context) error {
				return svc.Credit(ctx, userID, "USD", decimal.NewFromInt(700))
			},
		},
		{
			Name: "credit-eur",
			Apply: func(ctx context.Context) error {
				return svc.Credit(ctx, userID, "EUR", decimal.NewFromInt(600))
			},
			Compensate: func(ctx context.Context) error {
				return svc.Debit(ctx, userID, "EUR", decimal.NewFromInt(600))
			},
		},
		{
			Name:       "send-payment",
			Apply:      func(ctx context.Context) error { return boom },
			Compensate: func(ctx context.Context) error { return nil },
		},
	})
	require.ErrorIs(t, err, boom)

	usd, err := svc.GetAccount(ctx, userID, "USD")
	require.NoError(t, err)
	assert.True(t, usd.Available.Equal(decimal.NewFromInt(1000)), "debit rolled back")

	eur, err := svc.GetAccount(ctx, userID, "EUR")
	require.NoError(t, err)
	assert.True(t, eur.Available.IsZero(), "credit rolled back")
}
