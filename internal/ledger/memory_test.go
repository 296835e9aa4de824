package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func seedBet(t *testing.T, st *store.MemoryStore, id, user string, stake int64) {
	t.Helper()
	require.NoError(t, st.CreateRealBet(context.Background(), &model.RealBet{
		ID: id, UserID: user, MarketID: "m1", Source: model.SourceKalshi, Outcome: "YES", StakeCents: stake,
	}))
}

func TestMemoryLedger_SettleBetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedBet(t, st, "b1", "alice", 1000)
	l := NewMemoryLedger(st)

	require.NoError(t, l.SettleBet(ctx, "b1", 2000))
	require.NoError(t, l.SettleBet(ctx, "b1", 2000))
	require.NoError(t, l.SettleBet(ctx, "b1", 9999))

	assert.Equal(t, int64(2000), l.Balance("alice"))
	assert.Len(t, l.Entries(), 1)
	assert.Equal(t, 3, l.SettleCalls())

	bet, err := st.GetRealBet(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, bet.Settled)
	assert.Equal(t, int64(2000), bet.PayoutCents)
}

func TestMemoryLedger_SettleZeroPayoutMarksSettled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedBet(t, st, "b1", "bob", 2000)
	l := NewMemoryLedger(st)

	require.NoError(t, l.SettleBet(ctx, "b1", 0))
	assert.Equal(t, int64(0), l.Balance("bob"))

	bet, err := st.GetRealBet(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, bet.Settled)
}

func TestMemoryLedger_SettleUnknownBet(t *testing.T) {
	l := NewMemoryLedger(store.NewMemoryStore())
	assert.ErrorIs(t, l.SettleBet(context.Background(), "missing", 100), ErrBetNotFound)
}

func TestMemoryLedger_RejectsNegativePayout(t *testing.T) {
	l := NewMemoryLedger(store.NewMemoryStore())
	assert.ErrorIs(t, l.SettleBet(context.Background(), "b1", -1), ErrInvalidAmount)
}

func TestMemoryLedger_Withdraw(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(store.NewMemoryStore())
	l.Deposit("alice", 5000)

	require.NoError(t, l.Withdraw(ctx, "alice", 3000, "ach", "ext-1", "w-1"))
	require.NoError(t, l.Withdraw(ctx, "alice", 3000, "ach", "ext-1", "w-1"))
	assert.Equal(t, int64(2000), l.Balance("alice"))

	assert.ErrorIs(t, l.Withdraw(ctx, "alice", 2001, "ach", "ext-2", "w-2"), ErrInsufficientFunds)
	assert.ErrorIs(t, l.Withdraw(ctx, "alice", 0, "ach", "ext-3", "w-3"), ErrInvalidAmount)
	assert.Equal(t, int64(2000), l.Balance("alice"))

	// A rejected key is not burned.
	l.Deposit("alice", 1)
	require.NoError(t, l.Withdraw(ctx, "alice", 2001, "ach", "ext-2", "w-2"))
	assert.Equal(t, int64(0), l.Balance("alice"))
}
