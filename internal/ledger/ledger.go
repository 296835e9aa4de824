// Package ledger is the real-money wallet: an append-only transaction log
// with balances derived from it. Every mutation carries an idempotency key so
// callers may retry freely; a repeated key is accepted and has no effect.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientFunds is returned when a withdrawal exceeds the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrBetNotFound is returned when settling a bet id that does not exist.
	ErrBetNotFound = errors.New("ledger: bet not found")

	// ErrInvalidAmount is returned for negative payouts or non-positive withdrawals.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// Transaction kinds recorded in the log.
const (
	KindSettlement = "settlement"
	KindWithdrawal = "withdrawal"
	KindDeposit    = "deposit"
)

// Ledger settles real-money bets and moves wallet funds.
type Ledger interface {
	// SettleBet assigns payoutCents to the bet and credits its owner. Safe to
	// call more than once for the same bet; only the first call has effect.
	SettleBet(ctx context.Context, betID string, payoutCents int64) error

	// Withdraw debits amountCents from the user's wallet once per idempotencyKey.
	Withdraw(ctx context.Context, userID string, amountCents int64, method, externalTxRef, idempotencyKey string) error
}

// SettlementKey derives the idempotency key for settling a bet.
func SettlementKey(betID string) string {
	return "settle:" + betID
}
