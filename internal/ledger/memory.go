package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// BetLookup is the slice of the bet store the ledger needs.
type BetLookup interface {
	GetRealBet(ctx context.Context, id string) (*model.RealBet, error)
	MarkRealBetSettled(ctx context.Context, id string, payoutCents int64, at time.Time) (bool, error)
}

// Entry is one row of the in-memory transaction log.
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AmountCents    int64     `json:"amount_cents"`
	Kind           string    `json:"kind"`
	Method         string    `json:"method,omitempty"`
	ExternalRef    string    `json:"external_ref,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryLedger implements Ledger in process. Used for testing and development.
type MemoryLedger struct {
	bets BetLookup

	mu       sync.Mutex
	balances map[string]int64
	seen     map[string]struct{}
	log      []Entry
	calls    int
}

// NewMemoryLedger creates a ledger settling bets held in bets.
func NewMemoryLedger(bets BetLookup) *MemoryLedger {
	return &MemoryLedger{
		bets:     bets,
		balances: make(map[string]int64),
		seen:     make(map[string]struct{}),
	}
}

func (l *MemoryLedger) SettleBet(ctx context.Context, betID string, payoutCents int64) error {
	if payoutCents < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	key := SettlementKey(betID)
	if _, ok := l.seen[key]; ok {
		return nil
	}

	bet, err := l.bets.GetRealBet(ctx, betID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", betID, ErrBetNotFound)
	}
	if err != nil {
		return fmt.Errorf("load bet %s: %w", betID, err)
	}

	now := time.Now().UTC()
	changed, err := l.bets.MarkRealBetSettled(ctx, betID, payoutCents, now)
	if err != nil {
		return fmt.Errorf("mark bet %s settled: %w", betID, err)
	}
	l.seen[key] = struct{}{}
	if !changed {
		return nil
	}

	l.balances[bet.UserID] += payoutCents
	l.log = append(l.log, Entry{
		ID:             uuid.New().String(),
		UserID:         bet.UserID,
		AmountCents:    payoutCents,
		Kind:           KindSettlement,
		ExternalRef:    betID,
		IdempotencyKey: key,
		CreatedAt:      now,
	})
	return nil
}

func (l *MemoryLedger) Withdraw(_ context.Context, userID string, amountCents int64, method, externalTxRef, idempotencyKey string) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[idempotencyKey]; ok {
		return nil
	}
	if l.balances[userID] < amountCents {
		return ErrInsufficientFunds
	}

	l.balances[userID] -= amountCents
	l.seen[idempotencyKey] = struct{}{}
	l.log = append(l.log, Entry{
		ID:             uuid.New().String(),
		UserID:         userID,
		AmountCents:    -amountCents,
		Kind:           KindWithdrawal,
		Method:         method,
		ExternalRef:    externalTxRef,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	})
	return nil
}

// Deposit credits a wallet directly. Used to seed fixtures.
func (l *MemoryLedger) Deposit(userID string, amountCents int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amountCents
	l.log = append(l.log, Entry{
		ID:             uuid.New().String(),
		UserID:         userID,
		AmountCents:    amountCents,
		Kind:           KindDeposit,
		IdempotencyKey: uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
	})
}

// Balance returns a user's wallet balance in cents.
func (l *MemoryLedger) Balance(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// Entries returns a copy of the transaction log.
func (l *MemoryLedger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.log...)
}

// SettleCalls counts SettleBet invocations, including repeats.
func (l *MemoryLedger) SettleCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

var _ Ledger = (*MemoryLedger)(nil)
