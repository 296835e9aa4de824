package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger implements Ledger over the wallets and ledger_transactions
// tables. The UNIQUE idempotency_key column is the exactly-once gate: each
// operation first claims its key and only applies balance changes if the
// claim succeeded, all inside one transaction.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger on an existing pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) SettleBet(ctx context.Context, betID string, payoutCents int64) error {
	if payoutCents < 0 {
		return ErrInvalidAmount
	}

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var userID string
		err := tx.QueryRow(ctx,
			`INSERT INTO ledger_transactions (id, user_id, amount_cents, kind, external_ref, idempotency_key)
			 SELECT $1, user_id, $2, $3, id, $4 FROM real_bets WHERE id = $5
			 ON CONFLICT (idempotency_key) DO NOTHING
			 RETURNING user_id`,
			uuid.New().String(), payoutCents, KindSettlement, SettlementKey(betID), betID,
		).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if qerr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM real_bets WHERE id = $1)`, betID).Scan(&exists); qerr != nil {
				return qerr
			}
			if !exists {
				return ErrBetNotFound
			}
			return nil // already settled under this key
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE real_bets SET settled = TRUE, payout_cents = $2, settled_at = now()
			 WHERE id = $1 AND NOT settled`, betID, payoutCents); err != nil {
			return err
		}

		if payoutCents == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO wallets (user_id, balance_cents) VALUES ($1, $2)
			 ON CONFLICT (user_id) DO UPDATE
			 SET balance_cents = wallets.balance_cents + EXCLUDED.balance_cents, updated_at = now()`,
			userID, payoutCents)
		return err
	})
	if err != nil {
		return fmt.Errorf("settle bet %s: %w", betID, err)
	}
	return nil
}

func (l *PostgresLedger) Withdraw(ctx context.Context, userID string, amountCents int64, method, externalTxRef, idempotencyKey string) error {
	if amountCents <= 0 {
		return ErrInvalidAmount
	}

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO ledger_transactions (id, user_id, amount_cents, kind, method, external_ref, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (idempotency_key) DO NOTHING`,
			uuid.New().String(), userID, -amountCents, KindWithdrawal, method, externalTxRef, idempotencyKey)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		tag, err = tx.Exec(ctx,
			`UPDATE wallets SET balance_cents = balance_cents - $2, updated_at = now()
			 WHERE user_id = $1 AND balance_cents >= $2`, userID, amountCents)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientFunds
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", userID, err)
	}
	return nil
}

var _ Ledger = (*PostgresLedger)(nil)
