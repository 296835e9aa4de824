package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC (or BIGINT cents) for exact
// precision and exchanged as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the connection pool so the ledger can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies the embedded schema files in lexical order. Every
// statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Real-money bets ---

const realBetColumns = `id, user_id, market_id, source, outcome, stake_cents, settled, payout_cents, created_at, settled_at`

func (s *PostgresStore) CreateRealBet(ctx context.Context, b *model.RealBet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO real_bets (id, user_id, market_id, source, outcome, stake_cents, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.UserID, b.MarketID, string(b.Source), b.Outcome, b.StakeCents, b.CreatedAt,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("real bet %s: %w", b.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetRealBet(ctx context.Context, id string) (*model.RealBet, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+realBetColumns+` FROM real_bets WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get real bet %s: %w", id, err)
	}
	defer rows.Close()

	bets, err := scanRealBets(rows)
	if err != nil {
		return nil, err
	}
	if len(bets) == 0 {
		return nil, fmt.Errorf("real bet %s: %w", id, ErrNotFound)
	}
	return &bets[0], nil
}

func (s *PostgresStore) ListUnsettledRealBets(ctx context.Context) ([]model.RealBet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+realBetColumns+` FROM real_bets WHERE NOT settled ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list unsettled real bets: %w", err)
	}
	defer rows.Close()
	return scanRealBets(rows)
}

func (s *PostgresStore) ListUnsettledRealBetsByMarket(ctx context.Context, key model.MarketKey) ([]model.RealBet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+realBetColumns+` FROM real_bets
		 WHERE NOT settled AND market_id = $1 AND source = $2
		 ORDER BY created_at, id`, key.MarketID, string(key.Source))
	if err != nil {
		return nil, fmt.Errorf("list unsettled real bets %s/%s: %w", key.Source, key.MarketID, err)
	}
	defer rows.Close()
	return scanRealBets(rows)
}

func (s *PostgresStore) MarkRealBetSettled(ctx context.Context, id string, payoutCents int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE real_bets SET settled = TRUE, payout_cents = $2, settled_at = $3
		 WHERE id = $1 AND NOT settled`, id, payoutCents, at)
	if err != nil {
		return false, fmt.Errorf("settle real bet %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanRealBets(rows pgx.Rows) ([]model.RealBet, error) {
	var bets []model.RealBet
	for rows.Next() {
		var b model.RealBet
		var source string
		if err := rows.Scan(&b.ID, &b.UserID, &b.MarketID, &source, &b.Outcome,
			&b.StakeCents, &b.Settled, &b.PayoutCents, &b.CreatedAt, &b.SettledAt); err != nil {
			return nil, err
		}
		b.Source = model.MarketSource(source)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// --- Paper bets ---

func (s *PostgresStore) ListUnresolvedPaperBets(ctx context.Context, key model.MarketKey) ([]model.PaperBet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, source, outcome,
		        amount::TEXT, shares::TEXT, resolved, resolution,
		        payout::TEXT, profit::TEXT, created_at, resolved_at
		 FROM paper_bets
		 WHERE NOT resolved AND market_id = $1 AND source = $2
		 ORDER BY created_at`, key.MarketID, string(key.Source))
	if err != nil {
		return nil, fmt.Errorf("list unresolved paper bets %s/%s: %w", key.Source, key.MarketID, err)
	}
	defer rows.Close()

	var bets []model.PaperBet
	for rows.Next() {
		var b model.PaperBet
		var source, resolution, amountS, sharesS, payoutS, profitS string
		if err := rows.Scan(&b.ID, &b.UserID, &b.MarketID, &source, &b.Outcome,
			&amountS, &sharesS, &b.Resolved, &resolution,
			&payoutS, &profitS, &b.CreatedAt, &b.ResolvedAt); err != nil {
			return nil, err
		}
		b.Source = model.MarketSource(source)
		b.Resolution = model.PaperResolution(resolution)
		b.Amount, _ = decimal.NewFromString(amountS)
		b.Shares, _ = decimal.NewFromString(sharesS)
		b.Payout, _ = decimal.NewFromString(payoutS)
		b.Profit, _ = decimal.NewFromString(profitS)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) SettlePaperBet(ctx context.Context, b *model.PaperBet) (bool, error) {
	settled := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var userID string
		err := tx.QueryRow(ctx,
			`UPDATE paper_bets
			 SET resolved = TRUE, resolution = $2, payout = $3::NUMERIC, profit = $4::NUMERIC, resolved_at = $5
			 WHERE id = $1 AND NOT resolved
			 RETURNING user_id`,
			b.ID, string(b.Resolution), b.Payout.String(), b.Profit.String(), b.ResolvedAt,
		).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		settled = true

		if b.Payout.IsPositive() {
			_, err = tx.Exec(ctx,
				`UPDATE sandbox_accounts SET balance = balance + $2::NUMERIC, updated_at = now()
				 WHERE user_id = $1`, userID, b.Payout.String())
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("settle paper bet %s: %w", b.ID, err)
	}
	return settled, nil
}

func (s *PostgresStore) GetPaperPool(ctx context.Context, key model.MarketKey) (*model.PaperPool, error) {
	var yesS, noS string
	err := s.pool.QueryRow(ctx,
		`SELECT pool_yes::TEXT, pool_no::TEXT FROM paper_pools WHERE market_id = $1 AND source = $2`,
		key.MarketID, string(key.Source)).Scan(&yesS, &noS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("paper pool %s/%s: %w", key.Source, key.MarketID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get paper pool %s/%s: %w", key.Source, key.MarketID, err)
	}
	p := &model.PaperPool{MarketID: key.MarketID, Source: key.Source}
	p.PoolYes, _ = decimal.NewFromString(yesS)
	p.PoolNo, _ = decimal.NewFromString(noS)
	return p, nil
}

func (s *PostgresStore) PlacePaperBet(ctx context.Context, b *model.PaperBet, pool model.PaperPool) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		nb, err := debitSandbox(ctx, tx, b.UserID, b.Amount)
		if err != nil {
			return err
		}
		balance = nb

		if _, err := tx.Exec(ctx,
			`INSERT INTO paper_bets (id, user_id, market_id, source, outcome, amount, shares, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
			b.ID, b.UserID, b.MarketID, string(b.Source), b.Outcome,
			b.Amount.String(), b.Shares.String(), b.CreatedAt,
		); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO paper_pools (market_id, source, pool_yes, pool_no)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
			 ON CONFLICT (market_id, source) DO UPDATE SET pool_yes = EXCLUDED.pool_yes, pool_no = EXCLUDED.pool_no`,
			pool.MarketID, string(pool.Source), pool.PoolYes.String(), pool.PoolNo.String(),
		)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// debitSandbox conditionally debits a sandbox balance inside tx.
func debitSandbox(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balanceS string
	err := tx.QueryRow(ctx,
		`UPDATE sandbox_accounts SET balance = balance - $2::NUMERIC, updated_at = now()
		 WHERE user_id = $1 AND balance >= $2::NUMERIC
		 RETURNING balance::TEXT`, userID, amount.String()).Scan(&balanceS)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sandbox_accounts WHERE user_id = $1)`, userID).Scan(&exists); qerr != nil {
			return decimal.Zero, qerr
		}
		if !exists {
			return decimal.Zero, fmt.Errorf("sandbox account %s: %w", userID, ErrNotFound)
		}
		return decimal.Zero, ErrInsufficientBalance
	}
	if err != nil {
		return decimal.Zero, err
	}
	balance, _ := decimal.NewFromString(balanceS)
	return balance, nil
}

// --- Resolution records ---

func (s *PostgresStore) InsertResolution(ctx context.Context, rec *model.MarketResolutionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_resolutions (market_id, source, winning_outcome, resolved_at, manual)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.MarketID, string(rec.Source), rec.WinningOutcome, rec.ResolvedAt, rec.Manual,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("resolution %s/%s: %w", rec.Source, rec.MarketID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetResolution(ctx context.Context, key model.MarketKey) (*model.MarketResolutionRecord, error) {
	rec := model.MarketResolutionRecord{MarketID: key.MarketID, Source: key.Source}
	err := s.pool.QueryRow(ctx,
		`SELECT winning_outcome, resolved_at, manual FROM market_resolutions
		 WHERE market_id = $1 AND source = $2`, key.MarketID, string(key.Source)).
		Scan(&rec.WinningOutcome, &rec.ResolvedAt, &rec.Manual)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resolution %s/%s: %w", key.Source, key.MarketID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get resolution %s/%s: %w", key.Source, key.MarketID, err)
	}
	return &rec, nil
}

// --- Sandbox accounts ---

func (s *PostgresStore) GetSandboxAccount(ctx context.Context, userID string) (*model.SandboxAccount, error) {
	a := model.SandboxAccount{UserID: userID}
	var balanceS string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT, updated_at FROM sandbox_accounts WHERE user_id = $1`, userID).
		Scan(&balanceS, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sandbox account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox account %s: %w", userID, err)
	}
	a.Balance, _ = decimal.NewFromString(balanceS)
	return &a, nil
}

func (s *PostgresStore) EnsureSandboxAccount(ctx context.Context, userID string, startingBalance decimal.Decimal) (*model.SandboxAccount, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO sandbox_accounts (user_id, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (user_id) DO NOTHING`, userID, startingBalance.String()); err != nil {
		return nil, fmt.Errorf("ensure sandbox account %s: %w", userID, err)
	}
	return s.GetSandboxAccount(ctx, userID)
}

// --- Meta-markets ---

const metaMarketColumns = `id, competition_id, question, outcomes, current_odds, status, winning_outcome_id,
	total_volume::TEXT, total_bets, opens_at, created_at, locked_at, resolved_at`

func (s *PostgresStore) CreateMetaMarket(ctx context.Context, m *model.MetaMarket) error {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	currentOdds, err := json.Marshal(m.CurrentOdds)
	if err != nil {
		return fmt.Errorf("encode odds: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO meta_markets (id, competition_id, question, outcomes, current_odds, status,
		                           total_volume, total_bets, opens_at, created_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5::JSONB, $6, $7::NUMERIC, $8, $9, $10)`,
		m.ID, m.CompetitionID, m.Question, string(outcomes), string(currentOdds), string(m.Status),
		m.TotalVolume.String(), m.TotalBets, m.OpensAt, m.CreatedAt,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("meta-market for competition %s: %w", m.CompetitionID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetMetaMarket(ctx context.Context, id string) (*model.MetaMarket, error) {
	return s.getMetaMarket(ctx, `SELECT `+metaMarketColumns+` FROM meta_markets WHERE id = $1`, id)
}

func (s *PostgresStore) GetMetaMarketByCompetition(ctx context.Context, competitionID string) (*model.MetaMarket, error) {
	return s.getMetaMarket(ctx, `SELECT `+metaMarketColumns+` FROM meta_markets WHERE competition_id = $1`, competitionID)
}

func (s *PostgresStore) getMetaMarket(ctx context.Context, query, arg string) (*model.MetaMarket, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("get meta-market %s: %w", arg, err)
	}
	defer rows.Close()

	markets, err := scanMetaMarkets(rows)
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("meta-market %s: %w", arg, ErrNotFound)
	}
	return &markets[0], nil
}

func (s *PostgresStore) ListMetaMarkets(ctx context.Context, status model.MetaMarketStatus) ([]model.MetaMarket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+metaMarketColumns+` FROM meta_markets
		 WHERE $1 = '' OR status = $1
		 ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list meta-markets: %w", err)
	}
	defer rows.Close()
	return scanMetaMarkets(rows)
}

func scanMetaMarkets(rows pgx.Rows) ([]model.MetaMarket, error) {
	var markets []model.MetaMarket
	for rows.Next() {
		var m model.MetaMarket
		var outcomes, currentOdds []byte
		var status, volumeS string
		if err := rows.Scan(&m.ID, &m.CompetitionID, &m.Question, &outcomes, &currentOdds,
			&status, &m.WinningOutcomeID, &volumeS, &m.TotalBets,
			&m.OpensAt, &m.CreatedAt, &m.LockedAt, &m.ResolvedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(outcomes, &m.Outcomes); err != nil {
			return nil, fmt.Errorf("decode outcomes for %s: %w", m.ID, err)
		}
		if err := json.Unmarshal(currentOdds, &m.CurrentOdds); err != nil {
			return nil, fmt.Errorf("decode odds for %s: %w", m.ID, err)
		}
		m.Status = model.MetaMarketStatus(status)
		m.TotalVolume, _ = decimal.NewFromString(volumeS)
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) TransitionMetaMarket(ctx context.Context, competitionID string, from []model.MetaMarketStatus, to model.MetaMarketStatus, winningOutcomeID string, at time.Time) (bool, error) {
	fromS := make([]string, len(from))
	for i, f := range from {
		fromS[i] = string(f)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE meta_markets
		 SET status = $3,
		     locked_at = CASE WHEN $3 = 'locked' THEN $5 ELSE locked_at END,
		     resolved_at = CASE WHEN $3 = 'resolved' THEN $5 ELSE resolved_at END,
		     winning_outcome_id = CASE WHEN $3 = 'resolved' THEN $4 ELSE winning_outcome_id END
		 WHERE competition_id = $1 AND status = ANY($2)`,
		competitionID, fromS, string(to), winningOutcomeID, at,
	)
	if err != nil {
		return false, fmt.Errorf("transition meta-market %s to %s: %w", competitionID, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) PlaceMetaMarketBet(ctx context.Context, b *model.MetaMarketBet) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Lock the market row so a concurrent lock cannot slip in between the
		// status check and the insert.
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM meta_markets WHERE id = $1 FOR UPDATE`, b.MarketID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("meta-market %s: %w", b.MarketID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if model.MetaMarketStatus(status) != model.MetaMarketOpen {
			return ErrMarketNotOpen
		}

		nb, err := debitSandbox(ctx, tx, b.UserID, b.Amount)
		if err != nil {
			return err
		}
		balance = nb

		if _, err := tx.Exec(ctx,
			`INSERT INTO meta_market_bets (id, market_id, user_id, outcome_id, outcome_name, amount,
			                               odds_at_bet, potential_payout, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9, $10)`,
			b.ID, b.MarketID, b.UserID, b.OutcomeID, b.OutcomeName, b.Amount.String(),
			b.OddsAtBet, b.PotentialPayout.String(), string(b.Status), b.CreatedAt,
		); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE meta_markets SET total_volume = total_volume + $2::NUMERIC, total_bets = total_bets + 1
			 WHERE id = $1`, b.MarketID, b.Amount.String())
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (s *PostgresStore) ListMetaMarketBets(ctx context.Context, marketID string) ([]model.MetaMarketBet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, user_id, outcome_id, outcome_name, amount::TEXT,
		        odds_at_bet, potential_payout::TEXT, status, created_at, settled_at
		 FROM meta_market_bets WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list meta-market bets %s: %w", marketID, err)
	}
	defer rows.Close()

	var bets []model.MetaMarketBet
	for rows.Next() {
		var b model.MetaMarketBet
		var amountS, payoutS, status string
		if err := rows.Scan(&b.ID, &b.MarketID, &b.UserID, &b.OutcomeID, &b.OutcomeName, &amountS,
			&b.OddsAtBet, &payoutS, &status, &b.CreatedAt, &b.SettledAt); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amountS)
		b.PotentialPayout, _ = decimal.NewFromString(payoutS)
		b.Status = model.MetaBetStatus(status)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) SettleMetaMarketBet(ctx context.Context, betID string, status model.MetaBetStatus, credit decimal.Decimal, at time.Time) (bool, error) {
	settled := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var userID string
		err := tx.QueryRow(ctx,
			`UPDATE meta_market_bets SET status = $2, settled_at = $3
			 WHERE id = $1 AND status = 'pending'
			 RETURNING user_id`, betID, string(status), at).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		settled = true

		if credit.IsPositive() {
			_, err = tx.Exec(ctx,
				`UPDATE sandbox_accounts SET balance = balance + $2::NUMERIC, updated_at = $3
				 WHERE user_id = $1`, userID, credit.String(), at)
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("settle meta-market bet %s: %w", betID, err)
	}
	return settled, nil
}

func (s *PostgresStore) UpsertAgentBettingStats(ctx context.Context, agentID, agentName string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_betting_stats (agent_id, agent_name, markets_count, updated_at)
		 VALUES ($1, $2, 1, now())
		 ON CONFLICT (agent_id) DO UPDATE
		 SET agent_name = EXCLUDED.agent_name,
		     markets_count = agent_betting_stats.markets_count + 1,
		     updated_at = now()`, agentID, agentName)
	if err != nil {
		return fmt.Errorf("upsert agent stats %s: %w", agentID, err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
