// Package resolver decides when external markets have concluded and settles
// every bet placed on them exactly once.
//
// A pass lists unsettled real-money bets, groups them by market, asks the
// matching exchange adapter for each market's state and, for concluded
// markets, pays winners through the ledger, settles paper bets and appends a
// resolution record. The record's unique key is the idempotency gate; ledger
// calls are idempotent per bet id so racing passes converge.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/audit"
	"github.com/atmx/settlement-engine/internal/exchange"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// DefaultInterval is the time between scheduled passes.
const DefaultInterval = 5 * time.Minute

var (
	// ErrEmptyOutcome is returned by ManualResolve when no outcome is given.
	ErrEmptyOutcome = errors.New("resolver: winning outcome is required")

	// ErrAlreadyResolved is returned by ManualResolve when the market already
	// has a recorded winner different from the one supplied.
	ErrAlreadyResolved = errors.New("resolver: market already resolved with a different outcome")
)

// Store is the persistence the resolver needs.
type Store interface {
	store.BetStore
	store.ResolutionStore
}

// Notifier is told about every market this process settles.
type Notifier interface {
	MarketResolved(key model.MarketKey, winner string, manual bool, betsSettled int)
}

// Config tunes the scheduler.
type Config struct {
	Interval time.Duration
}

// Deps are the resolver's collaborators. Archiver, Notifier and Logger are
// optional.
type Deps struct {
	Store     Store
	Exchanges exchange.Registry
	Ledger    ledger.Ledger
	Archiver  audit.Archiver
	Notifier  Notifier
	Logger    *slog.Logger
}

// PassSummary reports what one automatic pass did.
type PassSummary struct {
	Markets     int   `json:"markets"`
	Resolved    int   `json:"resolved"`
	Pending     int   `json:"pending"`
	Failed      int   `json:"failed"`
	BetsSettled int   `json:"bets_settled"`
	Err         error `json:"-"`
}

// Resolver owns the periodic resolution task.
type Resolver struct {
	store     Store
	exchanges exchange.Registry
	ledger    ledger.Ledger
	archiver  audit.Archiver
	notifier  Notifier
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu      sync.Mutex // guards cron and writes to running
	cron    *cron.Cron
	running atomic.Bool
}

// New creates a stopped resolver.
func New(cfg Config, deps Deps) *Resolver {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	archiver := deps.Archiver
	if archiver == nil {
		archiver = audit.Nop{}
	}
	return &Resolver{
		store:     deps.Store,
		exchanges: deps.Exchanges,
		ledger:    deps.Ledger,
		archiver:  archiver,
		notifier:  deps.Notifier,
		logger:    logger.With("component", "resolver"),
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start runs one pass immediately and then every interval. Calling Start on
// a running resolver logs a warning and does nothing. Passes never overlap:
// a tick that fires while the previous pass is still running is skipped.
func (r *Resolver) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		r.logger.Warn("resolver already running")
		return
	}

	logger := cronLogger{r.logger}
	job := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).
		Then(cron.FuncJob(func() { r.CheckResolutions(ctx) }))

	r.cron = cron.New(cron.WithLogger(logger))
	r.cron.Schedule(cron.Every(r.interval), job)
	r.cron.Start()
	r.running.Store(true)

	go job.Run()
	r.logger.Info("resolver started", "interval", r.interval.String())
}

// Stop cancels future passes. A pass already in flight runs to completion.
// Stopping a stopped resolver is a no-op.
func (r *Resolver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron == nil {
		return
	}
	r.cron.Stop()
	r.cron = nil
	r.running.Store(false)
	r.logger.Info("resolver stopped")
}

// Running reports whether the schedule is active.
func (r *Resolver) Running() bool {
	return r.running.Load()
}

// CheckResolutions performs one automatic pass. It never returns an error:
// failures are logged and retried on the next pass. Summary.Err is set only
// when the initial bet query failed.
func (r *Resolver) CheckResolutions(ctx context.Context) PassSummary {
	var sum PassSummary

	bets, err := r.store.ListUnsettledRealBets(ctx)
	if err != nil {
		r.logger.Error("list unsettled bets failed", "err", err)
		metrics.ResolverPasses.WithLabelValues("error").Inc()
		sum.Err = err
		return sum
	}
	if len(bets) == 0 {
		metrics.ResolverPasses.WithLabelValues("idle").Inc()
		return sum
	}

	start := time.Now()
	keys, groups := groupByMarket(bets)
	sum.Markets = len(keys)

	for _, key := range keys {
		settled, resolved, err := r.resolveGroup(ctx, key, groups[key])
		sum.BetsSettled += settled
		switch {
		case err != nil:
			sum.Failed++
			r.logger.Warn("market resolution failed",
				"market_id", key.MarketID, "source", key.Source, "err", err)
		case resolved:
			sum.Resolved++
		default:
			sum.Pending++
		}
	}

	metrics.ResolverPasses.WithLabelValues("ok").Inc()
	metrics.ResolverPassDuration.Observe(time.Since(start).Seconds())
	r.logger.Debug("resolution pass complete",
		"markets", sum.Markets, "resolved", sum.Resolved, "failed", sum.Failed, "bets_settled", sum.BetsSettled)
	return sum
}

// ManualResolve settles a market with an operator-supplied winner,
// bypassing the exchange. Unlike the automatic path it returns errors.
//
// If the market already has a resolution record, the recorded winner stands:
// a matching outcome finishes any leftover settlement against the record and
// a different one fails with ErrAlreadyResolved without touching any bet.
func (r *Resolver) ManualResolve(ctx context.Context, marketID string, source model.MarketSource, outcome string) error {
	winner := strings.ToUpper(strings.TrimSpace(outcome))
	if winner == "" {
		return ErrEmptyOutcome
	}
	key := model.MarketKey{MarketID: marketID, Source: source}

	manual, recorded := true, false
	rec, err := r.store.GetResolution(ctx, key)
	switch {
	case err == nil:
		if !outcomeMatches(rec.WinningOutcome, winner) {
			return fmt.Errorf("%w: %s/%s recorded %s", ErrAlreadyResolved, source, marketID, rec.WinningOutcome)
		}
		manual, recorded = rec.Manual, true
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load resolution for %s/%s: %w", source, marketID, err)
	}

	bets, err := r.store.ListUnsettledRealBetsByMarket(ctx, key)
	if err != nil {
		return fmt.Errorf("list bets for %s/%s: %w", source, marketID, err)
	}

	_, err = r.settle(ctx, key, bets, winner, manual, recorded)
	return err
}

// resolveGroup handles one market. It reports how many real bets this call
// settled and whether the market was concluded.
func (r *Resolver) resolveGroup(ctx context.Context, key model.MarketKey, bets []model.RealBet) (int, bool, error) {
	// A stored record is authoritative: finish settling against it without
	// asking the exchange again.
	rec, err := r.store.GetResolution(ctx, key)
	switch {
	case err == nil:
		n, err := r.settle(ctx, key, bets, rec.WinningOutcome, rec.Manual, true)
		return n, true, err
	case !errors.Is(err, store.ErrNotFound):
		return 0, false, fmt.Errorf("load resolution: %w", err)
	}

	adapter, err := r.exchanges.For(key.Source)
	if err != nil {
		return 0, false, err
	}

	state, err := adapter.GetMarket(ctx, key.MarketID)
	if err != nil {
		metrics.ExchangeErrors.WithLabelValues(string(key.Source)).Inc()
		return 0, false, fmt.Errorf("fetch market: %w", err)
	}
	if state == nil {
		r.logger.Debug("market unknown to exchange", "market_id", key.MarketID, "source", key.Source)
		return 0, false, nil
	}

	res := state.Resolve()
	if !res.HasWinner() {
		return 0, false, nil
	}

	n, err := r.settle(ctx, key, bets, res.Winner, false, false)
	return n, true, err
}

// settle pays every bet against winner, settles the market's paper bets and
// records the resolution unless recorded is set. Ledger failures do not stop
// the remaining bets; they are returned joined.
func (r *Resolver) settle(ctx context.Context, key model.MarketKey, bets []model.RealBet, winner string, manual, recorded bool) (int, error) {
	var errs []error
	settlements := make([]audit.Settlement, 0, len(bets))
	settled := 0

	for _, bet := range bets {
		payout := RealPayout(bet, winner)
		s := audit.Settlement{
			BetID: bet.ID, UserID: bet.UserID, Outcome: bet.Outcome,
			StakeCents: bet.StakeCents, PayoutCents: payout,
		}
		if err := r.ledger.SettleBet(ctx, bet.ID, payout); err != nil {
			r.logger.Error("ledger settle failed", "bet_id", bet.ID, "market_id", key.MarketID, "err", err)
			s.Error = err.Error()
			errs = append(errs, fmt.Errorf("settle bet %s: %w", bet.ID, err))
		} else {
			settled++
			metrics.BetsSettled.WithLabelValues("real", betResult(payout > 0)).Inc()
			metrics.RealPayoutCents.Add(float64(payout))
		}
		settlements = append(settlements, s)
	}

	paper := r.settlePaperBets(ctx, key, winner)

	if !recorded {
		rec := &model.MarketResolutionRecord{
			MarketID:       key.MarketID,
			Source:         key.Source,
			WinningOutcome: strings.ToUpper(strings.TrimSpace(winner)),
			ResolvedAt:     r.now(),
			Manual:         manual,
		}
		err := r.store.InsertResolution(ctx, rec)
		switch {
		case err == nil:
			r.archive(ctx, audit.Record{Resolution: *rec, Settlements: settlements, PaperSettled: paper})
		case errors.Is(err, store.ErrDuplicate):
			r.logger.Debug("resolution already recorded", "market_id", key.MarketID, "source", key.Source)
		default:
			errs = append(errs, fmt.Errorf("insert resolution: %w", err))
		}
	}

	mode := "auto"
	if manual {
		mode = "manual"
	}
	metrics.MarketsResolved.WithLabelValues(string(key.Source), mode).Inc()
	r.logger.Info("market resolved",
		"market_id", key.MarketID, "source", key.Source, "winner", winner,
		"manual", manual, "bets", len(bets), "bets_settled", settled, "paper_settled", paper)

	if r.notifier != nil {
		r.notifier.MarketResolved(key, strings.ToUpper(strings.TrimSpace(winner)), manual, settled)
	}
	return settled, errors.Join(errs...)
}

// settlePaperBets resolves the market's paper bets and returns how many this
// call settled. Failures are logged; real-money settlement is unaffected.
func (r *Resolver) settlePaperBets(ctx context.Context, key model.MarketKey, winner string) int {
	bets, err := r.store.ListUnresolvedPaperBets(ctx, key)
	if err != nil {
		r.logger.Warn("list paper bets failed", "market_id", key.MarketID, "source", key.Source, "err", err)
		return 0
	}

	settled := 0
	for i := range bets {
		bet := &bets[i]
		SettlePaper(bet, winner, r.now())

		ok, err := r.store.SettlePaperBet(ctx, bet)
		if err != nil {
			r.logger.Warn("settle paper bet failed", "bet_id", bet.ID, "err", err)
			continue
		}
		if ok {
			settled++
			metrics.BetsSettled.WithLabelValues("paper", betResult(bet.Resolution == model.PaperWin)).Inc()
		}
	}
	return settled
}

func (r *Resolver) archive(ctx context.Context, rec audit.Record) {
	if err := r.archiver.Archive(ctx, rec); err != nil {
		r.logger.Warn("archive resolution failed",
			"market_id", rec.Resolution.MarketID, "source", rec.Resolution.Source, "err", err)
	}
}

// RealPayout is the fixed double-or-nothing rule for real-money bets.
func RealPayout(bet model.RealBet, winner string) int64 {
	if outcomeMatches(bet.Outcome, winner) {
		return bet.StakeCents * 2
	}
	return 0
}

// SettlePaper fills in resolution, payout and profit for a paper bet:
// a winning bet pays its shares, a losing one pays nothing.
func SettlePaper(bet *model.PaperBet, winner string, at time.Time) {
	if outcomeMatches(bet.Outcome, winner) {
		bet.Resolution = model.PaperWin
		bet.Payout = bet.Shares
	} else {
		bet.Resolution = model.PaperLoss
		bet.Payout = decimal.Zero
	}
	bet.Profit = bet.Payout.Sub(bet.Amount)
	bet.Resolved = true
	bet.ResolvedAt = &at
}

func outcomeMatches(outcome, winner string) bool {
	return strings.EqualFold(strings.TrimSpace(outcome), strings.TrimSpace(winner))
}

func betResult(won bool) string {
	if won {
		return "won"
	}
	return "lost"
}

// groupByMarket groups bets by market, keeping first-seen order.
func groupByMarket(bets []model.RealBet) ([]model.MarketKey, map[model.MarketKey][]model.RealBet) {
	var keys []model.MarketKey
	groups := make(map[model.MarketKey][]model.RealBet)
	for _, b := range bets {
		k := b.Key()
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], b)
	}
	return keys, groups
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
