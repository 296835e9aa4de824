package odds

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Binary outcome labels used by the constant-product pools.
const (
	Yes = "YES"
	No  = "NO"
)

var (
	// ErrInvalidPool is returned when either side of a pool is not positive.
	ErrInvalidPool = errors.New("odds: pool reserves must be positive")

	// ErrInvalidAmount is returned for non-positive trade amounts.
	ErrInvalidAmount = errors.New("odds: trade amount must be positive")

	// ErrInvalidOutcome is returned when a side other than YES/NO is bought.
	ErrInvalidOutcome = errors.New("odds: outcome must be YES or NO")
)

// Pool is a two-outcome constant-product market maker. The invariant
// k = Yes × No holds before and after every trade. Pools are values: Buy
// returns the next state instead of mutating the receiver.
type Pool struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// NewPool validates and builds a pool.
func NewPool(yes, no decimal.Decimal) (Pool, error) {
	if !yes.IsPositive() || !no.IsPositive() {
		return Pool{}, ErrInvalidPool
	}
	return Pool{Yes: yes, No: no}, nil
}

// K returns the pool invariant Yes × No.
func (p Pool) K() decimal.Decimal {
	return p.Yes.Mul(p.No)
}

// Probability returns the pool's implied probability of the YES outcome,
// No / (Yes + No).
func (p Pool) Probability() float64 {
	total := p.Yes.Add(p.No)
	if !total.IsPositive() {
		return 0.5
	}
	return p.No.Div(total).InexactFloat64()
}

// Buy spends amount on outcome and returns the shares received and the new
// pool. The opposite reserve grows by amount, the bought reserve shrinks to
// k / newOpposite, and the buyer receives
//
//	shares = oldBought − newBought + amount
//
// so larger trades get fewer shares per unit spent.
func (p Pool) Buy(outcome string, amount decimal.Decimal) (decimal.Decimal, Pool, error) {
	if !p.Yes.IsPositive() || !p.No.IsPositive() {
		return decimal.Zero, p, ErrInvalidPool
	}
	if !amount.IsPositive() {
		return decimal.Zero, p, ErrInvalidAmount
	}

	k := p.K()
	switch strings.ToUpper(outcome) {
	case Yes:
		newNo := p.No.Add(amount)
		newYes := k.Div(newNo)
		shares := p.Yes.Sub(newYes).Add(amount)
		return shares, Pool{Yes: newYes, No: newNo}, nil
	case No:
		newYes := p.Yes.Add(amount)
		newNo := k.Div(newYes)
		shares := p.No.Sub(newNo).Add(amount)
		return shares, Pool{Yes: newYes, No: newNo}, nil
	}
	return decimal.Zero, p, ErrInvalidOutcome
}
