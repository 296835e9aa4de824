// Package contract parses and validates references to external exchange
// markets ("contracts") of the form {source}:{id}.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

// kalshiTickerRegex matches: {SERIES}[-{EVENT}[-{STRIKE}]]
// Example: KXBTC-25JAN10-T100000
var kalshiTickerRegex = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9.]+){0,3}$`)

// kalshiDateRegex matches the event segment's date: YYMMMDD, e.g. 25JAN10.
var kalshiDateRegex = regexp.MustCompile(`^(\d{2}[A-Z]{3}\d{2})`)

// polymarketIDRegex matches the numeric market id the gamma API serves.
var polymarketIDRegex = regexp.MustCompile(`^\d+$`)

var (
	ErrInvalidRef    = errors.New("contract: invalid market reference")
	ErrInvalidSource = errors.New("contract: unsupported market source")
	ErrInvalidID     = errors.New("contract: invalid market id for source")
)

// Ref is a parsed market reference.
type Ref struct {
	Source   model.MarketSource `json:"source"`
	MarketID string             `json:"market_id"`

	// Series and EventDate are set for Kalshi tickers that carry them.
	Series    string     `json:"series,omitempty"`
	EventDate *time.Time `json:"event_date,omitempty"`
}

// Key returns the grouping key bets on this market carry.
func (r Ref) Key() model.MarketKey {
	return model.MarketKey{MarketID: r.MarketID, Source: r.Source}
}

func (r Ref) String() string {
	return string(r.Source) + ":" + r.MarketID
}

// Parse parses "{source}:{id}", e.g. "kalshi:KXBTC-25JAN10-T100000" or
// "polymarket:253591".
func Parse(ref string) (*Ref, error) {
	src, id, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: %q (expected {source}:{market id})", ErrInvalidRef, ref)
	}
	return New(src, id)
}

// New validates a market id against its source's id shape.
func New(source, id string) (*Ref, error) {
	src, ok := model.ParseMarketSource(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSource, source)
	}
	id = strings.TrimSpace(id)

	switch src {
	case model.SourceKalshi:
		return parseKalshi(id)
	case model.SourcePolymarket:
		if !polymarketIDRegex.MatchString(id) {
			return nil, fmt.Errorf("%w: %s %q (expected numeric id)", ErrInvalidID, src, id)
		}
		return &Ref{Source: src, MarketID: id}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidSource, source)
}

func parseKalshi(ticker string) (*Ref, error) {
	ticker = strings.ToUpper(ticker)
	if !kalshiTickerRegex.MatchString(ticker) {
		return nil, fmt.Errorf("%w: kalshi %q (expected SERIES[-EVENT[-STRIKE]])", ErrInvalidID, ticker)
	}

	parts := strings.Split(ticker, "-")
	ref := &Ref{Source: model.SourceKalshi, MarketID: ticker, Series: parts[0]}
	if len(parts) > 1 {
		if m := kalshiDateRegex.FindString(parts[1]); m != "" {
			if t, err := time.Parse("06Jan02", normaliseMonth(m)); err == nil {
				ref.EventDate = &t
			}
		}
	}
	return ref, nil
}

// normaliseMonth turns "25JAN10" into "25Jan10" for time.Parse.
func normaliseMonth(s string) string {
	return s[:3] + strings.ToLower(s[3:5]) + s[5:]
}
