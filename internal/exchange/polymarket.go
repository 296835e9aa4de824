package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

// flexBool unmarshals from a JSON bool or a "true"/"false" string; the Gamma
// API has shipped both.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// PriceContinuousMarket is a Polymarket Gamma market. Outcomes and
// OutcomePrices are JSON-encoded arrays carried as strings, e.g.
// `["Yes","No"]` and `["0.995","0.005"]`.
type PriceContinuousMarket struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	Closed        flexBool `json:"closed"`
	Archived      flexBool `json:"archived"`
	Outcomes      string   `json:"outcomes"`
	OutcomePrices string   `json:"outcomePrices"`
}

// Source implements MarketState.
func (m *PriceContinuousMarket) Source() model.MarketSource { return model.SourcePolymarket }

// Resolve implements MarketState. The market has concluded once it is both
// closed and archived; the winner is the outcome with the strictly highest
// price. Ties, malformed arrays and mismatched lengths yield no winner.
func (m *PriceContinuousMarket) Resolve() Resolution {
	if !bool(m.Closed) || !bool(m.Archived) {
		return Resolution{}
	}

	res := Resolution{Concluded: true}
	labels, err := parseStringArray(m.Outcomes)
	if err != nil {
		return res
	}
	prices, err := parsePriceArray(m.OutcomePrices)
	if err != nil || len(prices) == 0 || len(prices) != len(labels) {
		return res
	}

	best, tie := 0, false
	for i := 1; i < len(prices); i++ {
		switch {
		case prices[i] > prices[best]:
			best, tie = i, false
		case prices[i] == prices[best]:
			tie = true
		}
	}
	if tie {
		return res
	}
	res.Winner = labels[best]
	return res
}

func parseStringArray(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parsePriceArray accepts both `["0.6","0.4"]` and `[0.6,0.4]`.
func parsePriceArray(raw string) ([]float64, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	prices := make([]float64, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			p, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, err
			}
			prices = append(prices, p)
			continue
		}
		var f float64
		if err := json.Unmarshal(item, &f); err != nil {
			return nil, err
		}
		prices = append(prices, f)
	}
	return prices, nil
}

// PolymarketClient reads markets from the Polymarket Gamma API.
type PolymarketClient struct {
	c *httpClient
}

// NewPolymarketClient creates a Gamma client.
//
// baseURL is the API root, e.g. "https://gamma-api.polymarket.com".
// perSecond caps the request rate; zero disables limiting.
func NewPolymarketClient(baseURL string, timeout time.Duration, perSecond float64) *PolymarketClient {
	return &PolymarketClient{c: newHTTPClient("polymarket", baseURL, timeout, perSecond)}
}

// GetMarket implements Adapter.
func (p *PolymarketClient) GetMarket(ctx context.Context, id string) (MarketState, error) {
	var m PriceContinuousMarket
	err := p.c.get(ctx, "/markets/"+url.PathEscape(id), &m)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return &m, nil
}

var _ Adapter = (*PolymarketClient)(nil)
