package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

// TickerMarket is a Kalshi market. Status moves through "open", "closed"
// and "settled"; Result carries the winning side once settled.
type TickerMarket struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Result      string `json:"result"`
	CloseTime   string `json:"close_time"`
}

// Source implements MarketState.
func (m *TickerMarket) Source() model.MarketSource { return model.SourceKalshi }

// Resolve implements MarketState. The result field is taken verbatim.
func (m *TickerMarket) Resolve() Resolution {
	if !strings.EqualFold(m.Status, "settled") {
		return Resolution{}
	}
	return Resolution{Concluded: true, Winner: m.Result}
}

// KalshiClient reads markets from the Kalshi trade API. Market reads are
// public and unsigned.
type KalshiClient struct {
	c *httpClient
}

// NewKalshiClient creates a Kalshi client.
//
// baseURL is the API root, e.g. "https://api.elections.kalshi.com/trade-api/v2".
func NewKalshiClient(baseURL string, timeout time.Duration, perSecond float64) *KalshiClient {
	return &KalshiClient{c: newHTTPClient("kalshi", baseURL, timeout, perSecond)}
}

// GetMarket implements Adapter.
func (k *KalshiClient) GetMarket(ctx context.Context, ticker string) (MarketState, error) {
	var resp struct {
		Market TickerMarket `json:"market"`
	}
	err := k.c.get(ctx, "/markets/"+url.PathEscape(ticker), &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", ticker, err)
	}
	return &resp.Market, nil
}

var _ Adapter = (*KalshiClient)(nil)
