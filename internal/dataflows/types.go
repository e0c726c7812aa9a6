package dataflows

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one provider row as handed to agents.
type Record = map[string]any

// Args are the canonical provider arguments decoded from a tool call.
type Args struct {
	Symbol       string    `json:"symbol"`
	Query        string    `json:"query,omitempty"`
	Indicator    string    `json:"indicator,omitempty"`
	LookbackDays int       `json:"lookback_days,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	AsOf         time.Time `json:"-"`
}

// Window returns [AsOf-LookbackDays, AsOf], defaulting to def days.
func (a Args) Window(def int) (time.Time, time.Time) {
	days := a.LookbackDays
	if days <= 0 {
		days = def
	}
	end := a.AsOf
	if end.IsZero() {
		end = time.Now()
	}
	return end.AddDate(0, 0, -days), end
}

// FetchFunc is the external data-provider contract.
type FetchFunc func(ctx context.Context, args Args) ([]Record, error)

// MarketData represents one daily bar or quote.
type MarketData struct {
	Symbol   string          `json:"symbol"`
	Date     string          `json:"date"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	AdjClose decimal.Decimal `json:"adj_close"`
	Volume   int64           `json:"volume"`
	Source   string          `json:"source"`
}

type NewsArticle struct {
	Title       string    `json:"title"`
	Content     string    `json:"content,omitempty"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
}

// InsiderSentiment is Finnhub's monthly aggregate.
type InsiderSentiment struct {
	Symbol string          `json:"symbol"`
	Year   int             `json:"year"`
	Month  int             `json:"month"`
	Change int64           `json:"change"`
	MSPR   decimal.Decimal `json:"mspr"` // Monthly Share Purchase Ratio
}

// Fundamentals carries Finnhub basic financials, metric name -> value.
type Fundamentals struct {
	Symbol  string             `json:"symbol"`
	Metrics map[string]float64 `json:"metrics"`
}

// ToRecords flattens typed rows through their JSON form.
func ToRecords[T any](rows []T) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
