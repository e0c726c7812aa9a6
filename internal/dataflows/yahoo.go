package dataflows

import (
	"context"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/quote"
	"github.com/shopspring/decimal"
)

// YahooClient reads daily bars and quotes through finance-go.
type YahooClient struct{}

func NewYahooClient() *YahooClient {
	return &YahooClient{}
}

// History returns daily bars in [start, end].
func (yc *YahooClient) History(ctx context.Context, symbol string, start, end time.Time) ([]MarketData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	symbol = NormalizeSymbol(symbol)

	iter := chart.Get(&chart.Params{
		Symbol:   symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: datetime.OneDay,
	})

	var out []MarketData
	for iter.Next() {
		bar := iter.Bar()
		out = append(out, MarketData{
			Symbol:   symbol,
			Date:     time.Unix(int64(bar.Timestamp), 0).UTC().Format("2006-01-02"),
			Open:     bar.Open,
			High:     bar.High,
			Low:      bar.Low,
			Close:    bar.Close,
			AdjClose: bar.AdjClose,
			Volume:   int64(bar.Volume),
			Source:   "yahoo",
		})
	}
	if err := iter.Err(); err != nil {
		return nil, &ProviderError{Provider: "yahoo", Err: err}
	}
	return out, ctx.Err()
}

func (yc *YahooClient) Quote(ctx context.Context, symbol string) (*MarketData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	symbol = NormalizeSymbol(symbol)
	q, err := quote.Get(symbol)
	if err != nil {
		return nil, &ProviderError{Provider: "yahoo", Err: err}
	}
	if q == nil {
		return nil, &ProviderError{Provider: "yahoo", Err: ErrInvalidSymbol}
	}
	return &MarketData{
		Symbol:   symbol,
		Date:     time.Unix(int64(q.RegularMarketTime), 0).UTC().Format("2006-01-02"),
		Open:     decimal.NewFromFloat(q.RegularMarketOpen),
		High:     decimal.NewFromFloat(q.RegularMarketDayHigh),
		Low:      decimal.NewFromFloat(q.RegularMarketDayLow),
		Close:    decimal.NewFromFloat(q.RegularMarketPrice),
		AdjClose: decimal.NewFromFloat(q.RegularMarketPrice),
		Volume:   int64(q.RegularMarketVolume),
		Source:   "yahoo",
	}, nil
}
