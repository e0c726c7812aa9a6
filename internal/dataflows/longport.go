package dataflows

import (
	"context"
	"errors"
	"time"

	lpconfig "github.com/longportapp/openapi-go/config"
	"github.com/longportapp/openapi-go/quote"
	"github.com/shopspring/decimal"
)

type LongportCredentials struct {
	AppKey      string
	AppSecret   string
	AccessToken string
}

func (c LongportCredentials) Complete() bool {
	return c.AppKey != "" && c.AppSecret != "" && c.AccessToken != ""
}

// LongportClient serves HK and mainland listings.
type LongportClient struct {
	quoteCtx *quote.QuoteContext
}

func NewLongportClient(creds LongportCredentials) (*LongportClient, error) {
	if !creds.Complete() {
		return nil, &ProviderError{Provider: "longport", Err: ErrNotConfigured}
	}
	conf, err := lpconfig.New(lpconfig.WithConfigKey(creds.AppKey, creds.AppSecret, creds.AccessToken))
	if err != nil {
		return nil, err
	}
	quoteContext, err := quote.NewFromCfg(conf)
	if err != nil {
		return nil, err
	}
	return &LongportClient{quoteCtx: quoteContext}, nil
}

// DailyBars returns the latest count daily candlesticks.
func (lpc *LongportClient) DailyBars(ctx context.Context, symbol string, count int) ([]MarketData, error) {
	if lpc == nil || lpc.quoteCtx == nil {
		return nil, &ProviderError{Provider: "longport", Err: errors.New("quote context is nil")}
	}
	symbol = NormalizeSymbol(symbol)
	sticks, err := lpc.quoteCtx.Candlesticks(ctx, symbol, quote.PeriodDay, int32(count), quote.AdjustTypeNo)
	if err != nil {
		return nil, &ProviderError{Provider: "longport", Err: err}
	}

	out := make([]MarketData, 0, len(sticks))
	for _, stick := range sticks {
		out = append(out, MarketData{
			Symbol:   symbol,
			Date:     time.Unix(stick.Timestamp, 0).UTC().Format("2006-01-02"),
			Open:     deref(stick.Open),
			High:     deref(stick.High),
			Low:      deref(stick.Low),
			Close:    deref(stick.Close),
			AdjClose: deref(stick.Close),
			Volume:   stick.Volume,
			Source:   "longport",
		})
	}
	return out, nil
}

func (lpc *LongportClient) Close() {
	if lpc != nil && lpc.quoteCtx != nil {
		lpc.quoteCtx.Close()
	}
}

func deref(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
