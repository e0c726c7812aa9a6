package dataflows

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Providers adapts the concrete clients to FetchFunc. Nil clients make the
// corresponding fetch fail with ErrNotConfigured.
type Providers struct {
	Finnhub  *FinnhubClient
	Yahoo    *YahooClient
	Longport *LongportClient
	News     *GoogleNewsClient
}

func notConfigured(provider string) error {
	return &ProviderError{Provider: provider, Err: ErrNotConfigured}
}

func checkSymbol(args Args) error {
	if err := ValidateSymbol(args.Symbol); err != nil {
		return &ProviderError{Provider: "input", Err: err}
	}
	return nil
}

// StockData returns daily bars for the lookback window (default 30 days).
// Asian listings go to Longport when it is configured.
func (p *Providers) StockData(ctx context.Context, args Args) ([]Record, error) {
	if err := checkSymbol(args); err != nil {
		return nil, err
	}
	start, end := args.Window(30)
	bars, err := p.dailyBars(ctx, args.Symbol, start, end)
	if err != nil {
		return nil, err
	}
	return ToRecords(bars)
}

// indicatorWarmupDays covers the 200-day average in calendar days.
const indicatorWarmupDays = 300

// Indicators computes one technical indicator over the lookback window
// (default 30 days), fetching enough history before it to warm up.
func (p *Providers) Indicators(ctx context.Context, args Args) ([]Record, error) {
	if err := checkSymbol(args); err != nil {
		return nil, err
	}
	if args.Indicator == "" {
		return nil, &ProviderError{Provider: "input", Err: fmt.Errorf("%w: indicator is required", ErrInvalidArgs)}
	}
	start, end := args.Window(30)
	bars, err := p.dailyBars(ctx, args.Symbol, start.AddDate(0, 0, -indicatorWarmupDays), end)
	if err != nil {
		return nil, err
	}
	points, err := ComputeIndicator(args.Indicator, bars, start.Format("2006-01-02"))
	if err != nil {
		return nil, &ProviderError{Provider: "input", Err: err}
	}
	return ToRecords(points)
}

func (p *Providers) dailyBars(ctx context.Context, symbol string, start, end time.Time) ([]MarketData, error) {
	switch {
	case IsAsianListing(symbol) && p.Longport != nil:
		days := int(end.Sub(start).Hours()/24) + 1
		return p.Longport.DailyBars(ctx, symbol, days)
	case p.Yahoo != nil:
		return p.Yahoo.History(ctx, symbol, start, end)
	}
	return nil, notConfigured("yahoo")
}

func (p *Providers) Quote(ctx context.Context, args Args) ([]Record, error) {
	if err := checkSymbol(args); err != nil {
		return nil, err
	}
	if p.Yahoo == nil {
		return nil, notConfigured("yahoo")
	}
	q, err := p.Yahoo.Quote(ctx, args.Symbol)
	if err != nil {
		return nil, err
	}
	return ToRecords([]MarketData{*q})
}

// Fundamentals returns one record per metric, sorted by name.
func (p *Providers) Fundamentals(ctx context.Context, args Args) ([]Record, error) {
	if err := checkSymbol(args); err != nil {
		return nil, err
	}
	if p.Finnhub == nil {
		return nil, notConfigured("finnhub")
	}
	f, err := p.Finnhub.BasicFinancials(ctx, args.Symbol)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Metrics))
	for k := range f.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]Record, 0, len(names))
	for _, n := range names {
		out = append(out, Record{"symbol": f.Symbol, "metric": n, "value": f.Metrics[n]})
	}
	return out, nil
}

func (p *Providers) CompanyNews(ctx context.Context, args Args) ([]Record, error) {
	if err := checkSymbol(args); err != nil {
		return nil, err
	}
	if p.Finnhub == nil {
		return nil, notConfigured("finnhub")
	}
	from, to := args.Window(7)
	news, err := p.Finnhub.CompanyNews(ctx, args.Symbol, from, to)
	if err != nil {
		return nil, err
	}
	return ToRecords(limit(news, args.Limit, 20))
}

func (p *Providers) GoogleNews(ctx context.Context, args Args) ([]Record, error) {
	if p.News == nil {
		return nil, notConfigured("google_news")
	}
	query := args.Query
	if query == "" {
		if err := checkSymbol(args); err != nil {
			return nil, err
		}
		query = fmt.Sprintf("%s stock", NormalizeSymbol(args.Symbol))
	}
	from, to := args.Window(7)
	news, err := p.News.Search(ctx, GoogleNewsParams{
		Query:      query,
		StartDate:  from,
		EndDate:    to,
		MaxResults: args.Limit,
	})
	if err != nil {
		return nil, err
	}
	return ToRecords(news)
}

func (p *Providers) InsiderSentiment(ctx context.Context, args Args) ([]Record, error) {
	if err := checkSymbol(args); err != nil {
		return nil, err
	}
	if p.Finnhub == nil {
		return nil, notConfigured("finnhub")
	}
	from, to := args.Window(90)
	rows, err := p.Finnhub.InsiderSentiment(ctx, args.Symbol, from, to)
	if err != nil {
		return nil, err
	}
	return ToRecords(rows)
}

func limit[T any](rows []T, n, def int) []T {
	if n <= 0 {
		n = def
	}
	if len(rows) > n {
		return rows[:n]
	}
	return rows
}
