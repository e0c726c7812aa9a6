package dataflows

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const finnhubBaseURL = "https://finnhub.io/api/v1"

// FinnhubClient handles Finnhub API operations
type FinnhubClient struct {
	client *resty.Client
	apiKey string
}

type FinnhubOption func(*FinnhubClient)

// WithFinnhubBaseURL points the client at another host, e.g. a test server.
func WithFinnhubBaseURL(url string) FinnhubOption {
	return func(c *FinnhubClient) { c.client.SetBaseURL(url) }
}

func NewFinnhubClient(apiKey string, opts ...FinnhubOption) *FinnhubClient {
	client := resty.New()
	client.SetBaseURL(finnhubBaseURL)
	client.SetTimeout(30 * time.Second)

	fc := &FinnhubClient{client: client, apiKey: apiKey}
	for _, opt := range opts {
		opt(fc)
	}
	return fc
}

type finnhubNews struct {
	Category string `json:"category"`
	DateTime int64  `json:"datetime"`
	Headline string `json:"headline"`
	ID       int64  `json:"id"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

func (fc *FinnhubClient) get(ctx context.Context, path string, params map[string]string, dst any) error {
	if fc.apiKey == "" {
		return &ProviderError{Provider: "finnhub", Err: ErrNotConfigured}
	}
	params["token"] = fc.apiKey
	resp, err := fc.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return &ProviderError{Provider: "finnhub", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return &ProviderError{Provider: "finnhub", Status: resp.StatusCode(), Err: fmt.Errorf("%s", resp.String())}
	}
	if err := json.Unmarshal(resp.Body(), dst); err != nil {
		return &ProviderError{Provider: "finnhub", Status: resp.StatusCode(), Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	return nil
}

// CompanyNews gets news articles for a specific company
func (fc *FinnhubClient) CompanyNews(ctx context.Context, symbol string, from, to time.Time) ([]NewsArticle, error) {
	var raw []finnhubNews
	err := fc.get(ctx, "/company-news", map[string]string{
		"symbol": NormalizeSymbol(symbol),
		"from":   from.Format("2006-01-02"),
		"to":     to.Format("2006-01-02"),
	}, &raw)
	if err != nil {
		return nil, err
	}

	out := make([]NewsArticle, 0, len(raw))
	for _, n := range raw {
		out = append(out, NewsArticle{
			Title:       n.Headline,
			Content:     n.Summary,
			URL:         n.URL,
			Source:      n.Source,
			PublishedAt: time.Unix(n.DateTime, 0).UTC(),
		})
	}
	return out, nil
}

// InsiderSentiment gets monthly insider sentiment for a company
func (fc *FinnhubClient) InsiderSentiment(ctx context.Context, symbol string, from, to time.Time) ([]InsiderSentiment, error) {
	var resp struct {
		Data []struct {
			Symbol string  `json:"symbol"`
			Year   int     `json:"year"`
			Month  int     `json:"month"`
			Change int64   `json:"change"`
			MSPR   float64 `json:"mspr"`
		} `json:"data"`
	}
	err := fc.get(ctx, "/stock/insider-sentiment", map[string]string{
		"symbol": NormalizeSymbol(symbol),
		"from":   from.Format("2006-01-02"),
		"to":     to.Format("2006-01-02"),
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := make([]InsiderSentiment, 0, len(resp.Data))
	for _, s := range resp.Data {
		out = append(out, InsiderSentiment{
			Symbol: s.Symbol,
			Year:   s.Year,
			Month:  s.Month,
			Change: s.Change,
			MSPR:   decimal.NewFromFloat(s.MSPR),
		})
	}
	return out, nil
}

// BasicFinancials returns the numeric subset of /stock/metric.
func (fc *FinnhubClient) BasicFinancials(ctx context.Context, symbol string) (*Fundamentals, error) {
	var resp struct {
		Symbol string         `json:"symbol"`
		Metric map[string]any `json:"metric"`
	}
	err := fc.get(ctx, "/stock/metric", map[string]string{
		"symbol": NormalizeSymbol(symbol),
		"metric": "all",
	}, &resp)
	if err != nil {
		return nil, err
	}

	f := &Fundamentals{Symbol: NormalizeSymbol(symbol), Metrics: make(map[string]float64, len(resp.Metric))}
	for k, v := range resp.Metric {
		if n, ok := v.(float64); ok {
			f.Metrics[k] = n
		}
	}
	return f, nil
}
