package tools

import (
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/dyike/tradeflow/consts"
	"github.com/dyike/tradeflow/internal/dataflows"
)

// TTLs per data family.
type TTLs struct {
	Market       time.Duration
	Fundamentals time.Duration
	News         time.Duration
	Sentiment    time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Market:       24 * time.Hour,
		Fundamentals: 24 * time.Hour,
		News:         time.Hour,
		Sentiment:    6 * time.Hour,
	}
}

var symbolParam = &schema.ParameterInfo{
	Type:     schema.String,
	Desc:     "The stock ticker, e.g. AAPL or 0700.HK",
	Required: true,
}

var lookbackParam = &schema.ParameterInfo{
	Type: schema.Integer,
	Desc: "How many calendar days before the analysis date to cover",
}

var limitParam = &schema.ParameterInfo{
	Type: schema.Integer,
	Desc: "Maximum number of items to return (default 20)",
}

// DefaultCapabilities binds the standard capability set to p.
func DefaultCapabilities(p *dataflows.Providers, ttl TTLs) []Capability {
	return []Capability{
		{
			Name:        consts.ToolStockData,
			Description: "Daily OHLCV bars for a symbol up to the analysis date",
			Provider:    "market",
			Params:      map[string]*schema.ParameterInfo{"symbol": symbolParam, "lookback_days": lookbackParam},
			Bucket:      BucketDay,
			TTL:         ttl.Market,
			Fetch:       p.StockData,
		},
		{
			Name:        consts.ToolQuote,
			Description: "Latest quote for a symbol",
			Provider:    "market",
			Params:      map[string]*schema.ParameterInfo{"symbol": symbolParam},
			Bucket:      BucketDay,
			TTL:         ttl.Market,
			Fetch:       p.Quote,
		},
		{
			Name:        consts.ToolIndicators,
			Description: "Daily values of one technical indicator over the lookback window",
			Provider:    "market",
			Params: map[string]*schema.ParameterInfo{
				"symbol": symbolParam,
				"indicator": {
					Type:     schema.String,
					Desc:     "Indicator name",
					Enum:     dataflows.IndicatorNames(),
					Required: true,
				},
				"lookback_days": lookbackParam,
			},
			Bucket: BucketDay,
			TTL:    ttl.Market,
			Fetch:  p.Indicators,
		},
		{
			Name:        consts.ToolFundamentals,
			Description: "Basic financial metrics (valuation, margins, growth) for a company",
			Provider:    "finnhub",
			Params:      map[string]*schema.ParameterInfo{"symbol": symbolParam},
			Bucket:      BucketDay,
			TTL:         ttl.Fundamentals,
			Fetch:       p.Fundamentals,
		},
		{
			Name:        consts.ToolCompanyNews,
			Description: "Company news headlines and summaries before the analysis date",
			Provider:    "finnhub",
			Params:      map[string]*schema.ParameterInfo{"symbol": symbolParam, "lookback_days": lookbackParam, "limit": limitParam},
			Bucket:      BucketHour,
			TTL:         ttl.News,
			Fetch:       p.CompanyNews,
		},
		{
			Name:        consts.ToolGoogleNews,
			Description: "Search Google News; defaults to news about the symbol",
			Provider:    "google_news",
			Params: map[string]*schema.ParameterInfo{
				"symbol":        {Type: schema.String, Desc: "The stock ticker"},
				"query":         {Type: schema.String, Desc: "Free-text search query"},
				"lookback_days": lookbackParam,
				"limit":         limitParam,
			},
			Bucket: BucketHour,
			TTL:    ttl.News,
			Fetch:  p.GoogleNews,
		},
		{
			Name:        consts.ToolInsiderSentiment,
			Description: "Monthly insider purchase ratio (MSPR) and net share change",
			Provider:    "finnhub",
			Params:      map[string]*schema.ParameterInfo{"symbol": symbolParam, "lookback_days": lookbackParam},
			Bucket:      BucketHour,
			TTL:         ttl.Sentiment,
			Fetch:       p.InsiderSentiment,
		},
	}
}

// ToolsForKey expands a roster tool key into capability names.
func ToolsForKey(key string) []string {
	switch key {
	case consts.ToolKeyMarket:
		return []string{consts.ToolStockData, consts.ToolQuote, consts.ToolIndicators}
	case consts.ToolKeyNews:
		return []string{consts.ToolCompanyNews, consts.ToolGoogleNews}
	case consts.ToolKeySocial:
		return []string{consts.ToolGoogleNews, consts.ToolInsiderSentiment}
	case consts.ToolKeyFundamentals:
		return []string{consts.ToolFundamentals, consts.ToolInsiderSentiment}
	}
	return nil
}
