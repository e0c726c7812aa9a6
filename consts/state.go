package consts

// Tool capability names exposed to agents.
const (
	ToolStockData        = "get_stock_data"
	ToolQuote            = "get_quote"
	ToolIndicators       = "get_indicators"
	ToolFundamentals     = "get_fundamentals"
	ToolCompanyNews      = "get_company_news"
	ToolGoogleNews       = "get_google_news"
	ToolInsiderSentiment = "get_insider_sentiment"
)

// Tool keys used by rosters that name a data family instead of capabilities.
const (
	ToolKeyMarket       = "market"
	ToolKeyNews         = "news"
	ToolKeySocial       = "social"
	ToolKeyFundamentals = "fundamentals"
)

const DateLayout = "2006-01-02"
