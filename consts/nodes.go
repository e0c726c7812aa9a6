package consts

// Node ids of the default roster.
const (
	// Analyst team
	MarketAnalyst       = "market_analyst"
	SocialAnalyst       = "social_analyst"
	NewsAnalyst         = "news_analyst"
	FundamentalsAnalyst = "fundamentals_analyst"

	// Research team
	BullResearcher  = "bull_researcher"
	BearResearcher  = "bear_researcher"
	ResearchManager = "research_manager"

	Trader = "trader"

	// Risk team
	RiskRouter     = "risk_router"
	RiskyAnalyst   = "risky_analyst"
	SafeAnalyst    = "safe_analyst"
	NeutralAnalyst = "neutral_analyst"
	RiskScreen     = "risk_screen"
	RiskJudge      = "risk_judge"

	PortfolioManager = "portfolio_manager"
)

// Debates of the default roster.
const (
	InvestmentDebate = "investment"
	RiskDebate       = "risk"

	MaxDebateRounds = 10
)
