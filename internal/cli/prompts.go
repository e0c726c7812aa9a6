package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"

	"github.com/dyike/tradeflow/consts"
	"github.com/dyike/tradeflow/internal/dataflows"
	"github.com/dyike/tradeflow/internal/trading"
)

// promptForSymbol asks for the ticker symbol to analyse.
func promptForSymbol() (string, error) {
	var symbol string
	prompt := &survey.Input{
		Message: "Enter the stock ticker symbol (e.g., AAPL, MSFT, 0700.HK):",
		Help:    "Letters, digits, dots and hyphens. Exchange suffixes such as .HK are allowed.",
	}

	err := survey.AskOne(prompt, &symbol, survey.WithValidator(func(val interface{}) error {
		str, ok := val.(string)
		if !ok {
			return fmt.Errorf("unexpected answer type %T", val)
		}
		return dataflows.ValidateSymbol(strings.TrimSpace(str))
	}))
	if err != nil {
		return "", err
	}
	return dataflows.NormalizeSymbol(symbol), nil
}

// promptForDate asks for the analysis date, defaulting to today.
func promptForDate() (string, error) {
	var date string
	prompt := &survey.Input{
		Message: "Enter the analysis date (YYYY-MM-DD):",
		Help:    "Format: YYYY-MM-DD (e.g., 2024-01-15). Future dates are rejected.",
		Default: time.Now().Format(consts.DateLayout),
	}

	err := survey.AskOne(prompt, &date, survey.WithValidator(func(val interface{}) error {
		str, _ := val.(string)
		_, err := trading.ParseDate(str, time.Now())
		return err
	}))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(date), nil
}
