package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/dyike/tradeflow/config"
	"github.com/dyike/tradeflow/internal/models"
)

// NewChatModel builds the generation backend from cfg. Provider "deepseek"
// uses the native DeepSeek client; every other provider is reached through
// its OpenAI-compatible endpoint.
func NewChatModel(ctx context.Context, cfg *config.Config, timeout time.Duration) (model.ToolCallingChatModel, error) {
	if strings.TrimSpace(cfg.LLMAPIKey) == "" {
		return nil, models.NewConfigError("no API key configured for llm provider %q", cfg.LLMProvider)
	}

	var (
		cm  model.ToolCallingChatModel
		err error
	)
	switch strings.ToLower(cfg.LLMProvider) {
	case "deepseek":
		cm, err = newDeepSeekModel(ctx, cfg, timeout)
	default:
		cm, err = newOpenAIModel(ctx, cfg, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", cfg.LLMProvider, err)
	}
	return cm, nil
}

func newDeepSeekModel(ctx context.Context, cfg *config.Config, timeout time.Duration) (model.ToolCallingChatModel, error) {
	mc := &deepseek.ChatModelConfig{
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.BackendURL,
		Model:       cfg.LLMModel,
		Timeout:     timeout,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	return deepseek.NewChatModel(ctx, mc)
}

func newOpenAIModel(ctx context.Context, cfg *config.Config, timeout time.Duration) (model.ToolCallingChatModel, error) {
	mc := &openai.ChatModelConfig{
		BaseURL: cfg.BackendURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: timeout,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		mc.MaxTokens = &maxTokens
	}
	if cfg.Temperature > 0 {
		temperature := cfg.Temperature
		mc.Temperature = &temperature
	}
	return openai.NewChatModel(ctx, mc)
}
