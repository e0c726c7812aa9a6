package agents

import (
	"context"

	"github.com/cloudwego/eino/callbacks"
	ecmodel "github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"

	"github.com/dyike/tradeflow/internal/metrics"
)

// ModelMessage is a final (non tool-calling) model reply forwarded to Out.
type ModelMessage struct {
	Node    string
	Content string
}

// LoggerCallback watches chat model calls made by the runner. It logs
// them, counts tokens and optionally forwards replies for live display.
type LoggerCallback struct {
	Log     *zap.SugaredLogger
	Metrics *metrics.Metrics

	// Out is optional. Sends never block; replies are dropped when full.
	Out chan<- ModelMessage
}

func (cb *LoggerCallback) Handler() callbacks.Handler {
	return callbacks.NewHandlerBuilder().
		OnStartFn(cb.OnStart).
		OnEndFn(cb.OnEnd).
		OnErrorFn(cb.OnError).
		Build()
}

func nodeName(info *callbacks.RunInfo) string {
	if info == nil {
		return ""
	}
	return info.Name
}

func (cb *LoggerCallback) log() *zap.SugaredLogger {
	if cb.Log == nil {
		return zap.NewNop().Sugar()
	}
	return cb.Log
}

func (cb *LoggerCallback) OnStart(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
	in := ecmodel.ConvCallbackInput(input)
	if in == nil {
		return ctx
	}
	cb.log().Debugw("model call", "node", nodeName(info), "messages", len(in.Messages), "tools", len(in.Tools))
	return ctx
}

func (cb *LoggerCallback) OnEnd(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
	out := ecmodel.ConvCallbackOutput(output)
	if out == nil {
		return ctx
	}
	node := nodeName(info)
	if u := out.TokenUsage; u != nil {
		cb.Metrics.RecordTokens(node, u.PromptTokens, u.CompletionTokens)
		cb.log().Debugw("model reply", "node", node, "prompt_tokens", u.PromptTokens, "completion_tokens", u.CompletionTokens)
	}

	msg := out.Message
	if cb.Out == nil || msg == nil || len(msg.ToolCalls) > 0 || msg.Content == "" {
		return ctx
	}
	select {
	case cb.Out <- ModelMessage{Node: node, Content: msg.Content}:
	default:
	}
	return ctx
}

func (cb *LoggerCallback) OnError(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
	cb.log().Warnw("model call failed", "node", nodeName(info), "error", err)
	return ctx
}
