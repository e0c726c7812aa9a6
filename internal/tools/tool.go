package tools

import (
	"context"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// boundTool exposes one capability as an eino InvokableTool pinned to a run's
// as-of date.
type boundTool struct {
	g    *Gateway
	c    Capability
	asOf time.Time
}

func (t *boundTool) Info(context.Context) (*schema.ToolInfo, error) {
	return t.c.ToolInfo(), nil
}

func (t *boundTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	res, err := t.g.Invoke(ctx, t.c.Name, argumentsInJSON, t.asOf)
	if err != nil {
		return "", err
	}
	return res.Content(), nil
}

// Tools returns invokable tools for names keyed by capability name.
func (g *Gateway) Tools(names []string, asOf time.Time) (map[string]tool.InvokableTool, error) {
	out := make(map[string]tool.InvokableTool, len(names))
	for _, n := range names {
		c, ok := g.capability(n)
		if !ok {
			return nil, ErrUnknownCapability
		}
		out[n] = &boundTool{g: g, c: c, asOf: asOf}
	}
	return out, nil
}
