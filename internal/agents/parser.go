package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dyike/tradeflow/internal/models"
)

// replyFormat is shown to the model verbatim.
const replyFormat = `{"signal": "BUY | SELL | HOLD", "score": <number from -1 to 1>, "confidence": <number from 0 to 1>, "summary": "<your analysis in a few paragraphs>", "risk_flags": ["<short_snake_case_flag>", ...]}`

var (
	fencePattern    = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	proposalPattern = regexp.MustCompile(`(?i)FINAL TRANSACTION PROPOSAL:\s*\**\s*(BUY|SELL|HOLD)\b`)
	flagPattern     = regexp.MustCompile(`[^a-z0-9_:]+`)

	errNoJSON = errors.New("no JSON object in reply")
)

type agentReply struct {
	Signal     string   `json:"signal"`
	Score      *float64 `json:"score"`
	Confidence *float64 `json:"confidence"`
	Summary    string   `json:"summary"`
	RiskFlags  []string `json:"risk_flags"`
}

// ParseReply turns raw model text into a NodeOutput. A JSON object is
// preferred; a "FINAL TRANSACTION PROPOSAL: **X**" line is accepted when no
// usable object is present.
func ParseReply(content string) (*models.NodeOutput, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil, errors.New("empty reply")
	}

	out, err := parseJSONReply(text)
	if err == nil {
		return out, nil
	}
	if m := proposalPattern.FindStringSubmatch(text); m != nil {
		sig, _ := models.ParseSignal(m[1])
		summary := strings.TrimSpace(proposalPattern.ReplaceAllString(text, ""))
		if summary == "" {
			summary = text
		}
		return &models.NodeOutput{
			Summary:    summary,
			Signal:     sig,
			Score:      float64(sig.Direction()) * 0.5,
			Confidence: 0.5,
		}, nil
	}
	return nil, err
}

func parseJSONReply(text string) (*models.NodeOutput, error) {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, errNoJSON
	}

	// Decode only the first value; prose after the object is ignored.
	var reply agentReply
	if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}

	sig, ok := models.ParseSignal(reply.Signal)
	if !ok {
		return nil, fmt.Errorf("signal %q is not BUY, SELL or HOLD", reply.Signal)
	}
	summary := strings.TrimSpace(reply.Summary)
	if summary == "" {
		return nil, errors.New("summary is empty")
	}

	confidence := 0.5
	if reply.Confidence != nil {
		confidence = clamp(*reply.Confidence, 0, 1)
	}
	score := float64(sig.Direction()) * confidence
	if reply.Score != nil {
		score = clamp(*reply.Score, -1, 1)
	}

	return &models.NodeOutput{
		Summary:    summary,
		Signal:     sig,
		Score:      score,
		Confidence: confidence,
		RiskFlags:  normalizeFlags(reply.RiskFlags),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeFlags(flags []string) []string {
	if len(flags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		f = strings.Trim(flagPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(f)), "_"), "_")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
