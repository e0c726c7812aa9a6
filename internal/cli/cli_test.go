package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	ecmodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyike/tradeflow/internal/models"
	"github.com/dyike/tradeflow/internal/trading"
)

type buyModel struct{}

func (buyModel) Generate(context.Context, []*schema.Message, ...ecmodel.Option) (*schema.Message, error) {
	return schema.AssistantMessage(`{"signal":"BUY","confidence":0.8,"summary":"Trend is up."}`, nil), nil
}

func (m buyModel) Stream(ctx context.Context, in []*schema.Message, opts ...ecmodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m buyModel) WithTools([]*schema.ToolInfo) (ecmodel.ToolCallingChatModel, error) {
	return m, nil
}

const testRoster = `agents:
  - slug: chart-reader
    name: Chart Reader
    roleDefinition: Read the chart.
    required: true
    tools: []
  - slug: pm
    name: Portfolio Manager
    kind: aggregator
    dependsOn: [chart-reader]
`

type harness struct {
	dir    string
	config string
	roster string
}

func newHarness(t *testing.T) harness {
	dir := t.TempDir()
	h := harness{
		dir:    dir,
		config: filepath.Join(dir, "config.json"),
		roster: filepath.Join(dir, "roster.yaml"),
	}
	require.NoError(t, os.WriteFile(h.roster, []byte(testRoster), 0o644))
	return h
}

func (h harness) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd(&rootOptions{engineOpts: []trading.EngineOption{trading.WithChatModel(buyModel{})}})
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", h.config, "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestAnalyzeRecordsHistory(t *testing.T) {
	h := newHarness(t)

	out, progress, err := h.run(t, "analyze", "aapl", "--date", "2024-05-10", "--roster", h.roster)
	require.NoError(t, err)
	assert.Contains(t, out, "AAPL")
	assert.Contains(t, out, "BUY")
	assert.Contains(t, progress, "[ 50%] chart_reader succeeded")
	assert.Contains(t, progress, "[100%] pm succeeded")

	out, _, err = h.run(t, "history", "AAPL")
	require.NoError(t, err)
	assert.Contains(t, out, "AAPL")
	assert.Contains(t, out, "2024-05-10")
	assert.Contains(t, out, "BUY")

	out, _, err = h.run(t, "history", "msft")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded yet.")
}

func TestAnalyzeJSON(t *testing.T) {
	h := newHarness(t)

	out, progress, err := h.run(t, "analyze", "MSFT", "--date", "2024-05-10", "--roster", h.roster, "--json", "--no-history")
	require.NoError(t, err)
	assert.Empty(t, progress)

	var res models.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "MSFT", res.Symbol)
	assert.Equal(t, models.RunSucceeded, res.Status)
	require.NotNil(t, res.Report)
	assert.Equal(t, models.SignalBuy, res.Report.Action)
	assert.Equal(t, "0.8", res.Report.Score.String())
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.run(t, "analyze", "AAPL;", "--roster", h.roster)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, _, err = h.run(t, "analyze", "AAPL", "--date", "10/05/2024", "--roster", h.roster)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, _, err = h.run(t, "analyze", "AAPL", "--roster", filepath.Join(h.dir, "missing.yaml"))
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestRosterCommands(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run(t, "roster", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "roster ok: 15 nodes")

	out, _, err = h.run(t, "roster", "show", h.roster)
	require.NoError(t, err)
	assert.Contains(t, out, "Roster (2 nodes)")
	assert.Contains(t, out, "chart_reader")

	bad := filepath.Join(h.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`agents:
  - slug: weatherman
    name: Weatherman
    roleDefinition: Check the weather.
    tools: [get_weather]
  - slug: pm
    name: PM
    kind: aggregator
    dependsOn: [weatherman]
`), 0o644))
	_, _, err = h.run(t, "roster", "validate", bad)
	assert.ErrorIs(t, err, models.ErrConfig)

	out, _, err = h.run(t, "roster", "default")
	require.NoError(t, err)
	assert.Contains(t, out, "portfolio-manager")
}

func TestConfigCommands(t *testing.T) {
	h := newHarness(t)
	t.Setenv("FINNHUB_API_KEY", "secret-key")

	out, _, err := h.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"finnhub_api_key": "********"`)
	assert.NotContains(t, out, "secret-key")

	out, _, err = h.run(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "config: ok")
	assert.Contains(t, out, "roster: ok (15 nodes)")

	out, _, err = h.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tradeflow dev")
}

func TestWatchOnce(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run(t, "watch", "AAPL", "0700.HK", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "AAPL")
	assert.Contains(t, out, "0700.HK")
	assert.Contains(t, out, "BUY")
	assert.Contains(t, out, "engine v")

	out, _, err = h.run(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "0700.HK")
}
