package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dyike/tradeflow/internal/models"
	"github.com/dyike/tradeflow/pkg/sqlite"
)

// StatusRunning marks a run row whose result has not been recorded yet.
const StatusRunning = "running"

// Fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store keeps run history: one row per run plus its node events.
type Store struct {
	db *sql.DB
}

type RunRecord struct {
	RowID      int64               `json:"-"`
	ID         string              `json:"run_id"`
	Symbol     string              `json:"symbol"`
	AsOf       string              `json:"as_of"`
	Status     string              `json:"status"`
	Action     string              `json:"action,omitempty"`
	Score      string              `json:"score,omitempty"`
	Confidence string              `json:"confidence,omitempty"`
	Degraded   bool                `json:"degraded"`
	Error      string              `json:"error,omitempty"`
	Report     *models.FinalReport `json:"report,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

type NodeEvent struct {
	RunID      string
	Node       string
	Status     models.NodeStatus
	Attempts   int
	Reason     string
	Error      string
	ErrorKind  models.ErrorKind
	StartedAt  time.Time
	FinishedAt time.Time
}

func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    as_of TEXT NOT NULL,
    status TEXT NOT NULL,
    action TEXT NOT NULL DEFAULT '',
    score TEXT NOT NULL DEFAULT '',
    confidence TEXT NOT NULL DEFAULT '',
    degraded INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    report_json TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS node_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    node TEXT NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL DEFAULT '',
    finished_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_symbol ON runs(symbol, started_at);
CREATE INDEX IF NOT EXISTS idx_node_events_run ON node_events(run_id, id);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateRun inserts the row for a run that has just started.
func (s *Store) CreateRun(ctx context.Context, runID, symbol, asOf string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, symbol, as_of, status, started_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, runID, symbol, asOf, StatusRunning, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) AddNodeEvent(ctx context.Context, ev NodeEvent) error {
	if strings.TrimSpace(ev.RunID) == "" || strings.TrimSpace(ev.Node) == "" {
		return fmt.Errorf("node event needs run id and node")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO node_events (run_id, node, status, attempts, reason, error, error_kind, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, ev.RunID, ev.Node, string(ev.Status), ev.Attempts, ev.Reason, ev.Error, string(ev.ErrorKind),
		formatTime(ev.StartedAt), formatTime(ev.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert node event: %w", err)
	}
	return nil
}

// RecordResult writes the final state of a run, creating the row when the
// run was never announced.
func (s *Store) RecordResult(ctx context.Context, res *models.RunResult) error {
	if res == nil || strings.TrimSpace(res.RunID) == "" {
		return fmt.Errorf("run result needs a run id")
	}

	var action, score, confidence, reportJSON, errText string
	var degraded bool
	if r := res.Report; r != nil {
		action = string(r.Action)
		score = r.Score.String()
		confidence = r.Confidence.String()
		degraded = r.Degraded
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		reportJSON = string(data)
	}
	if res.Failure != nil {
		errText = res.Failure.Error()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, symbol, as_of, status, action, score, confidence, degraded, error, report_json, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status=excluded.status,
    action=excluded.action,
    score=excluded.score,
    confidence=excluded.confidence,
    degraded=excluded.degraded,
    error=excluded.error,
    report_json=excluded.report_json,
    finished_at=excluded.finished_at
`, res.RunID, res.Symbol, res.AsOf, string(res.Status), action, score, confidence, degraded, errText, reportJSON,
		formatTime(res.StartedAt), formatTime(res.FinishedAt))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

const runColumns = `rowid, id, symbol, as_of, status, action, score, confidence, degraded, error, report_json, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		rec               RunRecord
		reportJSON        string
		started, finished string
	)
	if err := row.Scan(&rec.RowID, &rec.ID, &rec.Symbol, &rec.AsOf, &rec.Status, &rec.Action, &rec.Score,
		&rec.Confidence, &rec.Degraded, &rec.Error, &reportJSON, &started, &finished); err != nil {
		return rec, err
	}
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(finished)
	if reportJSON != "" {
		var report models.FinalReport
		if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
			return rec, fmt.Errorf("decode report of run %s: %w", rec.ID, err)
		}
		rec.Report = &report
	}
	return rec, nil
}

// History lists runs newest first. An empty symbol lists every symbol.
func (s *Store) History(ctx context.Context, symbol string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM runs
WHERE (? = '' OR symbol = ?)
ORDER BY started_at DESC, rowid DESC
LIMIT ?
`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs rows: %w", err)
	}
	return runs, nil
}

// GetRun returns nil when runID is unknown.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ? LIMIT 1`, runID)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &rec, nil
}

func (s *Store) NodeEvents(ctx context.Context, runID string) ([]NodeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, node, status, attempts, reason, error, error_kind, started_at, finished_at
FROM node_events
WHERE run_id = ?
ORDER BY id ASC
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node events: %w", err)
	}
	defer rows.Close()

	var events []NodeEvent
	for rows.Next() {
		var (
			ev                NodeEvent
			status, kind      string
			started, finished string
		)
		if err := rows.Scan(&ev.RunID, &ev.Node, &status, &ev.Attempts, &ev.Reason, &ev.Error, &kind, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan node event: %w", err)
		}
		ev.Status = models.NodeStatus(status)
		ev.ErrorKind = models.ErrorKind(kind)
		ev.StartedAt = parseTime(started)
		ev.FinishedAt = parseTime(finished)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list node events rows: %w", err)
	}
	return events, nil
}
