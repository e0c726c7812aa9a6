package models

import (
	"sort"
	"sync"
	"time"
)

// AnalysisState is the per-run shared state. Each node id holds at most one
// output; a Put replaces the previous value wholesale.
type AnalysisState struct {
	RunID  string
	Symbol string
	AsOf   time.Time

	mu        sync.RWMutex
	outputs   map[string]*NodeOutput
	statuses  map[string]NodeStatus
	reasons   map[string]string
	riskFlags map[string]struct{}
	version   uint64
}

func NewAnalysisState(runID, symbol string, asOf time.Time) *AnalysisState {
	return &AnalysisState{
		RunID:     runID,
		Symbol:    symbol,
		AsOf:      asOf,
		outputs:   make(map[string]*NodeOutput),
		statuses:  make(map[string]NodeStatus),
		reasons:   make(map[string]string),
		riskFlags: make(map[string]struct{}),
	}
}

// Put stores out under node and merges its risk flags. Returns the new version.
func (s *AnalysisState) Put(node string, out *NodeOutput) uint64 {
	cp := out.Clone()
	cp.Node = node

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[node] = cp
	for _, f := range cp.RiskFlags {
		s.riskFlags[f] = struct{}{}
	}
	s.version++
	return s.version
}

func (s *AnalysisState) Get(node string) (*NodeOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[node]
	return out.Clone(), ok
}

func (s *AnalysisState) MarkStatus(node string, status NodeStatus) {
	s.mu.Lock()
	s.statuses[node] = status
	s.version++
	s.mu.Unlock()
}

// MarkSkipped records a skipped node with the reason it never ran.
func (s *AnalysisState) MarkSkipped(node, reason string) {
	s.mu.Lock()
	s.statuses[node] = StatusSkipped
	s.reasons[node] = reason
	s.version++
	s.mu.Unlock()
}

func (s *AnalysisState) Status(node string) NodeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[node]; ok {
		return st
	}
	return StatusPending
}

func (s *AnalysisState) AddRiskFlags(flags ...string) {
	if len(flags) == 0 {
		return
	}
	s.mu.Lock()
	for _, f := range flags {
		s.riskFlags[f] = struct{}{}
	}
	s.version++
	s.mu.Unlock()
}

func (s *AnalysisState) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot copies the outputs of the given nodes, or of every node when ids
// is empty, together with all statuses and risk flags.
func (s *AnalysisState) Snapshot(ids ...string) StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StateSnapshot{
		RunID:    s.RunID,
		Symbol:   s.Symbol,
		AsOf:     s.AsOf,
		Version:  s.version,
		Outputs:  make(map[string]*NodeOutput),
		Statuses: make(map[string]NodeStatus, len(s.statuses)),
		Reasons:  make(map[string]string, len(s.reasons)),
	}
	if len(ids) == 0 {
		for id, out := range s.outputs {
			snap.Outputs[id] = out.Clone()
		}
	} else {
		for _, id := range ids {
			if out, ok := s.outputs[id]; ok {
				snap.Outputs[id] = out.Clone()
			}
		}
	}
	for id, st := range s.statuses {
		snap.Statuses[id] = st
	}
	for id, r := range s.reasons {
		snap.Reasons[id] = r
	}
	snap.RiskFlags = sortedKeys(s.riskFlags)
	return snap
}

// StateSnapshot is an immutable view of AnalysisState.
type StateSnapshot struct {
	RunID     string
	Symbol    string
	AsOf      time.Time
	Version   uint64
	Outputs   map[string]*NodeOutput
	Statuses  map[string]NodeStatus
	Reasons   map[string]string
	RiskFlags []string
}

func (s StateSnapshot) Output(node string) (*NodeOutput, bool) {
	out, ok := s.Outputs[node]
	return out, ok
}

func (s StateSnapshot) Status(node string) NodeStatus {
	if st, ok := s.Statuses[node]; ok {
		return st
	}
	return StatusPending
}

// OutputIDs returns the ids present in the snapshot in sorted order.
func (s StateSnapshot) OutputIDs() []string {
	ids := make([]string, 0, len(s.Outputs))
	for id := range s.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
