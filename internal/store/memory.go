package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// InMemoryRunStore implements RunStore for tests and for MCP sessions
// started without a database.
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewInMemoryRunStore creates an empty in-memory store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string][]byte)}
}

// SaveRun stores a deep copy of run.
func (s *InMemoryRunStore) SaveRun(ctx context.Context, run *Run) (string, error) {
	if run.Result == nil {
		return "", fmt.Errorf("store: run has no result")
	}
	if run.ID == "" {
		run.ID = NewRunID(run.StartedAt, run.Fingerprint)
	}
	// Round-trip through JSON so callers cannot mutate stored state.
	data, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("failed to encode run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = data
	return run.ID, nil
}

// GetRun returns a copy of the stored run.
func (s *InMemoryRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	data, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}

// ListRuns returns summaries, newest first.
func (s *InMemoryRunStore) ListRuns(ctx context.Context, opts ListOptions) ([]Summary, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var out []Summary
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			// deleted concurrently
			continue
		}
		if opts.Problem != "" && run.Problem != opts.Problem {
			continue
		}
		out = append(out, run.Summarize())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// DeleteRun removes a run.
func (s *InMemoryRunStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.runs, id)
	return nil
}

// Close is a no-op.
func (s *InMemoryRunStore) Close() error { return nil }
