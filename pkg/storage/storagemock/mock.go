// Package storagemock provides an in-memory storage.Provider for tests.
package storagemock

import (
	"context"
	"sync"
	"time"

	"github.com/opencbp/opencbp/pkg/types"
)

// Mock is an in-memory storage provider.
type Mock struct {
	mu sync.Mutex

	Snap    types.StrategySnapshot
	HasSnap bool
	Bids    []types.BidRecord
	Actions []types.Action

	Err error

	SaveSnapshotCalls int
}

// SaveSnapshot implements storage.Provider.
func (m *Mock) SaveSnapshot(ctx context.Context, snap types.StrategySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Snap = snap
	m.HasSnap = true
	m.SaveSnapshotCalls++
	return nil
}

// LoadSnapshot implements storage.Provider.
func (m *Mock) LoadSnapshot(ctx context.Context) (types.StrategySnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.StrategySnapshot{}, false, m.Err
	}
	return m.Snap, m.HasSnap, nil
}

// InsertBidRecord implements storage.Provider.
func (m *Mock) InsertBidRecord(ctx context.Context, rec types.BidRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Bids = append(m.Bids, rec)
	return nil
}

// InsertAction implements storage.Provider.
func (m *Mock) InsertAction(ctx context.Context, action types.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Actions = append(m.Actions, action)
	return nil
}

// GetBidHistory implements storage.Provider.
func (m *Mock) GetBidHistory(ctx context.Context, start, end time.Time) ([]types.BidRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []types.BidRecord
	for _, rec := range m.Bids {
		if !rec.Timestamp.Before(start) && rec.Timestamp.Before(end) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close implements storage.Provider.
func (m *Mock) Close() error { return nil }

// RecordedBids returns a copy of the inserted bid records.
func (m *Mock) RecordedBids() []types.BidRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.BidRecord, len(m.Bids))
	copy(out, m.Bids)
	return out
}

// RecordedActions returns a copy of the inserted actions.
func (m *Mock) RecordedActions() []types.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Action, len(m.Actions))
	copy(out, m.Actions)
	return out
}
