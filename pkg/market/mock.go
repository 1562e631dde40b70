package market

import (
	"context"
	"sync"

	"github.com/opencbp/opencbp/pkg/types"
)

// Mock implements Source for tests.
type Mock struct {
	mu sync.Mutex

	Snap       types.MarketSnapshot
	Fetched    bool
	RefreshErr error

	RefreshCalls int
}

// SetSnapshot replaces the mock snapshot.
func (m *Mock) SetSnapshot(snap types.MarketSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snap = snap
	m.Fetched = true
}

// Refresh implements Source.
func (m *Mock) Refresh(ctx context.Context) (types.MarketSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefreshCalls++
	if m.RefreshErr != nil {
		return types.MarketSnapshot{}, m.RefreshErr
	}
	m.Fetched = true
	return m.Snap, nil
}

// Snapshot implements Source.
func (m *Mock) Snapshot() (types.MarketSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Snap, m.Fetched
}
