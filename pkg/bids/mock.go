package bids

import (
	"context"
	"sync"

	"github.com/opencbp/opencbp/pkg/types"
)

// MockSubmission is one recorded call to the mock submitter.
type MockSubmission struct {
	Hour int // -1 for fast DR
	Bid  types.Bid
}

// Mock implements Submitter for tests.
type Mock struct {
	mu          sync.Mutex
	Submissions []MockSubmission
	Err         error
}

// SubmitFastDR implements Submitter.
func (m *Mock) SubmitFastDR(ctx context.Context, bid types.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Submissions = append(m.Submissions, MockSubmission{Hour: -1, Bid: bid})
	return nil
}

// SubmitDayAhead implements Submitter.
func (m *Mock) SubmitDayAhead(ctx context.Context, hour int, bid types.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Submissions = append(m.Submissions, MockSubmission{Hour: hour, Bid: bid})
	return nil
}

// Recorded returns a copy of the recorded submissions.
func (m *Mock) Recorded() []MockSubmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSubmission, len(m.Submissions))
	copy(out, m.Submissions)
	return out
}
