package storage

import (
	"context"
	"time"

	"github.com/opencbp/opencbp/pkg/types"
)

// Provider persists strategy state and bidding history. The core runs fine
// without persistence; a provider lets the host survive restarts with its
// cycle accounting intact.
type Provider interface {
	// SaveSnapshot stores the latest strategy state, replacing any previous
	// snapshot.
	SaveSnapshot(ctx context.Context, snap types.StrategySnapshot) error

	// LoadSnapshot returns the stored strategy state; ok is false when no
	// snapshot has been saved yet.
	LoadSnapshot(ctx context.Context) (snap types.StrategySnapshot, ok bool, err error)

	// InsertBidRecord appends one bid whose submission was attempted (whether
	// or not it succeeded) to the history.
	InsertBidRecord(ctx context.Context, rec types.BidRecord) error

	// InsertAction appends one runtime action to the history.
	InsertAction(ctx context.Context, action types.Action) error

	// GetBidHistory returns bid records with timestamps in [start, end).
	GetBidHistory(ctx context.Context, start, end time.Time) ([]types.BidRecord, error)

	// Lifecycle
	Close() error
}
