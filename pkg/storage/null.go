package storage

import (
	"context"
	"time"

	"github.com/opencbp/opencbp/pkg/types"
)

// NullProvider discards everything. Used on hosts that don't persist state.
type NullProvider struct{}

func (*NullProvider) SaveSnapshot(context.Context, types.StrategySnapshot) error { return nil }

func (*NullProvider) LoadSnapshot(context.Context) (types.StrategySnapshot, bool, error) {
	return types.StrategySnapshot{}, false, nil
}

func (*NullProvider) InsertBidRecord(context.Context, types.BidRecord) error { return nil }

func (*NullProvider) InsertAction(context.Context, types.Action) error { return nil }

func (*NullProvider) GetBidHistory(context.Context, time.Time, time.Time) ([]types.BidRecord, error) {
	return nil, nil
}

func (*NullProvider) Close() error { return nil }
