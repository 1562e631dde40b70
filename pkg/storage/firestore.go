package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opencbp/opencbp/pkg/types"
)

// FirestoreProvider implements the Provider interface using Google Cloud
// Firestore. It persists strategy snapshots and bid/action history.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// SaveSnapshot stores the strategy state in the "device/strategy" document.
func (f *FirestoreProvider) SaveSnapshot(ctx context.Context, snap types.StrategySnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = f.client.Collection("device").Doc("strategy").Set(ctx, map[string]interface{}{
		"version":   snap.Version,
		"timestamp": snap.Timestamp,
		"json":      string(data),
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot retrieves the stored strategy state.
func (f *FirestoreProvider) LoadSnapshot(ctx context.Context) (types.StrategySnapshot, bool, error) {
	doc, err := f.client.Collection("device").Doc("strategy").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.StrategySnapshot{}, false, nil
		}
		return types.StrategySnapshot{}, false, fmt.Errorf("failed to fetch snapshot doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		return types.StrategySnapshot{}, false, fmt.Errorf("snapshot document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return types.StrategySnapshot{}, false, fmt.Errorf("snapshot 'json' field is not a string")
	}

	var snap types.StrategySnapshot
	if err := json.Unmarshal([]byte(jsonStr), &snap); err != nil {
		return types.StrategySnapshot{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// InsertBidRecord appends one bid record to the "bids" collection.
func (f *FirestoreProvider) InsertBidRecord(ctx context.Context, rec types.BidRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal bid record: %w", err)
	}
	id := rec.Timestamp.UTC().Format(time.RFC3339Nano) + "-" + string(rec.Program) + "-" + strconv.Itoa(rec.Hour)
	_, err = f.client.Collection("bids").Doc(id).Set(ctx, map[string]interface{}{
		"timestamp": rec.Timestamp,
		"program":   string(rec.Program),
		"json":      string(data),
	})
	if err != nil {
		return fmt.Errorf("failed to insert bid record: %w", err)
	}
	return nil
}

// InsertAction appends one runtime action to the "actions" collection.
func (f *FirestoreProvider) InsertAction(ctx context.Context, action types.Action) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	id := action.Timestamp.UTC().Format(time.RFC3339Nano) + "-" + string(action.Reason)
	_, err = f.client.Collection("actions").Doc(id).Set(ctx, map[string]interface{}{
		"timestamp": action.Timestamp,
		"reason":    string(action.Reason),
		"json":      string(data),
	})
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// GetBidHistory returns bid records with timestamps in [start, end).
func (f *FirestoreProvider) GetBidHistory(ctx context.Context, start, end time.Time) ([]types.BidRecord, error) {
	iter := f.client.Collection("bids").
		Where("timestamp", ">=", start).
		Where("timestamp", "<", end).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []types.BidRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate bid history: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			return nil, fmt.Errorf("bid document missing 'json' field: %w", err)
		}
		jsonStr, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("bid 'json' field is not a string")
		}
		var rec types.BidRecord
		if err := json.Unmarshal([]byte(jsonStr), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bid record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
