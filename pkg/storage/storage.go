package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// Database defines the interface for persisting instance state.
type Database interface {
	// Config
	GetConfig(ctx context.Context, instanceID string) (types.Config, int, error)
	SetConfig(ctx context.Context, instanceID string, cfg types.Config, version int) error

	// Snapshot holds the previous refresh cycle's inputs for change
	// detection. The bool reports whether a snapshot exists yet.
	GetSnapshot(ctx context.Context, instanceID string) (types.Snapshot, bool, error)
	SetSnapshot(ctx context.Context, instanceID string, snap types.Snapshot) error

	// Reports
	InsertReport(ctx context.Context, instanceID string, report types.Report) error
	GetReportHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Report, error)
	GetLatestReport(ctx context.Context, instanceID string) (*types.Report, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
