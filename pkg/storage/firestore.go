package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/wattwindow/wattwindow/pkg/log"
	"github.com/wattwindow/wattwindow/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists config, snapshots, and reports per instance.
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

func (f *FirestoreProvider) getCollection(instanceID, name string) (*firestore.CollectionRef, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instanceID cannot be empty")
	}
	return f.client.Collection("instances").Doc(instanceID).Collection(name), nil
}

// GetConfig retrieves the dynamic configuration from the "state/config"
// document. A missing document returns the zero Config at version 0 so the
// caller migrates in defaults.
func (f *FirestoreProvider) GetConfig(ctx context.Context, instanceID string) (types.Config, int, error) {
	coll, err := f.getCollection(instanceID, "state")
	if err != nil {
		return types.Config{}, 0, err
	}
	doc, err := coll.Doc("config").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Config{}, 0, nil
		}
		return types.Config{}, 0, fmt.Errorf("failed to fetch config doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "config doc missing json", slog.String("instanceID", instanceID))
		return types.Config{}, 0, fmt.Errorf("config document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "config doc json not string", slog.String("instanceID", instanceID))
		return types.Config{}, 0, fmt.Errorf("config 'json' field is not a string")
	}

	var c types.Config
	if err := json.Unmarshal([]byte(jsonStr), &c); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal config json", slog.String("instanceID", instanceID), slog.Any("err", err))
		return types.Config{}, 0, fmt.Errorf("failed to unmarshal config json: %w", err)
	}
	return c, version, nil
}

// SetConfig saves the dynamic configuration to the "state/config" document.
// It stores the config as a JSON string for portability.
func (f *FirestoreProvider) SetConfig(ctx context.Context, instanceID string, cfg types.Config, version int) error {
	jsonBytes, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	coll, err := f.getCollection(instanceID, "state")
	if err != nil {
		return err
	}
	_, err = coll.Doc("config").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the previous cycle's snapshot from the
// "state/snapshot" document. The bool is false when no snapshot has been
// stored yet.
func (f *FirestoreProvider) GetSnapshot(ctx context.Context, instanceID string) (types.Snapshot, bool, error) {
	coll, err := f.getCollection(instanceID, "state")
	if err != nil {
		return types.Snapshot{}, false, err
	}
	doc, err := coll.Doc("snapshot").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Snapshot{}, false, nil
		}
		return types.Snapshot{}, false, fmt.Errorf("failed to fetch snapshot doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "snapshot doc missing json", slog.String("instanceID", instanceID))
		return types.Snapshot{}, false, fmt.Errorf("snapshot document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "snapshot doc json not string", slog.String("instanceID", instanceID))
		return types.Snapshot{}, false, fmt.Errorf("snapshot 'json' field is not a string")
	}

	var s types.Snapshot
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal snapshot json", slog.String("instanceID", instanceID), slog.Any("err", err))
		return types.Snapshot{}, false, fmt.Errorf("failed to unmarshal snapshot json: %w", err)
	}
	return s, true, nil
}

// SetSnapshot saves the cycle snapshot to the "state/snapshot" document.
func (f *FirestoreProvider) SetSnapshot(ctx context.Context, instanceID string, snap types.Snapshot) error {
	jsonBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	coll, err := f.getCollection(instanceID, "state")
	if err != nil {
		return err
	}
	_, err = coll.Doc("snapshot").Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"updatedAt": snap.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// InsertReport adds a new report record to the "report_history" collection
// as a JSON blob. The document ID is the RFC3339 timestamp for efficient
// range queries.
func (f *FirestoreProvider) InsertReport(ctx context.Context, instanceID string, report types.Report) error {
	jsonBytes, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	coll, err := f.getCollection(instanceID, "report_history")
	if err != nil {
		return err
	}
	// Use RFC3339 as document ID for lexicographic ordering and efficient range queries
	docID := report.Timestamp.UTC().Format(time.RFC3339)
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": report.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// GetReportHistory retrieves report records within the specified time range.
// Uses document ID range queries for efficient filtering without reading all documents.
func (f *FirestoreProvider) GetReportHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Report, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.getCollection(instanceID, "report_history")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var reports []types.Report
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating reports: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "report doc missing json", slog.String("docID", doc.Ref.ID), slog.String("instanceID", instanceID), slog.Any("err", err))
			return nil, fmt.Errorf("report document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "report doc json not string", slog.String("docID", doc.Ref.ID), slog.String("instanceID", instanceID))
			return nil, fmt.Errorf("report document %s 'json' field is not string", doc.Ref.ID)
		}

		var r types.Report
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal report", slog.String("docID", doc.Ref.ID), slog.String("instanceID", instanceID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal report (id=%s): %w", doc.Ref.ID, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// GetLatestReport retrieves the most recently stored report, or nil if none
// has been stored yet.
func (f *FirestoreProvider) GetLatestReport(ctx context.Context, instanceID string) (*types.Report, error) {
	coll, err := f.getCollection(instanceID, "report_history")
	if err != nil {
		return nil, err
	}

	// firestore automatically creates indexes for top-level fields
	iter := coll.
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest report doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		return nil, fmt.Errorf("report document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("report document %s 'json' field is not string", doc.Ref.ID)
	}

	var r types.Report
	if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report (id=%s): %w", doc.Ref.ID, err)
	}
	return &r, nil
}
