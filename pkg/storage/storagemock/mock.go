package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/wattwindow/wattwindow/pkg/storage"
	"github.com/wattwindow/wattwindow/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetConfig(ctx context.Context, instanceID string) (types.Config, int, error) {
	args := m.Called(ctx, instanceID)
	if len(args) > 0 {
		return args.Get(0).(types.Config), args.Int(1), args.Error(2)
	}
	return types.Config{}, 0, nil
}

func (m *MockDatabase) SetConfig(ctx context.Context, instanceID string, cfg types.Config, version int) error {
	args := m.Called(ctx, instanceID, cfg, version)
	return args.Error(0)
}

func (m *MockDatabase) GetSnapshot(ctx context.Context, instanceID string) (types.Snapshot, bool, error) {
	args := m.Called(ctx, instanceID)
	if len(args) > 0 {
		return args.Get(0).(types.Snapshot), args.Bool(1), args.Error(2)
	}
	return types.Snapshot{}, false, nil
}

func (m *MockDatabase) SetSnapshot(ctx context.Context, instanceID string, snap types.Snapshot) error {
	args := m.Called(ctx, instanceID, snap)
	return args.Error(0)
}

func (m *MockDatabase) InsertReport(ctx context.Context, instanceID string, report types.Report) error {
	args := m.Called(ctx, instanceID, report)
	return args.Error(0)
}

func (m *MockDatabase) GetReportHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Report, error) {
	args := m.Called(ctx, instanceID, start, end)
	if len(args) > 0 {
		if args.Get(0) == nil {
			return nil, args.Error(1)
		}
		return args.Get(0).([]types.Report), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestReport(ctx context.Context, instanceID string) (*types.Report, error) {
	args := m.Called(ctx, instanceID)
	if len(args) > 0 {
		if args.Get(0) == nil {
			return nil, args.Error(1)
		}
		return args.Get(0).(*types.Report), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
