package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(ctx context.Context, path string) (Snapshot, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(Snapshot), args.Error(1)
}

func (m *MockStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	args := m.Called(ctx, collection, fields)
	return args.String(0), args.Error(1)
}

func (m *MockStore) Commit(ctx context.Context, b *Batch) (int64, error) {
	args := m.Called(ctx, b)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Watch(ctx context.Context, path string, fn func(Snapshot)) error {
	args := m.Called(ctx, path, fn)
	return args.Error(0)
}

func (m *MockStore) Query(ctx context.Context, collection, field, value string) ([]Snapshot, error) {
	args := m.Called(ctx, collection, field, value)
	if snaps, ok := args.Get(0).([]Snapshot); ok {
		return snaps, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
