package util

import (
	"context"
	"errors"
	"fmt"
	"path"
	"testing"

	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		n    int
		want string
	}{
		{"uuid default", "3f2b8c1e-9d4a-4e6b-8f0a-1c2d3e4f5a6b", 0, "3f2b8c1e"},
		{"negative uses default", "3f2b8c1e-9d4a", -1, "3f2b8c1e"},
		{"shorter than n", "release/build", 20, "release/build"},
		{"custom length", "release/build", 7, "release"},
		{"empty", "", 8, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShortID(tt.id, tt.n))
		})
	}
}

type fakeFinder struct {
	ids []string
	err error
}

func (f *fakeFinder) GetTask(_ context.Context, id string) (models.Task, error) {
	if f.err != nil {
		return models.Task{}, f.err
	}
	for _, known := range f.ids {
		if known == id {
			return models.Task{Path: id}, nil
		}
	}
	return models.Task{}, fmt.Errorf("get %s: %w", id, store.ErrNotFound)
}

func (f *fakeFinder) FindByPattern(_ context.Context, pattern string) ([]models.Task, error) {
	var out []models.Task
	for _, id := range f.ids {
		if ok, _ := path.Match(pattern, id); ok {
			out = append(out, models.Task{Path: id})
		}
	}
	return out, nil
}

func TestResolveIdentity(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		finder     *fakeFinder
		idOrPrefix string
		want       string
		wantErr    error
	}{
		{
			name:       "exact match",
			finder:     &fakeFinder{ids: []string{"release", "release/build"}},
			idOrPrefix: "release",
			want:       "release",
		},
		{
			name:       "unique prefix",
			finder:     &fakeFinder{ids: []string{"release/build", "release/publish"}},
			idOrPrefix: "release/pu",
			want:       "release/publish",
		},
		{
			name:       "ambiguous prefix",
			finder:     &fakeFinder{ids: []string{"release/build", "release/bump"}},
			idOrPrefix: "release/b",
			wantErr:    ErrAmbiguousID,
		},
		{
			name:       "no match",
			finder:     &fakeFinder{ids: []string{"release/build"}},
			idOrPrefix: "deploy",
			wantErr:    ErrNotFound,
		},
		{
			name:       "glob input is not a prefix",
			finder:     &fakeFinder{ids: []string{"release/build"}},
			idOrPrefix: "release/*",
			wantErr:    ErrNotFound,
		},
		{
			name:       "empty",
			finder:     &fakeFinder{},
			idOrPrefix: "",
			wantErr:    ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveIdentity(ctx, tt.finder, tt.idOrPrefix)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveIdentity_StoreError(t *testing.T) {
	boom := errors.New("database error")
	_, err := ResolveIdentity(context.Background(), &fakeFinder{err: boom}, "release")
	assert.ErrorIs(t, err, boom)
}

func TestAmbiguousErrorMessage(t *testing.T) {
	ids := []string{"job-1", "job-2", "job-3", "job-4", "job-5", "job-6"}
	_, err := ResolveIdentity(context.Background(), &fakeFinder{ids: ids}, "job-")
	require.ErrorIs(t, err, ErrAmbiguousID)
	assert.Contains(t, err.Error(), "6 tasks")
	assert.Contains(t, err.Error(), "job-5")
	assert.NotContains(t, err.Error(), "job-6", "only the first candidates are listed")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "Build a...", Truncate("Build artifacts", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "çö...", Truncate("çöğüşı", 5))
}
