package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"talebranch/api/internal/store"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	ids     []string
	err     error
	queries []Query
	indexed []StoryRecord
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(q Query) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.ids, f.err
}

func (f *fakeIndex) IndexStories(stories []StoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, stories...)
	return nil
}

func (f *fakeIndex) Close()                   {}

func (f *fakeIndex) indexedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexed)
}

func newStoryStore(t *testing.T, stories ...store.Story) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "search.db"))
	require.NoError(t, err)
	s := store.NewSQLiteStore(db)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for _, story := range stories {
			if err := tx.InsertStory(ctx, story); err != nil {
				return err
			}
		}
		return nil
	}))
	return s
}

func sampleStories() []store.Story {
	now := time.Now().UTC()
	return []store.Story{
		{ID: "forest", Title: "The Forest Walk", CreatorID: "u1", Tags: []string{"fantasy"}, CreatedAt: now},
		{ID: "ship", Title: "Ghost Ship", CreatorID: "u2", Tags: []string{"horror"}, CreatedAt: now.Add(time.Second)},
	}
}

func TestSearchUsesIndexWhenHealthy(t *testing.T) {
	idx := &fakeIndex{healthy: true, ids: []string{"ship", "forest"}}
	svc := NewService(idx, newStoryStore(t, sampleStories()...), zap.NewNop())

	stories, err := svc.Search(context.Background(), Query{Text: "walk", Tag: "fantasy"})
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, "ship", stories[0].ID)
	require.Len(t, idx.queries, 1)
	assert.Equal(t, "fantasy", idx.queries[0].Tag)
}

func TestSearchFallsBackOnIndexError(t *testing.T) {
	idx := &fakeIndex{healthy: true, err: errors.New("down")}
	svc := NewService(idx, newStoryStore(t, sampleStories()...), zap.NewNop())

	stories, err := svc.Search(context.Background(), Query{Text: "ghost"})
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, "ship", stories[0].ID)
}

func TestSearchWithoutIndexFiltersInStore(t *testing.T) {
	svc := NewService(nil, newStoryStore(t, sampleStories()...), nil)

	stories, err := svc.Search(context.Background(), Query{Tag: "fantasy"})
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, "forest", stories[0].ID)
	assert.False(t, svc.Healthy())
}

func TestFiltersOnlySkipIndex(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	svc := NewService(idx, newStoryStore(t, sampleStories()...), nil)

	stories, err := svc.Search(context.Background(), Query{CreatorID: "u2"})
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Empty(t, idx.queries)
}

func TestIndexStoryIsAsync(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	svc := NewService(idx, newStoryStore(t), nil)

	svc.IndexStory(sampleStories()[0])
	require.Eventually(t, func() bool { return idx.indexedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"fantasy"}, idx.indexed[0].Tags)
}

func TestIndexStorySkipsUnhealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: false}
	svc := NewService(idx, newStoryStore(t), nil)
	svc.IndexStory(sampleStories()[0])
	svc.ReindexAll(context.Background())
	assert.Equal(t, 0, idx.indexedCount())
}

func TestReindexAllPagesThroughStore(t *testing.T) {
	now := time.Now().UTC()
	stories := make([]store.Story, 0, reindexPage+3)
	for i := 0; i < reindexPage+3; i++ {
		stories = append(stories, store.Story{
			ID:        fmt.Sprintf("s%03d", i),
			Title:     "Story",
			CreatorID: "u1",
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
	}
	idx := &fakeIndex{healthy: true}
	svc := NewService(idx, newStoryStore(t, stories...), nil)

	svc.ReindexAll(context.Background())
	assert.Equal(t, reindexPage+3, idx.indexedCount())
}

func TestBuildFilters(t *testing.T) {
	assert.Empty(t, buildFilters(Query{Text: "x"}))
	assert.Equal(t, []string{`tags = "sci-fi"`, `creatorId = "u1"`}, buildFilters(Query{Tag: " sci-fi ", CreatorID: "u1"}))
}

func TestRecordFromStory(t *testing.T) {
	created := time.UnixMilli(1700000000000).UTC()
	record := RecordFromStory(store.Story{ID: "s1", Title: "T", CreatedAt: created})
	assert.Equal(t, []string{}, record.Tags)
	assert.Equal(t, int64(1700000000000), record.CreatedAt)
}
