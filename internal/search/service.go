package search

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"talebranch/api/internal/store"
)

// StoryReader is the slice of the store the search facade needs.
type StoryReader interface {
	ListStories(ctx context.Context, filter store.StoryFilter) ([]store.Story, error)
	GetStoriesByID(ctx context.Context, storyIDs []string) ([]store.Story, error)
}

// Service is the facade that tries the full-text index first and falls back
// to filtering in the store.
type Service struct {
	index   Index
	stories StoryReader
	logger  *zap.Logger
}

// NewService creates a search service. index may be nil when no search
// engine is configured.
func NewService(index Index, stories StoryReader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{index: index, stories: stories, logger: logger}
}

// Search returns stories matching q. Free text goes to the index when it is
// healthy; tag and creator filters alone are answered by the store.
func (s *Service) Search(ctx context.Context, q Query) ([]store.Story, error) {
	if strings.TrimSpace(q.Text) != "" && s.index != nil && s.index.Healthy() {
		ids, err := s.index.Search(q)
		if err == nil {
			return s.stories.GetStoriesByID(ctx, ids)
		}
		s.logger.Warn("search index error, falling back to store", zap.Error(err))
	}
	return s.stories.ListStories(ctx, store.StoryFilter{
		Tag:       q.Tag,
		CreatorID: q.CreatorID,
		Query:     q.Text,
		Limit:     clampLimit(q.Limit),
	})
}

// IndexStory indexes a story (fire-and-forget).
func (s *Service) IndexStory(story store.Story) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	record := RecordFromStory(story)
	go func() {
		if err := s.index.IndexStories([]StoryRecord{record}); err != nil {
			s.logger.Warn("index story failed", zap.String("storyID", record.ID), zap.Error(err))
		}
	}()
}

// ReindexAll pushes every story in the store into the index.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	total := 0
	for offset := 0; ; offset += reindexPage {
		stories, err := s.stories.ListStories(ctx, store.StoryFilter{Limit: reindexPage, Offset: offset})
		if err != nil {
			s.logger.Warn("reindex load failed", zap.Error(err))
			return
		}
		records := make([]StoryRecord, 0, len(stories))
		for _, story := range stories {
			records = append(records, RecordFromStory(story))
		}
		if err := s.index.IndexStories(records); err != nil {
			s.logger.Warn("reindex stories failed", zap.Error(err))
			return
		}
		total += len(records)
		if len(stories) < reindexPage {
			break
		}
	}
	s.logger.Info("reindexed stories", zap.Int("count", total))
}

func (s *Service) Healthy() bool {
	return s.index != nil && s.index.Healthy()
}

func (s *Service) Close() {
	if s.index != nil {
		s.index.Close()
	}
}
