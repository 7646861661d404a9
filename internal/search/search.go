// Package search finds stories by free text, tag and creator.
package search

import "talebranch/api/internal/store"

// Query describes a story search.
type Query struct {
	Text      string
	Tag       string
	CreatorID string
	Limit     int
}

// StoryRecord is the data we index for a story.
type StoryRecord struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	CreatorID   string   `json:"creatorId"`
	CreatedAt   int64    `json:"createdAt"`
}

func RecordFromStory(story store.Story) StoryRecord {
	tags := story.Tags
	if tags == nil {
		tags = []string{}
	}
	return StoryRecord{
		ID:          story.ID,
		Title:       story.Title,
		Description: story.Description,
		Tags:        tags,
		CreatorID:   story.CreatorID,
		CreatedAt:   story.CreatedAt.UTC().UnixMilli(),
	}
}

// Index is a full-text engine holding story records. It returns matching
// story ids in relevance order.
type Index interface {
	Healthy() bool
	Search(q Query) ([]string, error)
	IndexStories(stories []StoryRecord) error
	Close()
}

const (
	defaultLimit = 20
	maxLimit     = 100
	reindexPage  = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
