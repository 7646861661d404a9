// Package realtime fans committed story changes out to live viewers.
package realtime

import (
	"time"

	"talebranch/api/internal/store"
)

type EventType string

const (
	EventNewContribution EventType = "new_contribution"
	EventVoteUpdate      EventType = "vote_update"
)

// Event is published only after the change it describes has committed.
// ActorID lets a client skip events caused by its own request.
type Event struct {
	Type           EventType           `json:"type"`
	StoryID        string              `json:"storyId"`
	BranchID       string              `json:"branchId"`
	ContributionID string              `json:"contributionId"`
	Contribution   *store.Contribution `json:"contribution,omitempty"`
	Votes          *store.Tally        `json:"votes,omitempty"`
	ActorID        string              `json:"actorId"`
	At             time.Time           `json:"at"`
}

const topicPrefix = "talebranch:story:"

// Topic is the per-story channel name shared by every transport.
func Topic(storyID string) string {
	return topicPrefix + storyID
}
