package store

import "time"

type VoteKind string

const (
	VoteUp   VoteKind = "up"
	VoteDown VoteKind = "down"
)

func (k VoteKind) Valid() bool {
	return k == VoteUp || k == VoteDown
}

type Story struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatorID   string    `json:"creatorId"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Branch is one line of a story. The main branch has no parent and no fork
// position; every other branch was forked from ParentBranchID after the
// contribution at ForkPosition.
type Branch struct {
	ID             string    `json:"id"`
	StoryID        string    `json:"storyId"`
	ParentBranchID *string   `json:"parentBranchId"`
	ForkPosition   *int      `json:"forkPosition"`
	Title          string    `json:"title"`
	IsMain         bool      `json:"isMain"`
	CreatedBy      string    `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Contribution is one sentence of a branch. Upvotes and Downvotes are
// computed from the votes table when read and never written.
type Contribution struct {
	ID          string    `json:"id"`
	BranchID    string    `json:"branchId"`
	AuthorID    string    `json:"authorId"`
	Content     string    `json:"content"`
	Position    int       `json:"position"`
	IsBeginning bool      `json:"isBeginning"`
	CreatedAt   time.Time `json:"createdAt"`
	Upvotes     int       `json:"upvotes"`
	Downvotes   int       `json:"downvotes"`
}

type Vote struct {
	ID             string    `json:"id"`
	ContributionID string    `json:"contributionId"`
	VoterID        string    `json:"voterId"`
	Kind           VoteKind  `json:"kind"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Tally struct {
	Upvotes   int `json:"upvotes"`
	Downvotes int `json:"downvotes"`
}

type StoryFilter struct {
	Tag       string
	CreatorID string
	Query     string
	Limit     int
	Offset    int
}
