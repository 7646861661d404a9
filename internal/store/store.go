package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Reader holds the queries available both inside and outside a transaction.
type Reader interface {
	GetStory(ctx context.Context, storyID string) (Story, error)
	ListStories(ctx context.Context, filter StoryFilter) ([]Story, error)
	GetStoriesByID(ctx context.Context, storyIDs []string) ([]Story, error)
	GetBranch(ctx context.Context, branchID string) (Branch, error)
	ListBranches(ctx context.Context, storyID string) ([]Branch, error)
	GetContribution(ctx context.Context, contributionID string) (Contribution, error)
	ListContributions(ctx context.Context, branchID string) ([]Contribution, error)
	ListContributionsByAuthor(ctx context.Context, authorID string, limit int) ([]Contribution, error)
	ListVotesByVoter(ctx context.Context, branchID, voterID string) ([]Vote, error)
	Tally(ctx context.Context, contributionID string) (Tally, error)
}

// Tx is a unit of work. Lock methods hold the row until commit so that
// position assignment and vote transitions are serialized per row.
type Tx interface {
	Reader
	InsertStory(ctx context.Context, story Story) error
	InsertBranch(ctx context.Context, branch Branch) error
	InsertContributions(ctx context.Context, contributions []Contribution) error
	LockBranch(ctx context.Context, branchID string) (Branch, error)
	LockContribution(ctx context.Context, contributionID string) (Contribution, error)
	CountContributions(ctx context.Context, branchID string) (int, error)
	GetVote(ctx context.Context, contributionID, voterID string) (Vote, error)
	InsertVote(ctx context.Context, vote Vote) error
	UpdateVoteKind(ctx context.Context, vote Vote) error
	DeleteVote(ctx context.Context, voteID string) error
}

type Store interface {
	Reader
	InTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// IsTransient reports whether err is a timeout or connectivity failure that
// may succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected, admin shutdown, too many connections
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "53300":
			return true
		}
		return false
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
