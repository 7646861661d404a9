package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultStoryLimit = 50
	maxStoryLimit     = 200
	cloneBatchSize    = 200
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLStore struct {
	queries
	db      *sql.DB
	dialect Dialect
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a transaction, committing only when fn returns nil.
func (s *SQLStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&sqlTx{queries: queries{q: tx, d: s.dialect}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if s.dialect.uniqueViolation(err) {
			return fmt.Errorf("commit tx: %w", ErrConflict)
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type queries struct {
	q queryer
	d Dialect
}

func (s *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

const storyColumns = `id, title, description, creator_id, tags, created_at`

func (s *queries) GetStory(ctx context.Context, storyID string) (Story, error) {
	row := s.queryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ?`, storyID)
	story, err := scanStory(row)
	if err != nil {
		return Story{}, notFound(err, "get story")
	}
	return story, nil
}

func (s *queries) ListStories(ctx context.Context, filter StoryFilter) ([]Story, error) {
	var where []string
	var args []any
	if tag := strings.TrimSpace(filter.Tag); tag != "" {
		encoded, err := json.Marshal(tag)
		if err != nil {
			return nil, fmt.Errorf("encode tag filter: %w", err)
		}
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(string(encoded))+"%")
	}
	if creator := strings.TrimSpace(filter.CreatorID); creator != "" {
		where = append(where, `creator_id = ?`)
		args = append(args, creator)
	}
	if text := strings.TrimSpace(filter.Query); text != "" {
		where = append(where, `(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`)
		needle := "%" + escapeLike(strings.ToLower(text)) + "%"
		args = append(args, needle, needle)
	}

	query := `SELECT ` + storyColumns + ` FROM stories`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, clampLimit(filter.Limit), offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	items := make([]Story, 0)
	for rows.Next() {
		item, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stories: %w", err)
	}
	return items, nil
}

// GetStoriesByID loads the given stories in the order of storyIDs, skipping
// ids that no longer exist.
func (s *queries) GetStoriesByID(ctx context.Context, storyIDs []string) ([]Story, error) {
	if len(storyIDs) == 0 {
		return []Story{}, nil
	}
	args := make([]any, len(storyIDs))
	for i, id := range storyIDs {
		args[i] = id
	}
	rows, err := s.query(ctx, `SELECT `+storyColumns+` FROM stories WHERE id IN (`+placeholders(len(storyIDs))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get stories by id: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Story, len(storyIDs))
	for rows.Next() {
		item, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		byID[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stories: %w", err)
	}

	items := make([]Story, 0, len(byID))
	for _, id := range storyIDs {
		if item, ok := byID[id]; ok {
			items = append(items, item)
		}
	}
	return items, nil
}

const branchColumns = `id, story_id, parent_branch_id, fork_position, title, is_main, created_by, created_at`

func (s *queries) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	branch, err := scanBranch(s.queryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`, branchID))
	if err != nil {
		return Branch{}, notFound(err, "get branch")
	}
	return branch, nil
}

func (s *queries) ListBranches(ctx context.Context, storyID string) ([]Branch, error) {
	rows, err := s.query(ctx, `
		SELECT `+branchColumns+`
		FROM branches
		WHERE story_id = ?
		ORDER BY is_main DESC, created_at ASC, id ASC
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	items := make([]Branch, 0)
	for rows.Next() {
		item, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return items, nil
}

const contributionSelect = `
	SELECT c.id, c.branch_id, c.author_id, c.content, c.position, c.is_beginning, c.created_at,
		COALESCE(SUM(CASE WHEN v.kind = 'up' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN v.kind = 'down' THEN 1 ELSE 0 END), 0)
	FROM contributions c
	LEFT JOIN votes v ON v.contribution_id = c.id`

const contributionGroupBy = `
	GROUP BY c.id, c.branch_id, c.author_id, c.content, c.position, c.is_beginning, c.created_at`

func (s *queries) GetContribution(ctx context.Context, contributionID string) (Contribution, error) {
	row := s.queryRow(ctx, contributionSelect+` WHERE c.id = ?`+contributionGroupBy, contributionID)
	item, err := scanContribution(row)
	if err != nil {
		return Contribution{}, notFound(err, "get contribution")
	}
	return item, nil
}

func (s *queries) ListContributions(ctx context.Context, branchID string) ([]Contribution, error) {
	rows, err := s.query(ctx, contributionSelect+` WHERE c.branch_id = ?`+contributionGroupBy+` ORDER BY c.position ASC`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	return collectContributions(rows)
}

func (s *queries) ListContributionsByAuthor(ctx context.Context, authorID string, limit int) ([]Contribution, error) {
	rows, err := s.query(ctx, contributionSelect+` WHERE c.author_id = ?`+contributionGroupBy+` ORDER BY c.created_at DESC, c.id ASC LIMIT ?`, authorID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list contributions by author: %w", err)
	}
	return collectContributions(rows)
}

const voteColumns = `v.id, v.contribution_id, v.voter_id, v.kind, v.created_at, v.updated_at`

func (s *queries) ListVotesByVoter(ctx context.Context, branchID, voterID string) ([]Vote, error) {
	rows, err := s.query(ctx, `
		SELECT `+voteColumns+`
		FROM votes v
		JOIN contributions c ON c.id = v.contribution_id
		WHERE c.branch_id = ? AND v.voter_id = ?
		ORDER BY c.position ASC
	`, branchID, voterID)
	if err != nil {
		return nil, fmt.Errorf("list votes by voter: %w", err)
	}
	defer rows.Close()

	items := make([]Vote, 0)
	for rows.Next() {
		item, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return items, nil
}

func (s *queries) Tally(ctx context.Context, contributionID string) (Tally, error) {
	var tally Tally
	err := s.queryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'up' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'down' THEN 1 ELSE 0 END), 0)
		FROM votes
		WHERE contribution_id = ?
	`, contributionID).Scan(&tally.Upvotes, &tally.Downvotes)
	if err != nil {
		return Tally{}, fmt.Errorf("tally votes: %w", err)
	}
	return tally, nil
}

type sqlTx struct {
	queries
}

func (s *sqlTx) InsertStory(ctx context.Context, story Story) error {
	tags := story.Tags
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal story tags: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO stories (id, title, description, creator_id, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, story.ID, story.Title, story.Description, story.CreatorID, string(encoded), toMillis(story.CreatedAt))
	if err != nil {
		return s.writeErr("insert story", err)
	}
	return nil
}

func (s *sqlTx) InsertBranch(ctx context.Context, branch Branch) error {
	_, err := s.exec(ctx, `
		INSERT INTO branches (id, story_id, parent_branch_id, fork_position, title, is_main, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, branch.ID, branch.StoryID, nullableString(branch.ParentBranchID), nullableInt(branch.ForkPosition), branch.Title, branch.IsMain, branch.CreatedBy, toMillis(branch.CreatedAt))
	if err != nil {
		return s.writeErr("insert branch", err)
	}
	return nil
}

// InsertContributions writes rows in multi-row batches.
func (s *sqlTx) InsertContributions(ctx context.Context, contributions []Contribution) error {
	for start := 0; start < len(contributions); start += cloneBatchSize {
		end := start + cloneBatchSize
		if end > len(contributions) {
			end = len(contributions)
		}
		batch := contributions[start:end]

		values := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*7)
		for _, c := range batch {
			values = append(values, "("+placeholders(7)+")")
			args = append(args, c.ID, c.BranchID, c.AuthorID, c.Content, c.Position, c.IsBeginning, toMillis(c.CreatedAt))
		}
		_, err := s.exec(ctx, `
			INSERT INTO contributions (id, branch_id, author_id, content, position, is_beginning, created_at)
			VALUES `+strings.Join(values, ", "), args...)
		if err != nil {
			return s.writeErr("insert contributions", err)
		}
	}
	return nil
}

func (s *sqlTx) LockBranch(ctx context.Context, branchID string) (Branch, error) {
	branch, err := scanBranch(s.queryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`+s.d.lockClause, branchID))
	if err != nil {
		return Branch{}, notFound(err, "lock branch")
	}
	return branch, nil
}

func (s *sqlTx) LockContribution(ctx context.Context, contributionID string) (Contribution, error) {
	var item Contribution
	var created int64
	err := s.queryRow(ctx, `
		SELECT id, branch_id, author_id, content, position, is_beginning, created_at
		FROM contributions
		WHERE id = ?`+s.d.lockClause, contributionID).Scan(
		&item.ID,
		&item.BranchID,
		&item.AuthorID,
		&item.Content,
		&item.Position,
		&item.IsBeginning,
		&created,
	)
	if err != nil {
		return Contribution{}, notFound(err, "lock contribution")
	}
	item.CreatedAt = fromMillis(created)
	return item, nil
}

func (s *sqlTx) CountContributions(ctx context.Context, branchID string) (int, error) {
	var count int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM contributions WHERE branch_id = ?`, branchID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count contributions: %w", err)
	}
	return count, nil
}

func (s *sqlTx) GetVote(ctx context.Context, contributionID, voterID string) (Vote, error) {
	vote, err := scanVote(s.queryRow(ctx, `
		SELECT `+voteColumns+`
		FROM votes v
		WHERE v.contribution_id = ? AND v.voter_id = ?
	`, contributionID, voterID))
	if err != nil {
		return Vote{}, notFound(err, "get vote")
	}
	return vote, nil
}

func (s *sqlTx) InsertVote(ctx context.Context, vote Vote) error {
	_, err := s.exec(ctx, `
		INSERT INTO votes (id, contribution_id, voter_id, kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, vote.ID, vote.ContributionID, vote.VoterID, string(vote.Kind), toMillis(vote.CreatedAt), toMillis(vote.UpdatedAt))
	if err != nil {
		return s.writeErr("insert vote", err)
	}
	return nil
}

func (s *sqlTx) UpdateVoteKind(ctx context.Context, vote Vote) error {
	result, err := s.exec(ctx, `UPDATE votes SET kind = ?, updated_at = ? WHERE id = ?`, string(vote.Kind), toMillis(vote.UpdatedAt), vote.ID)
	if err != nil {
		return s.writeErr("update vote", err)
	}
	return requireAffected(result, "update vote")
}

func (s *sqlTx) DeleteVote(ctx context.Context, voteID string) error {
	result, err := s.exec(ctx, `DELETE FROM votes WHERE id = ?`, voteID)
	if err != nil {
		return fmt.Errorf("delete vote: %w", err)
	}
	return requireAffected(result, "delete vote")
}

func (s *queries) writeErr(op string, err error) error {
	if s.d.uniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStory(row scanner) (Story, error) {
	var item Story
	var tagsRaw string
	var created int64
	if err := row.Scan(&item.ID, &item.Title, &item.Description, &item.CreatorID, &tagsRaw, &created); err != nil {
		return Story{}, err
	}
	item.Tags = []string{}
	if tagsRaw != "" {
		if err := json.Unmarshal([]byte(tagsRaw), &item.Tags); err != nil {
			return Story{}, fmt.Errorf("decode tags for story %s: %w", item.ID, err)
		}
	}
	item.CreatedAt = fromMillis(created)
	return item, nil
}

func scanBranch(row scanner) (Branch, error) {
	var item Branch
	var parent sql.NullString
	var forkPosition sql.NullInt64
	var created int64
	if err := row.Scan(&item.ID, &item.StoryID, &parent, &forkPosition, &item.Title, &item.IsMain, &item.CreatedBy, &created); err != nil {
		return Branch{}, err
	}
	if parent.Valid {
		value := parent.String
		item.ParentBranchID = &value
	}
	if forkPosition.Valid {
		value := int(forkPosition.Int64)
		item.ForkPosition = &value
	}
	item.CreatedAt = fromMillis(created)
	return item, nil
}

func scanContribution(row scanner) (Contribution, error) {
	var item Contribution
	var created int64
	if err := row.Scan(
		&item.ID,
		&item.BranchID,
		&item.AuthorID,
		&item.Content,
		&item.Position,
		&item.IsBeginning,
		&created,
		&item.Upvotes,
		&item.Downvotes,
	); err != nil {
		return Contribution{}, err
	}
	item.CreatedAt = fromMillis(created)
	return item, nil
}

func collectContributions(rows *sql.Rows) ([]Contribution, error) {
	defer rows.Close()
	items := make([]Contribution, 0)
	for rows.Next() {
		item, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributions: %w", err)
	}
	return items, nil
}

func scanVote(row scanner) (Vote, error) {
	var item Vote
	var kind string
	var created, updated int64
	if err := row.Scan(&item.ID, &item.ContributionID, &item.VoterID, &kind, &created, &updated); err != nil {
		return Vote{}, err
	}
	item.Kind = VoteKind(kind)
	item.CreatedAt = fromMillis(created)
	item.UpdatedAt = fromMillis(updated)
	return item, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultStoryLimit
	}
	if limit > maxStoryLimit {
		return maxStoryLimit
	}
	return limit
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
