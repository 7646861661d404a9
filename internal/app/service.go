package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"talebranch/api/internal/auth"
	"talebranch/api/internal/content"
	"talebranch/api/internal/export"
	"talebranch/api/internal/metrics"
	"talebranch/api/internal/realtime"
	"talebranch/api/internal/search"
	"talebranch/api/internal/store"
	"talebranch/api/internal/util"
)

const (
	mainBranchTitle      = "Main Story"
	defaultStoreTimeout  = 5 * time.Second
	defaultAppendRetries = 3
	appendRetryBackoff   = 15 * time.Millisecond
	maxTags              = 10
	defaultListLimit     = 50
)

// EventPublisher queues an event for fan-out without blocking.
type EventPublisher interface {
	Publish(event realtime.Event) bool
}

// EventSubscriber opens a live stream of events for a topic.
type EventSubscriber interface {
	Subscribe(ctx context.Context, topic string) (realtime.Subscription, error)
}

// StorySearcher answers story listings and keeps the search index current.
type StorySearcher interface {
	Search(ctx context.Context, q search.Query) ([]store.Story, error)
	IndexStory(story store.Story)
}

type Options struct {
	Store         store.Store
	Logger        *zap.Logger
	Publisher     EventPublisher
	Subscriber    EventSubscriber
	Search        StorySearcher
	Archiver      export.Archiver
	Metrics       *metrics.Collector
	StoreTimeout  time.Duration
	AppendRetries int
	Now           func() time.Time
}

// Service is the narrative core. It owns no global state; everything it needs
// is passed in through Options.
type Service struct {
	store         store.Store
	logger        *zap.Logger
	publisher     EventPublisher
	subscriber    EventSubscriber
	search        StorySearcher
	archiver      export.Archiver
	metrics       *metrics.Collector
	storeTimeout  time.Duration
	appendRetries int
	now           func() time.Time
}

func NewService(opts Options) *Service {
	s := &Service{
		store:         opts.Store,
		logger:        opts.Logger,
		publisher:     opts.Publisher,
		subscriber:    opts.Subscriber,
		search:        opts.Search,
		archiver:      opts.Archiver,
		metrics:       opts.Metrics,
		storeTimeout:  opts.StoreTimeout,
		appendRetries: opts.AppendRetries,
		now:           opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = defaultStoreTimeout
	}
	if s.appendRetries <= 0 {
		s.appendRetries = defaultAppendRetries
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

type CreateStoryInput struct {
	Title       string
	Description string
	Tags        []string
	Content     string
}

type CreatedStory struct {
	Story      store.Story        `json:"story"`
	MainBranch store.Branch       `json:"mainBranch"`
	Opening    store.Contribution `json:"opening"`
}

type StoryDetail struct {
	Story    store.Story    `json:"story"`
	Branches []store.Branch `json:"branches"`
}

type BranchView struct {
	Branch        store.Branch         `json:"branch"`
	Contributions []store.Contribution `json:"contributions"`
}

type ForkInput struct {
	FromBranchID     string
	AtContributionID string
	Title            string
	Content          string
}

type VoteResult struct {
	ContributionID string         `json:"contributionId"`
	BranchID       string         `json:"branchId"`
	Votes          store.Tally    `json:"votes"`
	MyVote         store.VoteKind `json:"myVote"`
	Transition     string         `json:"transition"`
}

type ArchiveResult struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateStory writes the story, its main branch and the opening contribution
// as one unit.
func (s *Service) CreateStory(ctx context.Context, actor auth.Identity, in CreateStoryInput) (CreatedStory, error) {
	if err := requireActor(actor); err != nil {
		return CreatedStory{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return CreatedStory{}, validationError("Title is required", map[string]string{"field": "title"})
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		return CreatedStory{}, validationError("Description is required", map[string]string{"field": "description"})
	}
	opening, err := content.ValidateOpening(in.Content)
	if err != nil {
		return CreatedStory{}, contentError(err)
	}
	tags, err := normalizeTags(in.Tags)
	if err != nil {
		return CreatedStory{}, err
	}

	now := s.now()
	story := store.Story{
		ID:          util.NewID("story"),
		Title:       title,
		Description: description,
		CreatorID:   actor.UserID,
		Tags:        tags,
		CreatedAt:   now,
	}
	main := store.Branch{
		ID:        util.NewID("branch"),
		StoryID:   story.ID,
		Title:     mainBranchTitle,
		IsMain:    true,
		CreatedBy: actor.UserID,
		CreatedAt: now,
	}
	first := store.Contribution{
		ID:          util.NewID("contrib"),
		BranchID:    main.ID,
		AuthorID:    actor.UserID,
		Content:     opening,
		Position:    0,
		IsBeginning: true,
		CreatedAt:   now,
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertStory(ctx, story); err != nil {
			return err
		}
		if err := tx.InsertBranch(ctx, main); err != nil {
			return err
		}
		return tx.InsertContributions(ctx, []store.Contribution{first})
	})
	if err != nil {
		return CreatedStory{}, s.storeError(err, "story", "create story")
	}

	s.metrics.StoryCreated()
	if s.search != nil {
		s.search.IndexStory(story)
	}
	s.logger.Info("story created",
		zap.String("storyID", story.ID),
		zap.String("branchID", main.ID),
		zap.String("creatorID", actor.UserID),
	)
	return CreatedStory{Story: story, MainBranch: main, Opening: first}, nil
}

// AppendContribution adds one sentence at the end of a branch. The position is
// the branch's contribution count read under the branch lock.
func (s *Service) AppendContribution(ctx context.Context, actor auth.Identity, branchID, text string) (store.Contribution, error) {
	if err := requireActor(actor); err != nil {
		return store.Contribution{}, err
	}
	sentence, err := content.ValidateSentence(text)
	if err != nil {
		return store.Contribution{}, contentError(err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		branch  store.Branch
		created store.Contribution
	)
	err = s.retryOnConflict(ctx, func() error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			branch, err = tx.LockBranch(ctx, branchID)
			if err != nil {
				return err
			}
			position, err := tx.CountContributions(ctx, branchID)
			if err != nil {
				return err
			}
			created = store.Contribution{
				ID:        util.NewID("contrib"),
				BranchID:  branchID,
				AuthorID:  actor.UserID,
				Content:   sentence,
				Position:  position,
				CreatedAt: s.now(),
			}
			return tx.InsertContributions(ctx, []store.Contribution{created})
		})
	})
	if err != nil {
		return store.Contribution{}, s.storeError(err, "branch", "append contribution")
	}

	s.metrics.ContributionAppended()
	s.publishContribution(branch.StoryID, created, actor.UserID)
	return created, nil
}

// Fork starts a new branch from any branch of a story. The new branch gets
// its own copies of every contribution up to and including the fork point;
// votes stay with the originals.
func (s *Service) Fork(ctx context.Context, actor auth.Identity, in ForkInput) (BranchView, error) {
	if err := requireActor(actor); err != nil {
		return BranchView{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return BranchView{}, validationError("Branch title is required", map[string]string{"field": "title"})
	}
	var continuation string
	if strings.TrimSpace(in.Content) != "" {
		sentence, err := content.ValidateSentence(in.Content)
		if err != nil {
			return BranchView{}, contentError(err)
		}
		continuation = sentence
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		branch   store.Branch
		rows     []store.Contribution
		appended *store.Contribution
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		source, err := tx.GetBranch(ctx, in.FromBranchID)
		if err != nil {
			return notFoundOr(err, "branch")
		}
		at, err := tx.GetContribution(ctx, in.AtContributionID)
		if err != nil {
			return notFoundOr(err, "contribution")
		}
		if at.BranchID != source.ID {
			return &Error{
				Kind:    KindNotFound,
				Message: "contribution not found on branch",
				Details: map[string]string{"entity": "contribution", "branchId": source.ID},
			}
		}
		parent, err := tx.ListContributions(ctx, source.ID)
		if err != nil {
			return err
		}

		now := s.now()
		forkPosition := at.Position
		parentID := source.ID
		branch = store.Branch{
			ID:             util.NewID("branch"),
			StoryID:        source.StoryID,
			ParentBranchID: &parentID,
			ForkPosition:   &forkPosition,
			Title:          title,
			CreatedBy:      actor.UserID,
			CreatedAt:      now,
		}
		rows = cloneThrough(parent, forkPosition, branch.ID)
		if continuation != "" {
			next := store.Contribution{
				ID:        util.NewID("contrib"),
				BranchID:  branch.ID,
				AuthorID:  actor.UserID,
				Content:   continuation,
				Position:  forkPosition + 1,
				CreatedAt: now,
			}
			rows = append(rows, next)
			appended = &next
		}

		if err := tx.InsertBranch(ctx, branch); err != nil {
			return err
		}
		return tx.InsertContributions(ctx, rows)
	})
	if err != nil {
		return BranchView{}, s.storeError(err, "branch", "fork branch")
	}

	s.metrics.ForkCreated()
	s.logger.Info("branch forked",
		zap.String("branchID", branch.ID),
		zap.String("fromBranchID", in.FromBranchID),
		zap.Int("forkPosition", *branch.ForkPosition),
		zap.Int("cloned", len(rows)),
	)
	if appended != nil {
		s.metrics.ContributionAppended()
		s.publishContribution(branch.StoryID, *appended, actor.UserID)
	}
	return BranchView{Branch: branch, Contributions: rows}, nil
}

// cloneThrough copies the contributions at positions 0..through onto a new
// branch with fresh ids and no votes.
func cloneThrough(parent []store.Contribution, through int, branchID string) []store.Contribution {
	clones := make([]store.Contribution, 0, through+2)
	for _, c := range parent {
		if c.Position > through {
			break
		}
		clones = append(clones, store.Contribution{
			ID:          util.NewID("contrib"),
			BranchID:    branchID,
			AuthorID:    c.AuthorID,
			Content:     c.Content,
			Position:    c.Position,
			IsBeginning: c.IsBeginning,
			CreatedAt:   c.CreatedAt,
		})
	}
	return clones
}

// ReadBranch returns the branch and its contributions in position order.
func (s *Service) ReadBranch(ctx context.Context, branchID string) (BranchView, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return BranchView{}, s.storeError(err, "branch", "read branch")
	}
	items, err := s.store.ListContributions(ctx, branchID)
	if err != nil {
		return BranchView{}, s.storeError(err, "branch", "read contributions")
	}
	return BranchView{Branch: branch, Contributions: items}, nil
}

// Vote applies the none/up/down transition for the actor on one contribution
// and returns the tally recounted from the vote rows.
func (s *Service) Vote(ctx context.Context, actor auth.Identity, contributionID string, kind store.VoteKind) (VoteResult, error) {
	if err := requireActor(actor); err != nil {
		return VoteResult{}, err
	}
	if !kind.Valid() {
		return VoteResult{}, validationError("Vote must be up or down", map[string]string{"field": "kind"})
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		result  VoteResult
		storyID string
	)
	err := s.retryOnConflict(ctx, func() error {
		return s.store.InTx(ctx, func(tx store.Tx) error {
			target, err := tx.LockContribution(ctx, contributionID)
			if err != nil {
				return err
			}
			branch, err := tx.GetBranch(ctx, target.BranchID)
			if err != nil {
				return err
			}
			storyID = branch.StoryID

			now := s.now()
			existing, err := tx.GetVote(ctx, contributionID, actor.UserID)
			var transition string
			var mine store.VoteKind
			switch {
			case errors.Is(err, store.ErrNotFound):
				err = tx.InsertVote(ctx, store.Vote{
					ID:             util.NewID("vote"),
					ContributionID: contributionID,
					VoterID:        actor.UserID,
					Kind:           kind,
					CreatedAt:      now,
					UpdatedAt:      now,
				})
				transition, mine = "none->"+string(kind), kind
			case err != nil:
				return err
			case existing.Kind == kind:
				err = tx.DeleteVote(ctx, existing.ID)
				transition = string(kind) + "->none"
			default:
				existing.Kind = kind
				existing.UpdatedAt = now
				err = tx.UpdateVoteKind(ctx, existing)
				transition, mine = flipTransition(kind), kind
			}
			if err != nil {
				return err
			}

			tally, err := tx.Tally(ctx, contributionID)
			if err != nil {
				return err
			}
			result = VoteResult{
				ContributionID: contributionID,
				BranchID:       target.BranchID,
				Votes:          tally,
				MyVote:         mine,
				Transition:     transition,
			}
			return nil
		})
	})
	if err != nil {
		return VoteResult{}, s.storeError(err, "contribution", "vote")
	}

	s.metrics.VoteRecorded(result.Transition)
	s.publish(realtime.Event{
		Type:           realtime.EventVoteUpdate,
		StoryID:        storyID,
		BranchID:       result.BranchID,
		ContributionID: contributionID,
		Votes:          &result.Votes,
		ActorID:        actor.UserID,
		At:             s.now(),
	})
	return result, nil
}

func flipTransition(to store.VoteKind) string {
	if to == store.VoteUp {
		return "down->up"
	}
	return "up->down"
}

// GetStory returns a story and all its branches, main first.
func (s *Service) GetStory(ctx context.Context, storyID string) (StoryDetail, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return StoryDetail{}, s.storeError(err, "story", "get story")
	}
	branches, err := s.store.ListBranches(ctx, storyID)
	if err != nil {
		return StoryDetail{}, s.storeError(err, "story", "list branches")
	}
	return StoryDetail{Story: story, Branches: branches}, nil
}

func (s *Service) ListBranches(ctx context.Context, storyID string) ([]store.Branch, error) {
	detail, err := s.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	return detail.Branches, nil
}

// ListStories returns the newest stories matching the query.
func (s *Service) ListStories(ctx context.Context, q search.Query) ([]store.Story, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q.Tag = strings.TrimSpace(q.Tag)
	q.CreatorID = strings.TrimSpace(q.CreatorID)
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}

	var (
		stories []store.Story
		err     error
	)
	if s.search != nil {
		stories, err = s.search.Search(ctx, q)
	} else {
		stories, err = s.store.ListStories(ctx, store.StoryFilter{
			Tag:       q.Tag,
			CreatorID: q.CreatorID,
			Query:     q.Text,
			Limit:     q.Limit,
		})
	}
	if err != nil {
		return nil, s.storeError(err, "story", "list stories")
	}
	return stories, nil
}

func (s *Service) ListContributionsByAuthor(ctx context.Context, authorID string, limit int) ([]store.Contribution, error) {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		return nil, validationError("User id is required", map[string]string{"field": "userId"})
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	items, err := s.store.ListContributionsByAuthor(ctx, authorID, limit)
	if err != nil {
		return nil, s.storeError(err, "contribution", "list contributions by author")
	}
	return items, nil
}

// MyVotes maps contribution id to the actor's current vote on a branch.
// Anonymous viewers get an empty map.
func (s *Service) MyVotes(ctx context.Context, actor auth.Identity, branchID string) (map[string]store.VoteKind, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.store.GetBranch(ctx, branchID); err != nil {
		return nil, s.storeError(err, "branch", "my votes")
	}
	out := make(map[string]store.VoteKind)
	if !actor.Authenticated || actor.UserID == "" {
		return out, nil
	}
	votes, err := s.store.ListVotesByVoter(ctx, branchID, actor.UserID)
	if err != nil {
		return nil, s.storeError(err, "branch", "my votes")
	}
	for _, vote := range votes {
		out[vote.ContributionID] = vote.Kind
	}
	return out, nil
}

// Subscribe opens a live event stream for one story. The caller must close
// the subscription.
func (s *Service) Subscribe(ctx context.Context, storyID string) (realtime.Subscription, error) {
	if s.subscriber == nil {
		return nil, transientError(errors.New("realtime transport is not configured"))
	}
	lookupCtx, cancel := s.withTimeout(ctx)
	_, err := s.store.GetStory(lookupCtx, storyID)
	cancel()
	if err != nil {
		return nil, s.storeError(err, "story", "subscribe")
	}
	sub, err := s.subscriber.Subscribe(ctx, realtime.Topic(storyID))
	if err != nil {
		return nil, transientError(fmt.Errorf("subscribe to story %s: %w", storyID, err))
	}
	return sub, nil
}

// ExportBranch renders a branch with its story header.
func (s *Service) ExportBranch(ctx context.Context, branchID string, format export.Format) (*export.Result, error) {
	result, _, err := s.renderBranch(ctx, branchID, format)
	return result, err
}

// renderBranch also returns the branch it rendered so callers need no second
// lookup.
func (s *Service) renderBranch(ctx context.Context, branchID string, format export.Format) (*export.Result, store.Branch, error) {
	view, err := s.ReadBranch(ctx, branchID)
	if err != nil {
		return nil, store.Branch{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	story, err := s.store.GetStory(ctx, view.Branch.StoryID)
	if err != nil {
		return nil, store.Branch{}, s.storeError(err, "story", "export branch")
	}
	result, err := export.Render(export.Document{
		Story:         story,
		Branch:        view.Branch,
		Contributions: view.Contributions,
		ExportedAt:    s.now(),
	}, format)
	if err != nil {
		if errors.Is(err, export.ErrUnsupportedFormat) {
			return nil, store.Branch{}, validationError("Unsupported export format", map[string]string{"field": "format"})
		}
		return nil, store.Branch{}, fmt.Errorf("render branch %s: %w", branchID, err)
	}
	return result, view.Branch, nil
}

// ArchiveBranch stores a Markdown snapshot of the branch in object storage
// and returns a time-limited link to it.
func (s *Service) ArchiveBranch(ctx context.Context, actor auth.Identity, branchID string) (ArchiveResult, error) {
	if err := requireActor(actor); err != nil {
		return ArchiveResult{}, err
	}
	if s.archiver == nil {
		return ArchiveResult{}, export.ErrArchiveDisabled
	}
	rendered, branch, err := s.renderBranch(ctx, branchID, export.FormatMarkdown)
	if err != nil {
		return ArchiveResult{}, err
	}

	key := export.ArchiveKey(branch.StoryID, branch.ID, s.now(), rendered.Filename)
	if err := s.archiver.Put(ctx, key, rendered); err != nil {
		return ArchiveResult{}, transientError(err)
	}
	url, expires, err := s.archiver.URL(ctx, key)
	if err != nil {
		return ArchiveResult{}, transientError(err)
	}
	s.logger.Info("branch archived", zap.String("branchID", branchID), zap.String("key", key), zap.String("actorID", actor.UserID))
	return ArchiveResult{Key: key, URL: url, ExpiresAt: expires}, nil
}

func (s *Service) publishContribution(storyID string, c store.Contribution, actorID string) {
	contribution := c
	s.publish(realtime.Event{
		Type:           realtime.EventNewContribution,
		StoryID:        storyID,
		BranchID:       c.BranchID,
		ContributionID: c.ID,
		Contribution:   &contribution,
		ActorID:        actorID,
		At:             s.now(),
	})
}

// publish runs after commit and never blocks the caller.
func (s *Service) publish(event realtime.Event) {
	if s.publisher == nil {
		return
	}
	if !s.publisher.Publish(event) {
		s.logger.Debug("event not queued", zap.String("type", string(event.Type)), zap.String("storyID", event.StoryID))
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// retryOnConflict repeats fn while it fails with a uniqueness conflict.
func (s *Service) retryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, store.ErrConflict) || attempt >= s.appendRetries {
			return err
		}
		s.metrics.AppendRetried()
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * appendRetryBackoff):
		}
	}
}

// storeError converts a store failure into the service error taxonomy.
func (s *Service) storeError(err error, entity, op string) error {
	var appErr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, store.ErrNotFound):
		return notFoundError(entity)
	case errors.Is(err, store.ErrConflict):
		return conflictError("The "+entity+" changed while saving, please retry", err)
	case store.IsTransient(err):
		s.logger.Warn("transient store failure", zap.String("op", op), zap.Error(err))
		return transientError(err)
	default:
		s.logger.Error("store failure", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
}

// notFoundOr tags a not-found with the entity that was missing so a fork
// reports "contribution" rather than the generic branch entity.
func notFoundOr(err error, entity string) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError(entity)
	}
	return err
}

func requireActor(actor auth.Identity) error {
	if !actor.Authenticated || strings.TrimSpace(actor.UserID) == "" {
		return authError("Sign in to continue")
	}
	return nil
}

func contentError(err error) error {
	var invalid *content.ValidationError
	if errors.As(err, &invalid) {
		return validationError(invalid.Reason, map[string]string{"field": "content"})
	}
	return err
}

// normalizeTags trims, drops empties, dedupes and sorts.
func normalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) > maxTags {
		return nil, validationError(fmt.Sprintf("A story can have at most %d tags", maxTags), map[string]string{"field": "tags"})
	}
	sort.Strings(out)
	return out, nil
}
