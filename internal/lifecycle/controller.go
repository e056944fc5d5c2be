package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/park285/match-engine/internal/guard"
	"github.com/park285/match-engine/internal/match"
	"github.com/park285/match-engine/internal/obslog"
	"github.com/park285/match-engine/internal/stats"
	"github.com/park285/match-engine/internal/store"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const maxReasonLen = 280

// StatsEngine receives completed matches. OnCompleted must be idempotent per
// match id.
type StatsEngine interface {
	OnCompleted(ctx context.Context, m *match.Match) (bool, error)
	RecomputeRanking(ctx context.Context) ([]stats.RankingEntry, error)
}

// Archive stores finished results outside the match store.
type Archive interface {
	Save(ctx context.Context, m *match.Match) error
}

// Controller is the only writer of Match records.
type Controller struct {
	store   store.Store
	guard   *guard.Guard
	stats   StatsEngine
	archive Archive

	coin    match.Coin
	retries int
	now     func() time.Time
	newID   func() string
}

type Option func(*Controller)

// WithCoin replaces the random starting-player coin.
func WithCoin(c match.Coin) Option { return func(ctl *Controller) { ctl.coin = c } }

// WithRetries bounds internal retries of ConcurrentCommitment.
func WithRetries(n int) Option {
	return func(ctl *Controller) {
		if n >= 0 {
			ctl.retries = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(ctl *Controller) { ctl.now = now } }

func WithIDs(gen func() string) Option { return func(ctl *Controller) { ctl.newID = gen } }

// WithArchive enables result archiving on completion.
func WithArchive(a Archive) Option { return func(ctl *Controller) { ctl.archive = a } }

func New(s store.Store, g *guard.Guard, st StatsEngine, opts ...Option) *Controller {
	c := &Controller{
		store:   s,
		guard:   g,
		stats:   st,
		coin:    match.CryptoCoin,
		retries: 3,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateInvitation opens an invitation from creator to opponent. Neither
// party may be committed; the opponent's slot is not reserved.
func (c *Controller) CreateInvitation(ctx context.Context, creator, opponent string, settings match.Settings) (*match.Match, error) {
	creator, opponent = strings.TrimSpace(creator), strings.TrimSpace(opponent)
	if creator == "" || opponent == "" {
		return nil, errors.Wrap(match.ErrInvalidInput, "creator and opponent required")
	}
	if creator == opponent {
		return nil, errors.Wrap(match.ErrInvalidInput, "cannot invite yourself")
	}
	settings = match.NormalizeSettings(settings)
	if err := match.ValidateSettings(settings); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	m := &match.Match{
		ID:        c.newID(),
		Creator:   creator,
		Opponent:  opponent,
		Status:    match.StatusInvited,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = c.store.Create(ctx, m, guard.RequireFree(creator, opponent))
		if err == nil || !match.Retryable(err) || attempt >= c.retries {
			break
		}
	}
	if err != nil {
		obslog.L().Info("match_invite_denied", zap.String("creator", creator), zap.String("opponent", opponent), zap.String("code", match.Code(err)))
		return nil, err
	}
	obslog.L().Info("match_invite", zap.String("match_id", m.ID), zap.String("creator", creator), zap.String("opponent", opponent), zap.String("mode", settings.Mode))
	return m, nil
}

// Accept commits both parties. A busy opponent fails with AlreadyCommitted
// and leaves the invitation open. A busy creator rejects the invitation with
// CreatorCommittedReason and the returned error is ErrCreatorCommitted.
func (c *Controller) Accept(ctx context.Context, id, actor string) (*match.Match, error) {
	actor = strings.TrimSpace(actor)
	var creatorBusy string
	m, err := c.apply(ctx, "accept", id, func(cur *match.Match, slots store.SlotView) (*store.Change, error) {
		creatorBusy = ""
		if actor != cur.Opponent {
			return nil, errors.Wrapf(match.ErrUnauthorized, "only %s may accept match %s", cur.Opponent, cur.ID)
		}
		if cur.Status != match.StatusInvited {
			return nil, errors.Wrapf(match.ErrInvalidState, "accept match %s in %s", cur.ID, cur.Status)
		}
		// 수락자가 이미 진행 중이면 초대는 그대로 둔다
		if held, busy := guard.Busy(slots, cur.Opponent, cur.ID); busy {
			return nil, guard.Committed(cur.Opponent, held)
		}
		now := c.now().UTC()
		// 생성자가 다른 매치에 묶여 있으면 초대 자동 거절
		if held, busy := guard.Busy(slots, cur.Creator, cur.ID); busy {
			creatorBusy = held
			cur.Status = match.StatusRejected
			cur.RejectionReason = match.CreatorCommittedReason
			cur.UpdatedAt = now
			return &store.Change{Match: cur}, nil
		}
		cur.Status = match.StatusAccepted
		cur.ActivePlayer = match.ChooseStartingPlayer(cur.Settings, cur.Creator, cur.Opponent, c.coin)
		cur.UpdatedAt = now
		return &store.Change{Match: cur, Claim: cur.Participants()}, nil
	})
	if err != nil {
		return nil, err
	}
	if creatorBusy != "" {
		obslog.L().Info("match_accept_conflict",
			zap.String("match_id", m.ID),
			zap.String("creator", m.Creator),
			zap.String("creator_match_id", creatorBusy),
		)
		err := match.CreatorCommitted("match %s rejected: creator %s is committed to %s", m.ID, m.Creator, creatorBusy)
		return nil, errors.WithHint(err, "the invitation was cancelled; ask the creator to invite you again later")
	}
	obslog.L().Info("match_accept", zap.String("match_id", m.ID), zap.String("active_player", m.ActivePlayer))
	return m, nil
}

// Reject closes an open invitation. Only the opponent may reject.
func (c *Controller) Reject(ctx context.Context, id, actor, reason string) (*match.Match, error) {
	actor = strings.TrimSpace(actor)
	reason = strings.TrimSpace(reason)
	if r := []rune(reason); len(r) > maxReasonLen {
		reason = string(r[:maxReasonLen])
	}
	m, err := c.apply(ctx, "reject", id, func(cur *match.Match, _ store.SlotView) (*store.Change, error) {
		if actor != cur.Opponent {
			return nil, errors.Wrapf(match.ErrUnauthorized, "only %s may reject match %s", cur.Opponent, cur.ID)
		}
		if cur.Status != match.StatusInvited {
			return nil, errors.Wrapf(match.ErrInvalidState, "reject match %s in %s", cur.ID, cur.Status)
		}
		cur.Status = match.StatusRejected
		cur.RejectionReason = reason
		cur.UpdatedAt = c.now().UTC()
		return &store.Change{Match: cur}, nil
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("match_reject", zap.String("match_id", m.ID), zap.String("reason", reason))
	return m, nil
}

// Start moves an accepted match into play. The starting player decided at
// accept is kept.
func (c *Controller) Start(ctx context.Context, id, actor string) (*match.Match, error) {
	actor = strings.TrimSpace(actor)
	m, err := c.apply(ctx, "start", id, func(cur *match.Match, slots store.SlotView) (*store.Change, error) {
		if !cur.HasParticipant(actor) {
			return nil, errors.Wrapf(match.ErrUnauthorized, "%s is not part of match %s", actor, cur.ID)
		}
		if cur.Status != match.StatusAccepted {
			return nil, errors.Wrapf(match.ErrInvalidState, "start match %s in %s", cur.ID, cur.Status)
		}
		for _, p := range cur.Participants() {
			if held, busy := guard.Busy(slots, p, cur.ID); busy {
				return nil, guard.Committed(p, held)
			}
		}
		if cur.ActivePlayer == "" {
			cur.ActivePlayer = match.ChooseStartingPlayer(cur.Settings, cur.Creator, cur.Opponent, c.coin)
		}
		cur.Status = match.StatusInProgress
		cur.UpdatedAt = c.now().UTC()
		return &store.Change{Match: cur, Claim: cur.Participants()}, nil
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("match_start", zap.String("match_id", m.ID), zap.String("active_player", m.ActivePlayer))
	return m, nil
}

// SubmitScore records the active player's reported result and hands
// confirmation to the other participant.
func (c *Controller) SubmitScore(ctx context.Context, id, actor string, creatorScore, opponentScore int) (*match.Match, error) {
	actor = strings.TrimSpace(actor)
	m, err := c.apply(ctx, "score", id, func(cur *match.Match, _ store.SlotView) (*store.Change, error) {
		if !cur.HasParticipant(actor) {
			return nil, errors.Wrapf(match.ErrUnauthorized, "%s is not part of match %s", actor, cur.ID)
		}
		if cur.Status != match.StatusAccepted && cur.Status != match.StatusInProgress {
			return nil, errors.Wrapf(match.ErrInvalidState, "submit score for match %s in %s", cur.ID, cur.Status)
		}
		if actor != cur.ActivePlayer {
			return nil, errors.Wrapf(match.ErrUnauthorized, "%s does not hold score authority in match %s", actor, cur.ID)
		}
		if err := match.ValidateScores(cur.Settings, creatorScore, opponentScore); err != nil {
			return nil, err
		}
		cur.Status = match.StatusWaitingConfirmation
		cur.Scores = &match.Scores{Creator: creatorScore, Opponent: opponentScore}
		cur.Winner = match.DecideWinner(cur.Creator, cur.Opponent, creatorScore, opponentScore)
		cur.SubmittedBy = actor
		cur.ConfirmedBy = cur.Other(actor)
		cur.ActivePlayer = ""
		cur.UpdatedAt = c.now().UTC()
		return &store.Change{Match: cur}, nil
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("match_score",
		zap.String("match_id", m.ID),
		zap.String("submitted_by", m.SubmittedBy),
		zap.Int("creator_score", creatorScore),
		zap.Int("opponent_score", opponentScore),
	)
	return m, nil
}

// ConfirmResult lets the confirming participant accept or dispute the
// submitted score. A dispute returns score authority to the submitter. On
// acceptance the match completes and stats are applied before returning.
func (c *Controller) ConfirmResult(ctx context.Context, id, actor string, accepted bool) (*match.Match, error) {
	actor = strings.TrimSpace(actor)
	m, err := c.apply(ctx, "confirm", id, func(cur *match.Match, _ store.SlotView) (*store.Change, error) {
		if !cur.HasParticipant(actor) {
			return nil, errors.Wrapf(match.ErrUnauthorized, "%s is not part of match %s", actor, cur.ID)
		}
		if cur.Status != match.StatusWaitingConfirmation {
			return nil, errors.Wrapf(match.ErrInvalidState, "confirm match %s in %s", cur.ID, cur.Status)
		}
		if actor != cur.ConfirmedBy {
			return nil, errors.Wrapf(match.ErrUnauthorized, "%s is expected to confirm match %s", cur.ConfirmedBy, cur.ID)
		}
		now := c.now().UTC()
		cur.UpdatedAt = now
		cur.ConfirmedBy = ""
		if !accepted {
			// 이의 제기: 제출자에게 점수 권한을 돌려준다
			cur.Status = match.StatusInProgress
			cur.ActivePlayer = cur.SubmittedBy
			cur.SubmittedBy = ""
			cur.Scores = nil
			cur.Winner = ""
			cur.Disputes++
			return &store.Change{Match: cur}, nil
		}
		cur.Status = match.StatusCompleted
		cur.ActivePlayer = ""
		cur.CompletedAt = &now
		return &store.Change{Match: cur, Release: cur.Participants()}, nil
	})
	if err != nil {
		return nil, err
	}
	if !accepted {
		obslog.L().Info("match_dispute", zap.String("match_id", m.ID), zap.String("active_player", m.ActivePlayer), zap.Int("disputes", m.Disputes))
		return m, nil
	}
	obslog.L().Info("match_complete", zap.String("match_id", m.ID), zap.String("winner", m.Winner))
	if err := c.settle(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SettleCompleted re-applies stats for a completed match. Already-applied
// matches report false.
func (c *Controller) SettleCompleted(ctx context.Context, id string) (bool, error) {
	m, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if m.Status != match.StatusCompleted {
		return false, errors.Wrapf(match.ErrInvalidState, "settle match %s in %s", m.ID, m.Status)
	}
	return c.stats.OnCompleted(ctx, m)
}

func (c *Controller) Get(ctx context.Context, id string) (*match.Match, error) {
	return c.store.Get(ctx, id)
}

// ListForParticipant returns the participant's matches, optionally filtered
// by status.
func (c *Controller) ListForParticipant(ctx context.Context, participant string, statuses ...match.Status) ([]*match.Match, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return nil, errors.Wrap(match.ErrInvalidInput, "participant required")
	}
	return c.store.ListByParticipant(ctx, participant, statuses...)
}

// ActiveMatch returns the participant's committed match, or nil.
func (c *Controller) ActiveMatch(ctx context.Context, participant string) (*match.Match, error) {
	return c.guard.CommittedMatch(ctx, participant)
}

// settle applies stats synchronously, then archives and refreshes the
// ranking in parallel. Only the stats failure is returned.
func (c *Controller) settle(ctx context.Context, m *match.Match) error {
	if _, err := c.stats.OnCompleted(ctx, m); err != nil {
		obslog.L().Error("match_stats_failed", zap.String("match_id", m.ID), zap.Error(err))
		return errors.Wrapf(err, "match %s completed; stats pending", m.ID)
	}
	var wg conc.WaitGroup
	if c.archive != nil {
		wg.Go(func() {
			if err := c.archive.Save(ctx, m); err != nil {
				obslog.L().Warn("match_archive_failed", zap.String("match_id", m.ID), zap.Error(err))
			}
		})
	}
	wg.Go(func() {
		if _, err := c.stats.RecomputeRanking(ctx); err != nil {
			obslog.L().Warn("ranking_recompute_failed", zap.String("match_id", m.ID), zap.Error(err))
		}
	})
	wg.Wait()
	return nil
}

// apply runs fn through the store, retrying lost races against fresh state.
func (c *Controller) apply(ctx context.Context, op, id string, fn store.Mutation) (*match.Match, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.Wrap(match.ErrInvalidInput, "match id required")
	}
	for attempt := 0; ; attempt++ {
		m, err := c.store.Apply(ctx, id, fn)
		if err == nil {
			return m, nil
		}
		if !match.Retryable(err) || attempt >= c.retries {
			if match.Code(err) == match.CodeInternal {
				obslog.L().Error("match_"+op+"_error", zap.String("match_id", id), zap.Error(err))
			}
			return nil, err
		}
		obslog.L().Debug("match_commit_retry", zap.String("op", op), zap.String("match_id", id), zap.Int("attempt", attempt+1))
	}
}
