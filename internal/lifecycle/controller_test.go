package lifecycle

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/guard"
	"github.com/park285/match-engine/internal/match"
	"github.com/park285/match-engine/internal/stats"
	"github.com/park285/match-engine/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctl     *Controller
	store   *store.RedisStore
	guard   *guard.Guard
	stats   *stats.Engine
	archive *memArchive
}

type memArchive struct {
	mu    sync.Mutex
	saved []string
}

func (a *memArchive) Save(_ context.Context, m *match.Match) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, m.ID)
	return nil
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := store.NewRedisStore(rdb)
	g := guard.New(s)
	st := stats.NewEngine(rdb)
	arc := &memArchive{}
	all := append([]Option{WithCoin(func() bool { return true }), WithArchive(arc)}, opts...)
	return &fixture{ctl: New(s, g, st, all...), store: s, guard: g, stats: st, archive: arc}
}

func creatorFirst() match.Settings {
	return match.Settings{Mode: "classic", PointsToWin: 100, StartingPlayer: match.StartCreator}
}

// inProgress drives a fresh match to IN_PROGRESS with the creator holding
// score authority.
func (f *fixture) inProgress(t *testing.T, creator, opponent string) *match.Match {
	t.Helper()
	ctx := context.Background()
	m, err := f.ctl.CreateInvitation(ctx, creator, opponent, creatorFirst())
	require.NoError(t, err)
	_, err = f.ctl.Accept(ctx, m.ID, opponent)
	require.NoError(t, err)
	m, err = f.ctl.Start(ctx, m.ID, opponent)
	require.NoError(t, err)
	require.Equal(t, match.StatusInProgress, m.Status)
	require.Equal(t, creator, m.ActivePlayer)
	return m
}

func TestRoundTripCompletesAndAppliesStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.inProgress(t, "alice", "bob")

	m, err := f.ctl.SubmitScore(ctx, m.ID, "alice", 100, 80)
	require.NoError(t, err)
	require.Equal(t, match.StatusWaitingConfirmation, m.Status)
	require.Equal(t, "bob", m.ConfirmedBy)
	require.Empty(t, m.ActivePlayer)

	m, err = f.ctl.ConfirmResult(ctx, m.ID, "bob", true)
	require.NoError(t, err)
	require.Equal(t, match.StatusCompleted, m.Status)
	require.Equal(t, "alice", m.Winner)
	require.NotNil(t, m.CompletedAt)
	require.Empty(t, m.ConfirmedBy)

	a, err := f.stats.Stats(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, a.GamesWon)
	require.Equal(t, 100, a.TotalPoints)
	require.Equal(t, 1, a.GlobalRank)

	b, err := f.stats.Stats(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 0, b.GamesWon)
	require.Equal(t, 80, b.TotalPoints)

	require.Equal(t, []string{m.ID}, f.archive.saved)

	for _, p := range []string{"alice", "bob"} {
		busy, err := f.guard.IsCommitted(ctx, p)
		require.NoError(t, err)
		require.False(t, busy, "%s still committed", p)
	}
}

func TestSubmitScoreBelowThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.inProgress(t, "alice", "bob")

	_, err := f.ctl.SubmitScore(ctx, m.ID, "alice", 99, 99)
	require.True(t, errors.Is(err, match.ErrInvalidScore), "got %v", err)

	_, err = f.ctl.SubmitScore(ctx, m.ID, "alice", -1, 100)
	require.True(t, errors.Is(err, match.ErrInvalidScore))

	_, err = f.ctl.SubmitScore(ctx, m.ID, "alice", math.MaxInt, 0)
	require.True(t, errors.Is(err, match.ErrInvalidScore), "got %v", err)

	got, err := f.ctl.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.Version, got.Version)
	require.Equal(t, match.StatusInProgress, got.Status)
	require.Nil(t, got.Scores)
}

func TestTieCompletesAsDraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.inProgress(t, "alice", "bob")

	m, err := f.ctl.SubmitScore(ctx, m.ID, "alice", 100, 100)
	require.NoError(t, err)
	require.Empty(t, m.Winner)
	require.True(t, m.IsDraw())

	m, err = f.ctl.ConfirmResult(ctx, m.ID, "bob", true)
	require.NoError(t, err)
	require.Empty(t, m.Winner)

	board, err := f.stats.Leaderboard(ctx)
	require.NoError(t, err)
	require.Len(t, board, 2)
	require.Equal(t, "alice", board[0].PlayerID)
	require.Equal(t, 0, board[0].GamesWon)
	require.Equal(t, 0, board[1].GamesWon)
}

func TestDisputeCycleAppliesStatsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.inProgress(t, "alice", "bob")

	_, err := f.ctl.SubmitScore(ctx, m.ID, "alice", 100, 10)
	require.NoError(t, err)

	m, err = f.ctl.ConfirmResult(ctx, m.ID, "bob", false)
	require.NoError(t, err)
	require.Equal(t, match.StatusInProgress, m.Status)
	require.Equal(t, "alice", m.ActivePlayer, "dispute returns authority to the submitter")
	require.Nil(t, m.Scores)
	require.Empty(t, m.Winner)
	require.Empty(t, m.ConfirmedBy)
	require.Equal(t, 1, m.Disputes)

	busy, err := f.guard.IsCommitted(ctx, "bob")
	require.NoError(t, err)
	require.True(t, busy, "a disputed match stays committed")

	_, err = f.ctl.SubmitScore(ctx, m.ID, "alice", 100, 90)
	require.NoError(t, err)
	m, err = f.ctl.ConfirmResult(ctx, m.ID, "bob", true)
	require.NoError(t, err)
	require.Equal(t, match.StatusCompleted, m.Status)

	applied, err := f.ctl.SettleCompleted(ctx, m.ID)
	require.NoError(t, err)
	require.False(t, applied)

	a, err := f.stats.Stats(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, a.GamesPlayed)
	require.Equal(t, 100, a.TotalPoints)
	b, err := f.stats.Stats(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 90, b.TotalPoints)
}

func TestConcurrentAcceptsForSameOpponent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1, err := f.ctl.CreateInvitation(ctx, "alice", "olga", creatorFirst())
	require.NoError(t, err)
	m2, err := f.ctl.CreateInvitation(ctx, "bob", "olga", creatorFirst())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{m1.ID, m2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.ctl.Accept(ctx, id, "olga")
		}(i, id)
	}
	wg.Wait()

	ok, committed := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, match.ErrAlreadyCommitted):
			require.False(t, errors.Is(err, match.ErrCreatorCommitted))
			committed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, committed)

	n, err := f.guard.CountCommitted(ctx, "olga")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAcceptWithCommittedCreatorRejectsInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.ctl.CreateInvitation(ctx, "alice", "olga", creatorFirst())
	require.NoError(t, err)
	other, err := f.ctl.CreateInvitation(ctx, "alice", "carl", creatorFirst())
	require.NoError(t, err)
	_, err = f.ctl.Accept(ctx, other.ID, "carl")
	require.NoError(t, err)

	_, err = f.ctl.Accept(ctx, pending.ID, "olga")
	require.True(t, errors.Is(err, match.ErrCreatorCommitted), "got %v", err)
	require.True(t, errors.Is(err, match.ErrAlreadyCommitted))
	require.Equal(t, match.CodeCreatorCommitted, match.Code(err))

	got, err := f.ctl.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, match.StatusRejected, got.Status)
	require.Equal(t, match.CreatorCommittedReason, got.RejectionReason)

	busy, err := f.guard.IsCommitted(ctx, "olga")
	require.NoError(t, err)
	require.False(t, busy)
}

func TestAcceptWithCommittedOpponentKeepsInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	later, err := f.ctl.CreateInvitation(ctx, "bob", "olga", creatorFirst())
	require.NoError(t, err)
	first, err := f.ctl.CreateInvitation(ctx, "alice", "olga", creatorFirst())
	require.NoError(t, err)
	_, err = f.ctl.Accept(ctx, first.ID, "olga")
	require.NoError(t, err)

	_, err = f.ctl.Accept(ctx, later.ID, "olga")
	require.True(t, errors.Is(err, match.ErrAlreadyCommitted), "got %v", err)
	require.False(t, errors.Is(err, match.ErrCreatorCommitted))
	require.Equal(t, match.CodeAlreadyCommitted, match.Code(err))
	require.Contains(t, errors.FlattenHints(err), "current match")

	got, err := f.ctl.Get(ctx, later.ID)
	require.NoError(t, err)
	require.Equal(t, match.StatusInvited, got.Status)
	require.Equal(t, later.Version, got.Version)
}

func TestCreateInvitationChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctl.CreateInvitation(ctx, "alice", "alice", creatorFirst())
	require.True(t, errors.Is(err, match.ErrInvalidInput))
	_, err = f.ctl.CreateInvitation(ctx, "", "bob", creatorFirst())
	require.True(t, errors.Is(err, match.ErrInvalidInput))
	_, err = f.ctl.CreateInvitation(ctx, "alice", "bob", match.Settings{Mode: "classic"})
	require.True(t, errors.Is(err, match.ErrInvalidInput), "points_to_win is required")
	_, err = f.ctl.CreateInvitation(ctx, "alice", "bob", match.Settings{Mode: "classic", PointsToWin: 21, StartingPlayer: "opponnet"})
	require.True(t, errors.Is(err, match.ErrInvalidInput), "unknown starting policy, got %v", err)

	f.inProgress(t, "alice", "bob")
	_, err = f.ctl.CreateInvitation(ctx, "alice", "carl", creatorFirst())
	require.True(t, errors.Is(err, match.ErrAlreadyCommitted))
	_, err = f.ctl.CreateInvitation(ctx, "carl", "bob", creatorFirst())
	require.True(t, errors.Is(err, match.ErrAlreadyCommitted))

	m, err := f.ctl.CreateInvitation(ctx, "carl", "dana", match.Settings{Mode: "classic", PointsToWin: 21})
	require.NoError(t, err)
	require.Equal(t, match.StartRandom, m.Settings.StartingPlayer)
	require.Equal(t, match.StatusInvited, m.Status)
}

func TestStartingPlayerChosenOnce(t *testing.T) {
	var flips atomic.Int32
	coin := func() bool { return flips.Add(1)%2 == 0 }
	f := newFixture(t, WithCoin(coin))
	ctx := context.Background()

	m, err := f.ctl.CreateInvitation(ctx, "alice", "bob", match.Settings{Mode: "classic", PointsToWin: 11, StartingPlayer: match.StartRandom})
	require.NoError(t, err)
	m, err = f.ctl.Accept(ctx, m.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", m.ActivePlayer, "first flip is tails")

	m, err = f.ctl.Start(ctx, m.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, "bob", m.ActivePlayer)
	require.Equal(t, int32(1), flips.Load())
}

func TestFailedPreconditionsLeaveRecordUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.ctl.CreateInvitation(ctx, "alice", "bob", creatorFirst())
	require.NoError(t, err)

	_, err = f.ctl.Accept(ctx, m.ID, "alice")
	require.True(t, errors.Is(err, match.ErrUnauthorized))
	_, err = f.ctl.Accept(ctx, m.ID, "mallory")
	require.True(t, errors.Is(err, match.ErrUnauthorized))
	_, err = f.ctl.Reject(ctx, m.ID, "alice", "")
	require.True(t, errors.Is(err, match.ErrUnauthorized))
	_, err = f.ctl.Start(ctx, m.ID, "alice")
	require.True(t, errors.Is(err, match.ErrInvalidState))
	_, err = f.ctl.SubmitScore(ctx, m.ID, "alice", 100, 0)
	require.True(t, errors.Is(err, match.ErrInvalidState))
	_, err = f.ctl.ConfirmResult(ctx, m.ID, "bob", true)
	require.True(t, errors.Is(err, match.ErrInvalidState))
	_, err = f.ctl.Accept(ctx, "missing", "bob")
	require.True(t, errors.Is(err, match.ErrNotFound))

	got, err := f.ctl.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.Version, got.Version)
	require.Equal(t, match.StatusInvited, got.Status)

	m = f.inProgress(t, "carl", "dana")
	_, err = f.ctl.SubmitScore(ctx, m.ID, "dana", 100, 0)
	require.True(t, errors.Is(err, match.ErrUnauthorized), "dana does not hold score authority")
	_, err = f.ctl.SubmitScore(ctx, m.ID, "alice", 100, 0)
	require.True(t, errors.Is(err, match.ErrUnauthorized))

	_, err = f.ctl.SubmitScore(ctx, m.ID, "carl", 100, 0)
	require.NoError(t, err)
	_, err = f.ctl.ConfirmResult(ctx, m.ID, "carl", true)
	require.True(t, errors.Is(err, match.ErrUnauthorized), "the submitter cannot confirm")
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.ctl.CreateInvitation(ctx, "alice", "bob", creatorFirst())
	require.NoError(t, err)
	m, err = f.ctl.Reject(ctx, m.ID, "bob", "  busy tonight ")
	require.NoError(t, err)
	require.Equal(t, match.StatusRejected, m.Status)
	require.Equal(t, "busy tonight", m.RejectionReason)

	_, err = f.ctl.Accept(ctx, m.ID, "bob")
	require.True(t, errors.Is(err, match.ErrInvalidState))

	list, err := f.ctl.ListForParticipant(ctx, "alice", match.StatusRejected)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (s *flakyStore) Apply(ctx context.Context, id string, fn store.Mutation) (*match.Match, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.Wrap(match.ErrConcurrentCommitment, "injected")
	}
	return s.Store.Apply(ctx, id, fn)
}

func TestConcurrentCommitmentIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.ctl.CreateInvitation(ctx, "alice", "bob", creatorFirst())
	require.NoError(t, err)

	flaky := &flakyStore{Store: f.store}
	flaky.failures.Store(2)
	ctl := New(flaky, f.guard, f.stats, WithRetries(2))
	got, err := ctl.Accept(ctx, m.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, match.StatusAccepted, got.Status)

	m2, err := f.ctl.CreateInvitation(ctx, "carl", "dana", creatorFirst())
	require.NoError(t, err)
	flaky.failures.Store(1)
	ctl = New(flaky, f.guard, f.stats, WithRetries(0))
	_, err = ctl.Accept(ctx, m2.ID, "dana")
	require.True(t, errors.Is(err, match.ErrConcurrentCommitment))
	require.True(t, match.Retryable(err))
}
