package stats

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/match"
	"github.com/park285/match-engine/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	fieldGamesPlayed    = "games_played"
	fieldGamesWon       = "games_won"
	fieldTotalPoints    = "total_points"
	fieldWinStreak      = "win_streak"
	fieldMaxWinStreak   = "max_win_streak"
	fieldGlobalRank     = "global_rank"
	fieldLastRankUpdate = "last_rank_update"

	keyPlayers    = "stats:players"
	keyGeneration = "stats:generation"
)

func keyUser(id string) string          { return "stats:user:" + strings.TrimSpace(id) }
func keyApplied(matchID string) string { return "stats:applied:" + strings.TrimSpace(matchID) }

// Engine owns UserStats and the derived ranking. It is the only writer of
// stats records.
type Engine struct {
	rdb     *redis.Client
	retries int
	ttl     time.Duration
	now     func() time.Time

	flight singleflight.Group
	mu     sync.Mutex
	memo   *rankingMemo
}

type rankingMemo struct {
	generation int64
	expiresAt  time.Time
	entries    []RankingEntry
}

type Option func(*Engine)

// WithCacheTTL bounds how long a leaderboard is served for one generation.
func WithCacheTTL(d time.Duration) Option { return func(e *Engine) { e.ttl = d } }

// WithRetries sets how many times a contended stats write is retried.
func WithRetries(n int) Option { return func(e *Engine) { e.retries = n } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(rdb *redis.Client, opts ...Option) *Engine {
	e := &Engine{rdb: rdb, retries: 5, ttl: 30 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnCompleted folds a completed match into both participants' stats. The
// per-match marker is written in the same transaction, so repeated calls for
// one match id apply once; applied reports whether this call did the work.
func (e *Engine) OnCompleted(ctx context.Context, m *match.Match) (applied bool, err error) {
	if m == nil || m.Status != match.StatusCompleted {
		return false, errors.Wrap(match.ErrInvalidState, "stats apply requires a completed match")
	}
	if m.Scores == nil {
		return false, errors.Wrapf(match.ErrInvalidState, "completed match %s has no scores", m.ID)
	}
	marker := keyApplied(m.ID)
	watched := []string{marker, keyUser(m.Creator), keyUser(m.Opponent)}
	stamp := e.now().UTC()

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, marker).Result()
		if err != nil {
			return errors.Wrap(err, "check stats marker")
		}
		// 이미 반영된 매치: 재적용 금지
		if n > 0 {
			applied = false
			return nil
		}
		next := make(map[string]UserStats, 2)
		for _, p := range m.Participants() {
			cur, err := loadStats(ctx, tx, p)
			if err != nil {
				return err
			}
			next[p] = Record(cur, m.Winner == p, m.ScoreOf(p))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for p, s := range next {
				pipe.HSet(ctx, keyUser(p),
					fieldGamesPlayed, s.GamesPlayed,
					fieldGamesWon, s.GamesWon,
					fieldTotalPoints, s.TotalPoints,
					fieldWinStreak, s.WinStreak,
					fieldMaxWinStreak, s.MaxWinStreak,
				)
				pipe.SAdd(ctx, keyPlayers, p)
			}
			pipe.Set(ctx, marker, stamp.Format(time.RFC3339Nano), 0)
			pipe.Incr(ctx, keyGeneration)
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}

	for attempt := 0; attempt <= e.retries; attempt++ {
		err = e.rdb.Watch(ctx, txf, watched...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		obslog.L().Debug("stats_apply_retry", zap.String("match_id", m.ID), zap.Int("attempt", attempt+1))
	}
	if errors.Is(err, redis.TxFailedErr) {
		return false, errors.Wrapf(match.ErrConcurrentCommitment, "stats for match %s", m.ID)
	}
	if err != nil {
		return false, errors.Wrapf(err, "apply stats for match %s", m.ID)
	}
	if applied {
		obslog.L().Info("stats_applied",
			zap.String("match_id", m.ID),
			zap.String("creator", m.Creator),
			zap.String("opponent", m.Opponent),
			zap.String("winner", m.Winner),
		)
	} else {
		obslog.L().Info("stats_already_applied", zap.String("match_id", m.ID))
	}
	return applied, nil
}

// Applied reports whether stats for matchID were recorded.
func (e *Engine) Applied(ctx context.Context, matchID string) (bool, error) {
	n, err := e.rdb.Exists(ctx, keyApplied(matchID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "check stats marker")
	}
	return n > 0, nil
}

// Stats returns a player's counters; unknown players have zero stats.
func (e *Engine) Stats(ctx context.Context, playerID string) (UserStats, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return UserStats{}, errors.Wrap(match.ErrInvalidInput, "player id required")
	}
	return loadStats(ctx, e.rdb, playerID)
}

// Generation is bumped once per applied completion.
func (e *Engine) Generation(ctx context.Context) (int64, error) {
	n, err := e.rdb.Get(ctx, keyGeneration).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read stats generation")
	}
	return n, nil
}

// RecomputeRanking rebuilds the full ranking and stores each player's rank.
func (e *Engine) RecomputeRanking(ctx context.Context) ([]RankingEntry, error) {
	all, err := e.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	entries := Rank(all)
	stamp := e.now().UTC().Format(time.RFC3339Nano)
	if len(entries) > 0 {
		_, err = e.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, r := range entries {
				pipe.HSet(ctx, keyUser(r.PlayerID), fieldGlobalRank, r.Rank, fieldLastRankUpdate, stamp)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "store ranks")
		}
	}
	obslog.L().Info("ranking_recompute", zap.Int("players", len(entries)))
	return entries, nil
}

// Leaderboard serves the ranking from a memo keyed by the stats generation;
// a new completion or TTL expiry forces a fresh computation.
func (e *Engine) Leaderboard(ctx context.Context) ([]RankingEntry, error) {
	gen, err := e.Generation(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	e.mu.Lock()
	memo := e.memo
	e.mu.Unlock()
	if memo != nil && memo.generation == gen && now.Before(memo.expiresAt) {
		return append([]RankingEntry(nil), memo.entries...), nil
	}

	v, err, _ := e.flight.Do(strconv.FormatInt(gen, 10), func() (any, error) {
		all, err := e.loadAll(ctx)
		if err != nil {
			return nil, err
		}
		entries := Rank(all)
		e.mu.Lock()
		e.memo = &rankingMemo{generation: gen, expiresAt: e.now().Add(e.ttl), entries: entries}
		e.mu.Unlock()
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]RankingEntry(nil), v.([]RankingEntry)...), nil
}

func (e *Engine) loadAll(ctx context.Context) ([]UserStats, error) {
	ids, err := e.rdb.SMembers(ctx, keyPlayers).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list players")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = e.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, keyUser(id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load player stats")
	}
	out := make([]UserStats, 0, len(ids))
	for i, cmd := range cmds {
		out = append(out, decodeStats(ids[i], cmd.Val()))
	}
	return out, nil
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func loadStats(ctx context.Context, c hashReader, playerID string) (UserStats, error) {
	raw, err := c.HGetAll(ctx, keyUser(playerID)).Result()
	if err != nil {
		return UserStats{}, errors.Wrapf(err, "load stats %s", playerID)
	}
	return decodeStats(playerID, raw), nil
}

func decodeStats(playerID string, raw map[string]string) UserStats {
	s := UserStats{
		PlayerID:     playerID,
		GamesPlayed:  atoi(raw[fieldGamesPlayed]),
		GamesWon:     atoi(raw[fieldGamesWon]),
		TotalPoints:  atoi(raw[fieldTotalPoints]),
		WinStreak:    atoi(raw[fieldWinStreak]),
		MaxWinStreak: atoi(raw[fieldMaxWinStreak]),
		GlobalRank:   atoi(raw[fieldGlobalRank]),
	}
	if v := raw[fieldLastRankUpdate]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.LastRankUpdate = &t
		}
	}
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
