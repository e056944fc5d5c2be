package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-co-op/gocron/v2"
	"github.com/park285/match-engine/internal/guard"
	"github.com/park285/match-engine/internal/match"
	"github.com/park285/match-engine/internal/obslog"
	"github.com/park285/match-engine/internal/stats"
	"github.com/park285/match-engine/internal/store"
	"go.uber.org/zap"
)

// Settler re-applies stats for a completed match id.
type Settler interface {
	SettleCompleted(ctx context.Context, id string) (bool, error)
}

type Ranker interface {
	RecomputeRanking(ctx context.Context) ([]stats.RankingEntry, error)
}

// Report summarises one reconciliation pass.
type Report struct {
	Completed  int
	Applied    int
	Ranked     int
	Violations []string
}

// Job converges stats and ranking with match state and audits the
// active-match invariant.
type Job struct {
	store    store.Store
	guard    *guard.Guard
	settler  Settler
	ranker   Ranker
	interval time.Duration
	timeout  time.Duration

	sched gocron.Scheduler
}

func New(s store.Store, g *guard.Guard, settler Settler, ranker Ranker, interval time.Duration) *Job {
	return &Job{store: s, guard: g, settler: settler, ranker: ranker, interval: interval, timeout: time.Minute}
}

// RunOnce settles every completed match, recomputes the ranking, and reports
// participants holding more than one committed match.
func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	done, err := j.store.ListByStatus(ctx, match.StatusCompleted)
	if err != nil {
		return rep, errors.Wrap(err, "list completed matches")
	}
	rep.Completed = len(done)
	for _, m := range done {
		applied, err := j.settler.SettleCompleted(ctx, m.ID)
		if err != nil {
			obslog.L().Warn("reconcile_settle_failed", zap.String("match_id", m.ID), zap.Error(err))
			continue
		}
		if applied {
			rep.Applied++
			obslog.L().Info("reconcile_settled", zap.String("match_id", m.ID))
		}
	}

	board, err := j.ranker.RecomputeRanking(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "recompute ranking")
	}
	rep.Ranked = len(board)

	rep.Violations, err = j.audit(ctx)
	if err != nil {
		return rep, err
	}
	obslog.L().Info("reconcile_pass",
		zap.Int("completed", rep.Completed),
		zap.Int("applied", rep.Applied),
		zap.Int("ranked", rep.Ranked),
		zap.Int("violations", len(rep.Violations)),
	)
	return rep, nil
}

func (j *Job) audit(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var bad []string
	for _, st := range match.CommittedStatuses {
		list, err := j.store.ListByStatus(ctx, st)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s matches", st)
		}
		for _, m := range list {
			for _, p := range m.Participants() {
				if seen[p] {
					continue
				}
				seen[p] = true
				n, err := j.guard.CountCommitted(ctx, p)
				if err != nil {
					return nil, err
				}
				if n > 1 {
					obslog.L().Error("match_invariant_violation", zap.String("participant", p), zap.Int("committed", n))
					bad = append(bad, p)
				}
			}
		}
	}
	sort.Strings(bad)
	return bad, nil
}

// Start schedules RunOnce every interval. A non-positive interval disables
// the job.
func (j *Job) Start() error {
	if j.interval <= 0 {
		obslog.L().Info("reconcile_disabled")
		return nil
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}
	_, err = sched.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
			defer cancel()
			if _, err := j.RunOnce(ctx); err != nil {
				obslog.L().Warn("reconcile_failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return errors.Wrap(err, "schedule reconcile")
	}
	sched.Start()
	j.sched = sched
	obslog.L().Info("reconcile_started", zap.Duration("interval", j.interval))
	return nil
}

func (j *Job) Stop() error {
	if j.sched == nil {
		return nil
	}
	return j.sched.Shutdown()
}
