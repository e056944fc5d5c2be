package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/match"
	"github.com/park285/match-engine/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps each match as a JSON document plus index sets and one
// commitment slot per participant.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client. Documents do not expire.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Dial connects to REDIS_URL and verifies the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, errors.New("REDIS_URL required for match store")
	}
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, errors.Wrap(err, "parse REDIS_URL")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return rdb, nil
}

func keyMatch(id string) string { return "match:" + strings.TrimSpace(id) }
func keySlot(participant string) string { return "match:commit:" + strings.TrimSpace(participant) }
func keyStatusIdx(s match.Status) string { return "match:idx:status:" + string(s) }
func keyUserIdx(participant string) string {
	return "match:idx:participant:" + strings.TrimSpace(participant)
}
func keyUserStatusIdx(participant string, s match.Status) string {
	return keyUserIdx(participant) + ":" + string(s)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// slotView is the per-transaction snapshot of participants' slots.
type slotView struct {
	raw     map[string]string
	holders map[string]string
}

func (v *slotView) Holder(participant string) string { return v.holders[participant] }

// readSlots loads slots for participants and drops holders whose match is no
// longer committed.
func readSlots(ctx context.Context, c getter, participants []string) (*slotView, error) {
	v := &slotView{raw: map[string]string{}, holders: map[string]string{}}
	for _, p := range participants {
		if p == "" {
			continue
		}
		id, err := c.Get(ctx, keySlot(p)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read slot %s", p)
		}
		v.raw[p] = id
		held, err := loadMatch(ctx, c, id)
		if err != nil {
			return nil, err
		}
		if held == nil || !held.Status.Committed() || !held.HasParticipant(p) {
			obslog.L().Warn("match_slot_stale", zap.String("participant", p), zap.String("match_id", id))
			continue
		}
		v.holders[p] = id
	}
	return v, nil
}

func loadMatch(ctx context.Context, c getter, id string) (*match.Match, error) {
	raw, err := c.Get(ctx, keyMatch(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get match %s", id)
	}
	var m match.Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "decode match %s", id)
	}
	return &m, nil
}

// Create inserts m in its initial status after check approves the slots.
func (s *RedisStore) Create(ctx context.Context, m *match.Match, check CreateCheck) error {
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return errors.Wrap(match.ErrInvalidInput, "match id required")
	}
	docKey := keyMatch(m.ID)
	watched := []string{docKey, keySlot(m.Creator), keySlot(m.Opponent)}
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, docKey).Result()
		if err != nil {
			return errors.Wrap(err, "exists")
		}
		if n > 0 {
			return errors.Newf("match %s already exists", m.ID)
		}
		view, err := readSlots(ctx, tx, m.Participants())
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(view); err != nil {
				return err
			}
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return errors.Wrap(err, "encode match")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, raw, 0)
			pipe.SAdd(ctx, keyStatusIdx(m.Status), m.ID)
			for _, p := range m.Participants() {
				pipe.SAdd(ctx, keyUserIdx(p), m.ID)
				pipe.SAdd(ctx, keyUserStatusIdx(p, m.Status), m.ID)
			}
			return nil
		})
		return err
	}, watched...)
	if errors.Is(err, redis.TxFailedErr) {
		return errors.Wrapf(match.ErrConcurrentCommitment, "create match %s", m.ID)
	}
	return err
}

// Get returns ErrNotFound when the document is absent.
func (s *RedisStore) Get(ctx context.Context, id string) (*match.Match, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.Wrap(match.ErrInvalidInput, "match id required")
	}
	m, err := loadMatch(ctx, s.rdb, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.Wrapf(match.ErrNotFound, "match %s", id)
	}
	return m, nil
}

// Apply runs fn against the current document under WATCH on the document and
// both participants' slots. Any concurrent write to those keys aborts with
// ErrConcurrentCommitment.
func (s *RedisStore) Apply(ctx context.Context, id string, fn Mutation) (*match.Match, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.Wrap(match.ErrInvalidInput, "match id required")
	}
	docKey := keyMatch(id)
	var out *match.Match
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := loadMatch(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return errors.Wrapf(match.ErrNotFound, "match %s", id)
		}
		// 슬롯 키도 WATCH: 다른 매치의 동시 점유를 감지
		if err := tx.Watch(ctx, keySlot(cur.Creator), keySlot(cur.Opponent)).Err(); err != nil {
			return errors.Wrap(err, "watch slots")
		}
		view, err := readSlots(ctx, tx, cur.Participants())
		if err != nil {
			return err
		}
		change, err := fn(cur.Clone(), view)
		if err != nil {
			return err
		}
		if change == nil || change.Match == nil {
			out = cur
			return nil
		}
		next := change.Match
		next.ID = cur.ID
		next.Version = cur.Version + 1
		raw, err := json.Marshal(next)
		if err != nil {
			return errors.Wrap(err, "encode match")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, raw, 0)
			if cur.Status != next.Status {
				pipe.SMove(ctx, keyStatusIdx(cur.Status), keyStatusIdx(next.Status), id)
				for _, p := range cur.Participants() {
					pipe.SMove(ctx, keyUserStatusIdx(p, cur.Status), keyUserStatusIdx(p, next.Status), id)
				}
			}
			for _, p := range change.Claim {
				pipe.Set(ctx, keySlot(p), id, 0)
			}
			for _, p := range change.Release {
				if view.raw[p] == id {
					pipe.Del(ctx, keySlot(p))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}, docKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, errors.Wrapf(match.ErrConcurrentCommitment, "match %s", id)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByParticipant returns the participant's matches, newest update first.
// With no statuses every match is returned.
func (s *RedisStore) ListByParticipant(ctx context.Context, participant string, statuses ...match.Status) ([]*match.Match, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return nil, nil
	}
	var ids []string
	var err error
	if len(statuses) == 0 {
		ids, err = s.rdb.SMembers(ctx, keyUserIdx(participant)).Result()
	} else {
		keys := make([]string, 0, len(statuses))
		for _, st := range statuses {
			keys = append(keys, keyUserStatusIdx(participant, st))
		}
		ids, err = s.rdb.SUnion(ctx, keys...).Result()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list matches of %s", participant)
	}
	return s.loadMany(ctx, ids)
}

// ListByStatus returns every match currently in status.
func (s *RedisStore) ListByStatus(ctx context.Context, status match.Status) ([]*match.Match, error) {
	ids, err := s.rdb.SMembers(ctx, keyStatusIdx(status)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list matches in %s", status)
	}
	return s.loadMany(ctx, ids)
}

// CommittedMatchID returns the raw slot value, "" when empty.
func (s *RedisStore) CommittedMatchID(ctx context.Context, participant string) (string, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return "", nil
	}
	id, err := s.rdb.Get(ctx, keySlot(participant)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "read slot %s", participant)
	}
	return id, nil
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]*match.Match, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyMatch(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "mget matches")
	}
	out := make([]*match.Match, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var m match.Match
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			obslog.L().Warn("match_decode_error", zap.String("match_id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
