package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/match"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func invited(id, creator, opponent string) *match.Match {
	now := time.Now().UTC()
	return &match.Match{
		ID:        id,
		Creator:   creator,
		Opponent:  opponent,
		Status:    match.StatusInvited,
		Settings:  match.Settings{Mode: "singles", PointsToWin: 10, StartingPlayer: match.StartCreator},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func accept(cur *match.Match, _ SlotView) (*Change, error) {
	cur.Status = match.StatusAccepted
	return &Change{Match: cur, Claim: cur.Participants()}, nil
}

func TestCreateGetAndIndexes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, invited("m1", "u1", "u2"), nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Creator != "u1" || got.Status != match.StatusInvited {
		t.Fatalf("unexpected match: %+v", got)
	}
	if err := s.Create(ctx, invited("m1", "u1", "u2"), nil); err == nil {
		t.Fatalf("duplicate create should fail")
	}

	list, err := s.ListByParticipant(ctx, "u2", match.StatusInvited)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByParticipant: %v len=%d", err, len(list))
	}
	byStatus, err := s.ListByStatus(ctx, match.StatusInvited)
	if err != nil || len(byStatus) != 1 {
		t.Fatalf("ListByStatus: %v len=%d", err, len(byStatus))
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyMovesIndexesAndClaimsSlots(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, invited("m1", "u1", "u2"), nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	m, err := s.Apply(ctx, "m1", accept)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m.Version != 1 || m.Status != match.StatusAccepted {
		t.Fatalf("unexpected after apply: %+v", m)
	}
	for _, p := range []string{"u1", "u2"} {
		id, err := s.CommittedMatchID(ctx, p)
		if err != nil || id != "m1" {
			t.Fatalf("slot %s = %q (%v)", p, id, err)
		}
	}
	if l, _ := s.ListByStatus(ctx, match.StatusInvited); len(l) != 0 {
		t.Fatalf("invited index should be empty, got %d", len(l))
	}
	if l, _ := s.ListByParticipant(ctx, "u1", match.CommittedStatuses...); len(l) != 1 {
		t.Fatalf("committed index should hold m1, got %d", len(l))
	}

	_, err = s.Apply(ctx, "m1", func(cur *match.Match, slots SlotView) (*Change, error) {
		if slots.Holder("u1") != "m1" {
			t.Fatalf("holder = %q", slots.Holder("u1"))
		}
		cur.Status = match.StatusCompleted
		return &Change{Match: cur, Release: cur.Participants()}, nil
	})
	if err != nil {
		t.Fatalf("Apply release: %v", err)
	}
	if id, _ := s.CommittedMatchID(ctx, "u1"); id != "" {
		t.Fatalf("slot should be released, got %q", id)
	}
}

func TestApplyErrorLeavesDocumentUnchanged(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, invited("m1", "u1", "u2"), nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	boom := errors.New("boom")
	_, err := s.Apply(ctx, "m1", func(cur *match.Match, _ SlotView) (*Change, error) {
		cur.Status = match.StatusRejected
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := s.Get(ctx, "m1")
	if got.Status != match.StatusInvited || got.Version != 0 {
		t.Fatalf("document mutated on failed apply: %+v", got)
	}
}

func TestApplyDetectsConcurrentSlotWrite(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, invited("m1", "u1", "u2"), nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Apply(ctx, "m1", func(cur *match.Match, _ SlotView) (*Change, error) {
		// another writer claims u2 between read and EXEC
		if err := mr.Set(keySlot("u2"), "other"); err != nil {
			t.Fatalf("mr.Set: %v", err)
		}
		cur.Status = match.StatusAccepted
		return &Change{Match: cur, Claim: cur.Participants()}, nil
	})
	if !errors.Is(err, match.ErrConcurrentCommitment) {
		t.Fatalf("expected ErrConcurrentCommitment, got %v", err)
	}
	got, _ := s.Get(ctx, "m1")
	if got.Status != match.StatusInvited {
		t.Fatalf("aborted transaction must not write, got %s", got.Status)
	}
}

func TestStaleSlotIsIgnored(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, invited("m1", "u1", "u2"), nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// slot pointing at an invitation (never committed) is stale
	if err := mr.Set(keySlot("u1"), "m1"); err != nil {
		t.Fatalf("mr.Set: %v", err)
	}
	err := s.Create(ctx, invited("m2", "u1", "u3"), func(v SlotView) error {
		if h := v.Holder("u1"); h != "" {
			t.Fatalf("stale holder reported: %q", h)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Create m2: %v", err)
	}
}
