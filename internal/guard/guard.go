package guard

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/match"
	"github.com/park285/match-engine/internal/obslog"
	"github.com/park285/match-engine/internal/store"
	"go.uber.org/zap"
)

// ResolveHint is attached to AlreadyCommitted failures for the acting user.
const ResolveHint = "finish, confirm, or dispute your current match before starting another"

// Guard answers whether a participant is committed to a match. Enforcement
// happens inside the store transaction through the participant slot; the
// guard's reads are advisory and used for fast failure and audits.
type Guard struct {
	store store.Store
}

func New(s store.Store) *Guard { return &Guard{store: s} }

// CommittedMatch returns the participant's committed match or nil. The slot
// is consulted first; the (participant, status) index is the fallback.
func (g *Guard) CommittedMatch(ctx context.Context, participant string) (*match.Match, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return nil, nil
	}
	id, err := g.store.CommittedMatchID(ctx, participant)
	if err != nil {
		return nil, err
	}
	if id != "" {
		m, err := g.store.Get(ctx, id)
		if err != nil && !errors.Is(err, match.ErrNotFound) {
			return nil, err
		}
		if m != nil && m.Status.Committed() && m.HasParticipant(participant) {
			return m, nil
		}
	}
	list, err := g.store.ListByParticipant(ctx, participant, match.CommittedStatuses...)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	obslog.L().Warn("match_slot_missing", zap.String("participant", participant), zap.String("match_id", list[0].ID))
	return list[0], nil
}

// IsCommitted reports whether participant occupies a committed match.
func (g *Guard) IsCommitted(ctx context.Context, participant string) (bool, error) {
	m, err := g.CommittedMatch(ctx, participant)
	if err != nil {
		return false, err
	}
	return m != nil, nil
}

// CountCommitted counts committed matches through the index. The invariant
// holds while this is at most one for every participant.
func (g *Guard) CountCommitted(ctx context.Context, participant string) (int, error) {
	list, err := g.store.ListByParticipant(ctx, participant, match.CommittedStatuses...)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// RequireFree builds a create check failing with ErrAlreadyCommitted when any
// of participants holds a slot.
func RequireFree(participants ...string) store.CreateCheck {
	return func(slots store.SlotView) error {
		for _, p := range participants {
			if held := slots.Holder(p); held != "" {
				return Committed(p, held)
			}
		}
		return nil
	}
}

// Committed builds the AlreadyCommitted error for participant.
func Committed(participant, heldMatchID string) error {
	err := errors.Wrapf(match.ErrAlreadyCommitted, "participant %s is committed to match %s", participant, heldMatchID)
	return errors.WithHint(err, ResolveHint)
}

// Busy reports whether participant's slot is held by a match other than self.
func Busy(slots store.SlotView, participant, self string) (string, bool) {
	held := slots.Holder(participant)
	return held, held != "" && held != self
}
