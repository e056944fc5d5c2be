package store

import (
	"context"

	"github.com/park285/match-engine/internal/match"
)

// SlotView exposes the commitment slots of a match's participants as read
// inside the current optimistic transaction.
type SlotView interface {
	// Holder returns the id of the committed match occupying the slot of
	// participant, or "" when the slot is free or stale.
	Holder(participant string) string
}

// Change is the outcome of a Mutation. A nil Change (or nil Match) leaves
// the document untouched.
type Change struct {
	Match *match.Match
	// Claim assigns the participants' slots to Match.ID.
	Claim []string
	// Release frees the participants' slots if they still hold Match.ID.
	Release []string
}

// Mutation computes the next state of a match from the freshly read one.
// Returning an error aborts the write entirely.
type Mutation func(cur *match.Match, slots SlotView) (*Change, error)

// CreateCheck vets the participants' slots before an insert.
type CreateCheck func(slots SlotView) error

// Store persists Match documents with single-document atomic updates and
// participant commitment slots written in the same transaction.
type Store interface {
	Create(ctx context.Context, m *match.Match, check CreateCheck) error
	Get(ctx context.Context, id string) (*match.Match, error)
	Apply(ctx context.Context, id string, fn Mutation) (*match.Match, error)
	ListByParticipant(ctx context.Context, participant string, statuses ...match.Status) ([]*match.Match, error)
	ListByStatus(ctx context.Context, status match.Status) ([]*match.Match, error)
	CommittedMatchID(ctx context.Context, participant string) (string, error)
}
