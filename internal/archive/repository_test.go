package archive

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/match"
	"github.com/stretchr/testify/require"
)

func TestRowFromMatch(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	done := created.Add(90 * time.Second)
	m := &match.Match{
		ID:          "m1",
		Creator:     "alice",
		Opponent:    "bob",
		Status:      match.StatusCompleted,
		Settings:    match.Settings{Mode: "classic", PointsToWin: 100, LeagueID: "spring"},
		Scores:      &match.Scores{Creator: 80, Opponent: 100},
		Winner:      "bob",
		Disputes:    1,
		CreatedAt:   created,
		CompletedAt: &done,
	}
	row, err := RowFromMatch(m)
	require.NoError(t, err)
	require.Equal(t, ResultOpponent, row.Result)
	require.Equal(t, "spring", row.LeagueID)
	require.Equal(t, int64(90000), row.DurationMS)
	require.Equal(t, 1, row.Disputes)

	m.Winner = ""
	m.Scores = &match.Scores{Creator: 100, Opponent: 100}
	row, err = RowFromMatch(m)
	require.NoError(t, err)
	require.Equal(t, ResultDraw, row.Result)
}

func TestRowFromMatchRequiresCompletion(t *testing.T) {
	m := &match.Match{ID: "m1", Status: match.StatusWaitingConfirmation, Scores: &match.Scores{Creator: 100}}
	_, err := RowFromMatch(m)
	require.True(t, errors.Is(err, match.ErrInvalidState))
}

func TestNilRepositorySaveIsNoop(t *testing.T) {
	var r *Repository
	require.NoError(t, r.Save(t.Context(), &match.Match{ID: "m1"}))
	require.NoError(t, r.Close())
}
