package archive

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/park285/match-engine/internal/match"
)

const schema = `CREATE TABLE IF NOT EXISTS match_results (
    match_id        TEXT PRIMARY KEY,
    creator_id      TEXT NOT NULL,
    opponent_id     TEXT NOT NULL,
    mode            TEXT NOT NULL,
    league_id       TEXT NOT NULL DEFAULT '',
    points_to_win   INTEGER NOT NULL,
    official_rules  BOOLEAN NOT NULL DEFAULT FALSE,
    creator_score   INTEGER NOT NULL,
    opponent_score  INTEGER NOT NULL,
    winner_id       TEXT NOT NULL DEFAULT '',
    result          TEXT NOT NULL,
    disputes        INTEGER NOT NULL DEFAULT 0,
    started_at      TIMESTAMPTZ NOT NULL,
    completed_at    TIMESTAMPTZ NOT NULL,
    duration_ms     BIGINT NOT NULL DEFAULT 0
)`

const upsertResult = `INSERT INTO match_results (
    match_id, creator_id, opponent_id, mode, league_id, points_to_win, official_rules,
    creator_score, opponent_score, winner_id, result, disputes,
    started_at, completed_at, duration_ms
  ) VALUES (
    :match_id, :creator_id, :opponent_id, :mode, :league_id, :points_to_win, :official_rules,
    :creator_score, :opponent_score, :winner_id, :result, :disputes,
    :started_at, :completed_at, :duration_ms
  ) ON CONFLICT (match_id) DO UPDATE SET
    creator_score=EXCLUDED.creator_score,
    opponent_score=EXCLUDED.opponent_score,
    winner_id=EXCLUDED.winner_id,
    result=EXCLUDED.result,
    disputes=EXCLUDED.disputes,
    completed_at=EXCLUDED.completed_at,
    duration_ms=EXCLUDED.duration_ms`

// Result outcomes stored in match_results.result.
const (
	ResultCreator  = "creator"
	ResultOpponent = "opponent"
	ResultDraw     = "draw"
)

// Row is one archived completed match.
type Row struct {
	MatchID       string    `db:"match_id"`
	CreatorID     string    `db:"creator_id"`
	OpponentID    string    `db:"opponent_id"`
	Mode          string    `db:"mode"`
	LeagueID      string    `db:"league_id"`
	PointsToWin   int       `db:"points_to_win"`
	OfficialRules bool      `db:"official_rules"`
	CreatorScore  int       `db:"creator_score"`
	OpponentScore int       `db:"opponent_score"`
	WinnerID      string    `db:"winner_id"`
	Result        string    `db:"result"`
	Disputes      int       `db:"disputes"`
	StartedAt     time.Time `db:"started_at"`
	CompletedAt   time.Time `db:"completed_at"`
	DurationMS    int64     `db:"duration_ms"`
}

type Repository struct {
	db *sqlx.DB
}

// Open connects to DATABASE_URL.
func Open(ctx context.Context, databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect archive")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Repository{db: db}, nil
}

func NewRepository(db *sqlx.DB) *Repository { return &Repository{db: db} }

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// EnsureSchema creates match_results when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "ensure match_results")
}

// Save upserts the result of a completed match.
func (r *Repository) Save(ctx context.Context, m *match.Match) error {
	if r == nil || r.db == nil || m == nil {
		return nil
	}
	row, err := RowFromMatch(m)
	if err != nil {
		return err
	}
	if _, err := r.db.NamedExecContext(ctx, upsertResult, row); err != nil {
		return errors.Wrapf(err, "archive match %s", m.ID)
	}
	return nil
}

// Find returns the archived row for matchID, or nil.
func (r *Repository) Find(ctx context.Context, matchID string) (*Row, error) {
	var row Row
	err := r.db.GetContext(ctx, &row, `SELECT * FROM match_results WHERE match_id = $1`, strings.TrimSpace(matchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find archived match %s", matchID)
	}
	return &row, nil
}

// RowFromMatch flattens a completed match into its archive row.
func RowFromMatch(m *match.Match) (Row, error) {
	if m.Status != match.StatusCompleted || m.Scores == nil || m.CompletedAt == nil {
		return Row{}, errors.Wrapf(match.ErrInvalidState, "archive match %s in %s", m.ID, m.Status)
	}
	result := ResultDraw
	switch m.Winner {
	case "":
	case m.Creator:
		result = ResultCreator
	case m.Opponent:
		result = ResultOpponent
	}
	duration := m.CompletedAt.Sub(m.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	return Row{
		MatchID:       m.ID,
		CreatorID:     m.Creator,
		OpponentID:    m.Opponent,
		Mode:          m.Settings.Mode,
		LeagueID:      m.Settings.LeagueID,
		PointsToWin:   m.Settings.PointsToWin,
		OfficialRules: m.Settings.OfficialRules,
		CreatorScore:  m.Scores.Creator,
		OpponentScore: m.Scores.Opponent,
		WinnerID:      m.Winner,
		Result:        result,
		Disputes:      m.Disputes,
		StartedAt:     m.CreatedAt,
		CompletedAt:   *m.CompletedAt,
		DurationMS:    duration,
	}, nil
}
