package match

import (
	"strings"
	"time"
)

// Status represents a Match lifecycle state.
type Status string

const (
	StatusInvited             Status = "INVITED"
	StatusAccepted            Status = "ACCEPTED"
	StatusInProgress          Status = "IN_PROGRESS"
	StatusWaitingConfirmation Status = "WAITING_CONFIRMATION"
	StatusCompleted           Status = "COMPLETED"
	StatusRejected            Status = "REJECTED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusInvited,
	StatusAccepted,
	StatusInProgress,
	StatusWaitingConfirmation,
	StatusCompleted,
	StatusRejected,
}

// CommittedStatuses occupy a participant's active-match slot.
var CommittedStatuses = []Status{
	StatusAccepted,
	StatusInProgress,
	StatusWaitingConfirmation,
}

// Committed reports whether s counts toward the active-match invariant.
func (s Status) Committed() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusWaitingConfirmation
}

// Terminal reports whether s is immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// ParseStatus accepts either the stored form or a lower-case alias.
func ParseStatus(raw string) (Status, bool) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	v = strings.ReplaceAll(v, "-", "_")
	for _, s := range AllStatuses {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

// StartingPolicy decides who holds score authority first.
type StartingPolicy string

const (
	StartCreator  StartingPolicy = "creator"
	StartOpponent StartingPolicy = "opponent"
	StartRandom   StartingPolicy = "random"
)

// Settings are fixed at invitation time.
type Settings struct {
	Mode           string         `json:"mode" validate:"required,max=32"`
	PointsToWin    int            `json:"points_to_win" validate:"gt=0,lte=100000"`
	StartingPlayer StartingPolicy `json:"starting_player" validate:"required,oneof=creator opponent random"`
	OfficialRules  bool           `json:"official_rules"`
	LeagueID       string         `json:"league_id,omitempty" validate:"omitempty,max=64"`
}

// Scores are reported as (creator, opponent).
type Scores struct {
	Creator  int `json:"creator"`
	Opponent int `json:"opponent"`
}

// Match is the persisted state of one two-party match.
type Match struct {
	ID              string     `json:"id"`
	Creator         string     `json:"creator"`
	Opponent        string     `json:"opponent"`
	Status          Status     `json:"status"`
	Settings        Settings   `json:"settings"`
	ActivePlayer    string     `json:"active_player,omitempty"`
	Scores          *Scores    `json:"scores,omitempty"`
	Winner          string     `json:"winner,omitempty"`
	ConfirmedBy     string     `json:"confirmed_by,omitempty"`
	SubmittedBy     string     `json:"submitted_by,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	Disputes        int        `json:"disputes,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Participants returns creator and opponent in that order.
func (m *Match) Participants() []string {
	return []string{m.Creator, m.Opponent}
}

// HasParticipant reports whether id is creator or opponent.
func (m *Match) HasParticipant(id string) bool {
	return id != "" && (m.Creator == id || m.Opponent == id)
}

// Other returns the counterpart of id, or "" if id is not a participant.
func (m *Match) Other(id string) string {
	switch id {
	case m.Creator:
		return m.Opponent
	case m.Opponent:
		return m.Creator
	}
	return ""
}

// ScoreOf returns the submitted score for a participant.
func (m *Match) ScoreOf(id string) int {
	if m.Scores == nil {
		return 0
	}
	if id == m.Creator {
		return m.Scores.Creator
	}
	if id == m.Opponent {
		return m.Scores.Opponent
	}
	return 0
}

// IsDraw reports a completed or pending result without a winner.
func (m *Match) IsDraw() bool {
	return m.Scores != nil && m.Winner == ""
}

// Clone returns a deep copy so mutations never alias a stored document.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	c := *m
	if m.Scores != nil {
		s := *m.Scores
		c.Scores = &s
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
