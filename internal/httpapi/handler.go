package httpapi

import (
	"context"
	"strings"

	sonic "github.com/bytedance/sonic"
	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/match"
	"github.com/park285/match-engine/internal/stats"
	"github.com/valyala/fasthttp"
)

type createRequest struct {
	Opponent string         `json:"opponent" validate:"required,max=64"`
	Settings match.Settings `json:"settings" validate:"-"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=280"`
}

type scoreRequest struct {
	CreatorScore  *int `json:"creator_score" validate:"required"`
	OpponentScore *int `json:"opponent_score" validate:"required"`
}

type confirmRequest struct {
	Accepted *bool `json:"accepted" validate:"required"`
}

type matchView struct {
	*match.Match
	Message string `json:"message,omitempty"`
}

type settleView struct {
	MatchID string `json:"match_id"`
	Applied bool   `json:"applied"`
}

// decode reads an optional JSON body into dst and validates it.
func decode(rc *fasthttp.RequestCtx, dst any) error {
	if body := rc.PostBody(); len(body) > 0 {
		if err := sonic.Unmarshal(body, dst); err != nil {
			return errors.Wrapf(match.ErrInvalidInput, "malformed body: %v", err)
		}
	}
	if err := match.Validator().Struct(dst); err != nil {
		return errors.Wrapf(match.ErrInvalidInput, "%v", err)
	}
	return nil
}

func (s *Server) view(m *match.Match) matchView {
	v := matchView{Match: m}
	var key string
	data := map[string]any{
		"Creator":      m.Creator,
		"Opponent":     m.Opponent,
		"Mode":         m.Settings.Mode,
		"ActivePlayer": m.ActivePlayer,
		"Winner":       m.Winner,
	}
	if m.Scores != nil {
		data["CreatorScore"] = m.Scores.Creator
		data["OpponentScore"] = m.Scores.Opponent
	}
	switch m.Status {
	case match.StatusInvited:
		key = "match.invited"
	case match.StatusAccepted:
		key = "match.accepted"
	case match.StatusRejected:
		key = "match.rejected"
	case match.StatusCompleted:
		key = "match.completed_win"
		if m.Winner == "" {
			key = "match.completed_draw"
		}
	default:
		return v
	}
	if msg, err := s.msgs.Render(key, data); err == nil {
		v.Message = msg
	}
	return v
}

func (s *Server) healthz(ctx context.Context, rc *fasthttp.RequestCtx) {
	if s.health != nil {
		if err := s.health(ctx); err != nil {
			writeJSON(rc, fasthttp.StatusServiceUnavailable, envelope{Error: &errorBody{
				Status:  fasthttp.StatusServiceUnavailable,
				Code:    "unavailable",
				Message: err.Error(),
			}})
			return
		}
	}
	writeData(rc, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createInvitation(ctx context.Context, rc *fasthttp.RequestCtx) {
	user := actor(rc)
	if user == "" {
		s.writeUnauthenticated(rc)
		return
	}
	var req createRequest
	if err := decode(rc, &req); err != nil {
		s.writeError(rc, err)
		return
	}
	m, err := s.ctl.CreateInvitation(ctx, user, req.Opponent, req.Settings)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	writeData(rc, fasthttp.StatusCreated, s.view(m))
}

func (s *Server) getMatch(ctx context.Context, rc *fasthttp.RequestCtx, id string) {
	m, err := s.ctl.Get(ctx, id)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	writeData(rc, fasthttp.StatusOK, s.view(m))
}

func (s *Server) transition(ctx context.Context, rc *fasthttp.RequestCtx, id, action string) {
	user := actor(rc)
	if user == "" {
		s.writeUnauthenticated(rc)
		return
	}
	if action == "settle" {
		applied, err := s.ctl.SettleCompleted(ctx, id)
		if err != nil {
			s.writeError(rc, err)
			return
		}
		writeData(rc, fasthttp.StatusOK, settleView{MatchID: id, Applied: applied})
		return
	}
	var (
		m   *match.Match
		err error
	)
	switch action {
	case "accept":
		m, err = s.ctl.Accept(ctx, id, user)
	case "reject":
		var req rejectRequest
		if err = decode(rc, &req); err == nil {
			m, err = s.ctl.Reject(ctx, id, user, req.Reason)
		}
	case "start":
		m, err = s.ctl.Start(ctx, id, user)
	case "score":
		var req scoreRequest
		if err = decode(rc, &req); err == nil {
			m, err = s.ctl.SubmitScore(ctx, id, user, *req.CreatorScore, *req.OpponentScore)
		}
	case "confirm":
		var req confirmRequest
		if err = decode(rc, &req); err == nil {
			m, err = s.ctl.ConfirmResult(ctx, id, user, *req.Accepted)
		}
	default:
		writeStatus(rc, fasthttp.StatusNotFound, "route_not_found")
		return
	}
	if err != nil {
		s.writeError(rc, err)
		return
	}
	writeData(rc, fasthttp.StatusOK, s.view(m))
}

func (s *Server) listMatches(ctx context.Context, rc *fasthttp.RequestCtx, participant string) {
	var statuses []match.Status
	if raw := strings.TrimSpace(string(rc.QueryArgs().Peek("status"))); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := match.ParseStatus(part)
			if !ok {
				s.writeError(rc, errors.Wrapf(match.ErrInvalidInput, "unknown status %q", part))
				return
			}
			statuses = append(statuses, st)
		}
	}
	list, err := s.ctl.ListForParticipant(ctx, participant, statuses...)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	out := make([]matchView, 0, len(list))
	for _, m := range list {
		out = append(out, s.view(m))
	}
	writeData(rc, fasthttp.StatusOK, out)
}

func (s *Server) activeMatch(ctx context.Context, rc *fasthttp.RequestCtx, participant string) {
	m, err := s.ctl.ActiveMatch(ctx, participant)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	if m == nil {
		writeData(rc, fasthttp.StatusOK, map[string]any{"active": false})
		return
	}
	writeData(rc, fasthttp.StatusOK, map[string]any{"active": true, "match": s.view(m)})
}

func (s *Server) playerStats(ctx context.Context, rc *fasthttp.RequestCtx, playerID string) {
	st, err := s.ranking.Stats(ctx, playerID)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	writeData(rc, fasthttp.StatusOK, struct {
		stats.UserStats
		WinRate float64 `json:"win_rate"`
	}{st, st.WinRate()})
}

func (s *Server) leaderboard(ctx context.Context, rc *fasthttp.RequestCtx) {
	board, err := s.ranking.Leaderboard(ctx)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	if board == nil {
		board = []stats.RankingEntry{}
	}
	writeData(rc, fasthttp.StatusOK, board)
}
