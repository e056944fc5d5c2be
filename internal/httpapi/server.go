package httpapi

import (
	"context"
	"strings"
	"time"

	"github.com/park285/match-engine/internal/lifecycle"
	"github.com/park285/match-engine/internal/msgcat"
	"github.com/park285/match-engine/internal/obslog"
	"github.com/park285/match-engine/internal/stats"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// HeaderUserID carries the authenticated actor id set by the identity
// gateway in front of this service.
const HeaderUserID = "X-User-Id"

// Ranking is the read side of the stats engine.
type Ranking interface {
	Stats(ctx context.Context, playerID string) (stats.UserStats, error)
	Leaderboard(ctx context.Context) ([]stats.RankingEntry, error)
}

type Server struct {
	ctl     *lifecycle.Controller
	ranking Ranking
	msgs    *msgcat.Catalog
	health  func(context.Context) error
	timeout time.Duration

	srv *fasthttp.Server
}

type Option func(*Server)

// WithHealth sets the dependency probe behind /healthz.
func WithHealth(fn func(context.Context) error) Option { return func(s *Server) { s.health = fn } }

// WithRequestTimeout bounds each request's store round-trips.
func WithRequestTimeout(d time.Duration) Option { return func(s *Server) { s.timeout = d } }

func New(ctl *lifecycle.Controller, ranking Ranking, msgs *msgcat.Catalog, opts ...Option) *Server {
	s := &Server{ctl: ctl, ranking: ranking, msgs: msgs, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	if s.msgs == nil {
		s.msgs = msgcat.MustDefault()
	}
	return s
}

// Handler returns the routed fasthttp handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(rc *fasthttp.RequestCtx) {
		started := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.route(ctx, rc)
		obslog.L().Debug("http_request",
			zap.String("method", string(rc.Method())),
			zap.String("path", string(rc.Path())),
			zap.Int("status", rc.Response.StatusCode()),
			zap.Duration("took", time.Since(started)),
		)
	}
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe(addr string, readTimeout, writeTimeout time.Duration) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "match-engine",
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	obslog.L().Info("http_listen", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) route(ctx context.Context, rc *fasthttp.RequestCtx) {
	parts := strings.Split(strings.Trim(string(rc.Path()), "/"), "/")
	get, post := rc.IsGet(), rc.IsPost()

	switch {
	case len(parts) == 1 && parts[0] == "healthz" && get:
		s.healthz(ctx, rc)
	case len(parts) == 1 && parts[0] == "leaderboard" && get:
		s.leaderboard(ctx, rc)
	case len(parts) == 1 && parts[0] == "matches" && post:
		s.createInvitation(ctx, rc)
	case len(parts) == 2 && parts[0] == "matches" && get:
		s.getMatch(ctx, rc, parts[1])
	case len(parts) == 3 && parts[0] == "matches" && post:
		s.transition(ctx, rc, parts[1], parts[2])
	case len(parts) == 3 && parts[0] == "participants" && parts[2] == "matches" && get:
		s.listMatches(ctx, rc, parts[1])
	case len(parts) == 3 && parts[0] == "participants" && parts[2] == "active" && get:
		s.activeMatch(ctx, rc, parts[1])
	case len(parts) == 3 && parts[0] == "players" && parts[2] == "stats" && get:
		s.playerStats(ctx, rc, parts[1])
	case knownPath(parts):
		writeStatus(rc, fasthttp.StatusMethodNotAllowed, "method_not_allowed")
	default:
		writeStatus(rc, fasthttp.StatusNotFound, "route_not_found")
	}
}

func knownPath(parts []string) bool {
	switch parts[0] {
	case "healthz", "leaderboard":
		return len(parts) == 1
	case "matches":
		return len(parts) <= 3
	case "participants", "players":
		return len(parts) == 3
	}
	return false
}

func actor(rc *fasthttp.RequestCtx) string {
	return strings.TrimSpace(string(rc.Request.Header.Peek(HeaderUserID)))
}
