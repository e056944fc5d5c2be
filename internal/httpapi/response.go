package httpapi

import (
	sonic "github.com/bytedance/sonic"
	"github.com/cockroachdb/errors"
	"github.com/park285/match-engine/internal/match"
	"github.com/valyala/fasthttp"
)

const contentTypeJSON = "application/json; charset=utf-8"

type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func statusFor(code string) int {
	switch code {
	case match.CodeNotFound:
		return fasthttp.StatusNotFound
	case match.CodeUnauthorized:
		return fasthttp.StatusForbidden
	case match.CodeInvalidState, match.CodeAlreadyCommitted, match.CodeCreatorCommitted, match.CodeConcurrentCommitment:
		return fasthttp.StatusConflict
	case match.CodeInvalidScore:
		return fasthttp.StatusUnprocessableEntity
	case match.CodeInvalidInput:
		return fasthttp.StatusBadRequest
	default:
		return fasthttp.StatusInternalServerError
	}
}

func writeJSON(rc *fasthttp.RequestCtx, status int, payload any) {
	raw, err := sonic.Marshal(payload)
	if err != nil {
		rc.Error(`{"error":{"status":500,"code":"internal","message":"encode failure"}}`, fasthttp.StatusInternalServerError)
		rc.SetContentType(contentTypeJSON)
		return
	}
	rc.SetStatusCode(status)
	rc.SetContentType(contentTypeJSON)
	rc.SetBody(raw)
}

func writeData(rc *fasthttp.RequestCtx, status int, data any) {
	writeJSON(rc, status, envelope{Data: data})
}

func (s *Server) writeError(rc *fasthttp.RequestCtx, err error) {
	code := match.Code(err)
	status := statusFor(code)
	body := &errorBody{
		Status:  status,
		Code:    code,
		Message: s.msgs.ErrorMessage(code, nil),
		Hint:    errors.FlattenHints(err),
	}
	if status != fasthttp.StatusInternalServerError {
		body.Detail = err.Error()
	}
	writeJSON(rc, status, envelope{Error: body})
}

func (s *Server) writeUnauthenticated(rc *fasthttp.RequestCtx) {
	writeJSON(rc, fasthttp.StatusUnauthorized, envelope{Error: &errorBody{
		Status:  fasthttp.StatusUnauthorized,
		Code:    "unauthenticated",
		Message: "missing " + HeaderUserID + " header",
	}})
}

func writeStatus(rc *fasthttp.RequestCtx, status int, code string) {
	writeJSON(rc, status, envelope{Error: &errorBody{
		Status:  status,
		Code:    code,
		Message: fasthttp.StatusMessage(status),
	}})
}
