package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/auditor"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// statusFor maps an engine error to its HTTP status and wire body.
func statusFor(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error(), Kind: KindInternal}

	var te *task.Error
	if errors.As(err, &te) {
		body.Kind = kindName(te.Kind)
		body.ID = te.ID
		body.Reason = te.Reason
		switch te.Kind {
		case task.ErrValidation, task.ErrCycleDetected, task.ErrUnknownDependency, task.ErrScopeTooLarge:
			return http.StatusUnprocessableEntity, body
		case task.ErrNotFound:
			return http.StatusNotFound, body
		default:
			return http.StatusConflict, body
		}
	}

	var ae *auditor.Error
	if errors.As(err, &ae) {
		body.Kind = auditorKindPrefix + string(ae.Kind)
		body.ID = ae.Auditor
		body.Reason = ae.Reason
		switch ae.Kind {
		case auditor.KindUnknownAuditor:
			return http.StatusNotFound, body
		case auditor.KindScopeRejected:
			return http.StatusUnprocessableEntity, body
		case auditor.KindTimeout:
			return http.StatusGatewayTimeout, body
		default:
			return http.StatusBadGateway, body
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, body
	}
	return http.StatusInternalServerError, body
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		kind := KindInternal
		if he.Code < http.StatusInternalServerError {
			kind = KindValidation
		}
		if he.Code == http.StatusNotFound {
			kind = KindNotFound
		}
		_ = c.JSON(he.Code, ErrorResponse{Error: msg, Kind: kind, Reason: msg})
		return
	}

	code, body := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Error(err),
		)
	}
	_ = c.JSON(code, body)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
