package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

const maxCheckpointPage = 1000

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Session: s.engine.Session().ID}
	if s.telemetry != nil {
		h := s.telemetry.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSession(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Session())
}

// handleListTasks accepts comma separated status, priority and id filters.
func (s *Server) handleListTasks(c echo.Context) error {
	var f graph.Filter
	for _, v := range splitList(c.QueryParam("status")) {
		st, err := task.ParseStatus(v)
		if err != nil {
			return badRequest(err.Error())
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, v := range splitList(c.QueryParam("priority")) {
		p, err := task.ParsePriority(v)
		if err != nil {
			return badRequest(err.Error())
		}
		f.Priorities = append(f.Priorities, p)
	}
	f.IDs = splitList(c.QueryParam("id"))
	f.Tag = c.QueryParam("tag")

	tasks, err := s.engine.ListTasks(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(tasks))
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var t task.Task
	if err := c.Bind(&t); err != nil {
		return badRequest("invalid task body")
	}
	if t.Version != 0 {
		return badRequest("version must be omitted when creating a task")
	}
	saved, err := s.engine.Submit(c.Request().Context(), &t)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, saved)
}

func (s *Server) handleGetTask(c echo.Context) error {
	t, err := s.engine.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleUpdateTask(c echo.Context) error {
	var t task.Task
	if err := c.Bind(&t); err != nil {
		return badRequest("invalid task body")
	}
	if t.ID != "" && t.ID != c.Param("id") {
		return badRequest("task id does not match the path")
	}
	if t.Version <= 0 {
		return badRequest("version is required when updating a task")
	}
	t.ID = c.Param("id")
	saved, err := s.engine.Submit(c.Request().Context(), &t)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, saved)
}

func (s *Server) handleStart(c echo.Context) error {
	var body StartBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid start body")
	}
	t, err := s.engine.Start(c.Request().Context(), orchestrator.StartRequest{
		ID:          c.Param("id"),
		Owner:       body.Owner,
		Deliverable: body.Deliverable,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

// handleVerify answers 200 for both verdicts; the verdict is in the body.
func (s *Server) handleVerify(c echo.Context) error {
	var body VerifyBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid verify body")
	}
	res, err := s.engine.Verify(c.Request().Context(), orchestrator.VerifyRequest{
		ID:       c.Param("id"),
		Owner:    body.Owner,
		Evidence: body.Evidence,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type transitionFunc func(context.Context, orchestrator.TransitionRequest) (*task.Task, error)

func (s *Server) handleTransition(fn transitionFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body TransitionBody
		if err := c.Bind(&body); err != nil {
			return badRequest("invalid transition body")
		}
		t, err := fn(c.Request().Context(), orchestrator.TransitionRequest{
			ID:     c.Param("id"),
			Owner:  body.Owner,
			Reason: body.Reason,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, t)
	}
}

func (s *Server) handleAddNote(c echo.Context) error {
	var body NoteBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid note body")
	}
	t, err := s.engine.AddNote(c.Request().Context(), c.Param("id"), body.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

// handleLease answers 204 when nothing is ready.
func (s *Server) handleLease(c echo.Context) error {
	var body LeaseBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid lease body")
	}
	if strings.TrimSpace(body.Owner) == "" {
		return badRequest("owner is required")
	}
	t, err := s.engine.Lease(c.Request().Context(), body.Owner)
	if err != nil {
		return err
	}
	if t == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleNext(c echo.Context) error {
	t, err := s.engine.NextReady(c.Request().Context())
	if err != nil {
		return err
	}
	if t == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleReady(c echo.Context) error {
	tasks, err := s.engine.Ready(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(tasks))
}

func (s *Server) handleAudit(c echo.Context) error {
	var req orchestrator.AuditRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid audit body")
	}
	res, err := s.engine.Audit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleCheckpoints(c echo.Context) error {
	after, err := intParam(c, "after", 0)
	if err != nil {
		return err
	}
	limit, err := intParam(c, "limit", 100)
	if err != nil {
		return err
	}
	if limit <= 0 || limit > maxCheckpointPage {
		return badRequest("limit must be between 1 and " + strconv.Itoa(maxCheckpointPage))
	}
	cps, err := s.engine.Checkpoints(c.Request().Context(), int64(after), limit)
	if err != nil {
		return err
	}
	if cps == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, cps)
}

// handleLatest answers 204 when the ledger is empty.
func (s *Server) handleLatest(c echo.Context) error {
	cp, err := s.engine.Latest(c.Request().Context())
	if err != nil {
		return err
	}
	if cp == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, cp)
}

func (s *Server) handleSnapshot(c echo.Context) error {
	snap, err := s.engine.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

// handleResume reports a discontinuity in the body, not as an error status.
func (s *Server) handleResume(c echo.Context) error {
	var body ResumeBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid resume body")
	}
	rec, err := s.engine.Resume(c.Request().Context(), body.Expected)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleListDecisions(c echo.Context) error {
	status := task.DecisionStatus(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return badRequest("unknown decision status " + strconv.Quote(string(status)))
	}
	ds, err := s.engine.ListDecisions(c.Request().Context(), status)
	if err != nil {
		return err
	}
	if ds == nil {
		ds = []*task.Decision{}
	}
	return c.JSON(http.StatusOK, ds)
}

func (s *Server) handleProposeDecision(c echo.Context) error {
	var d task.Decision
	if err := c.Bind(&d); err != nil {
		return badRequest("invalid decision body")
	}
	saved, err := s.engine.ProposeDecision(c.Request().Context(), &d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, saved)
}

func (s *Server) handleGetDecision(c echo.Context) error {
	d, err := s.engine.GetDecision(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleEditDecision(c echo.Context) error {
	var d task.Decision
	if err := c.Bind(&d); err != nil {
		return badRequest("invalid decision body")
	}
	if d.ID != "" && d.ID != c.Param("id") {
		return badRequest("decision id does not match the path")
	}
	d.ID = c.Param("id")
	saved, err := s.engine.EditDecision(c.Request().Context(), &d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, saved)
}

type decideFunc func(context.Context, orchestrator.DecideRequest) (*task.Decision, error)

func (s *Server) handleDecide(fn decideFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body DecideBody
		if err := c.Bind(&body); err != nil {
			return badRequest("invalid decision body")
		}
		d, err := fn(c.Request().Context(), orchestrator.DecideRequest{
			ID:        c.Param("id"),
			By:        body.By,
			Reasoning: body.Reasoning,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, d)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

func nonNil(tasks []*task.Task) []*task.Task {
	if tasks == nil {
		return []*task.Task{}
	}
	return tasks
}
