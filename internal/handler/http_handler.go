package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

// UserHeader carries the acting user. Authentication happens upstream.
const UserHeader = "X-User-ID"

// HTTPHandler exposes the workflow operations over HTTP.
type HTTPHandler struct {
	engine      *service.WorkflowEngine
	approvals   *service.ApprovalCoordinator
	triggers    *service.TriggerRegistry
	permissions service.PermissionChecker
	metrics     http.Handler
	ping        func(ctx context.Context) error
	log         *logger.Logger
}

// Services groups the dependencies of the HTTP handler.
type Services struct {
	Engine      *service.WorkflowEngine
	Approvals   *service.ApprovalCoordinator
	Triggers    *service.TriggerRegistry
	Permissions service.PermissionChecker
	// Metrics serves /metrics; nil disables the endpoint.
	Metrics http.Handler
	// Ping reports storage health; nil means always healthy.
	Ping func(ctx context.Context) error
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc Services, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:      svc.Engine,
		approvals:   svc.Approvals,
		triggers:    svc.Triggers,
		permissions: svc.Permissions,
		metrics:     svc.Metrics,
		ping:        svc.Ping,
		log:         log.Component("http_handler"),
	}
}

// Register mounts every route on e.
func (h *HTTPHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics))
	}

	api := e.Group("/api/v1")
	api.POST("/definitions", h.PublishDefinition)
	api.GET("/definitions/:id", h.GetDefinition)

	api.POST("/executions", h.StartExecution)
	api.GET("/executions/:id", h.GetExecution)
	api.POST("/executions/:id/advance", h.AdvanceExecution)
	api.POST("/executions/:id/cancel", h.CancelExecution)
	api.GET("/executions/:id/history", h.GetHistory)

	api.GET("/approvals", h.ListApprovals)
	api.GET("/approvals/statistics", h.GetStatistics)
	api.POST("/approvals/:id/respond", h.RespondToApproval)
	api.POST("/approvals/:id/delegate", h.DelegateApproval)

	api.GET("/triggers", h.ListTriggers)
	api.POST("/triggers", h.RegisterTrigger)
	api.PATCH("/triggers/:id", h.UpdateTrigger)
	api.DELETE("/triggers/:id", h.DeleteTrigger)
	api.POST("/events/:kind", h.DispatchEvent)
	api.POST("/webhooks/:id", h.HandleWebhook)
}

// Health handles GET /health
func (h *HTTPHandler) Health(c echo.Context) error {
	if h.ping != nil {
		if err := h.ping(c.Request().Context()); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ── definitions ──────────────────────────────────────────────────────────────

// PublishDefinition handles POST /api/v1/definitions
func (h *HTTPHandler) PublishDefinition(c echo.Context) error {
	var def repository.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return badRequest(err)
	}
	published, err := h.engine.PublishDefinition(c.Request().Context(), &def, actingUser(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, published)
}

// GetDefinition handles GET /api/v1/definitions/:id?version=N
func (h *HTTPHandler) GetDefinition(c echo.Context) error {
	version := 0
	if v := c.QueryParam("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(errors.InvalidInput("version", "must be a non-negative integer"))
		}
		version = n
	}
	def, err := h.engine.GetDefinition(c.Request().Context(), c.Param("id"), version)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// ── executions ───────────────────────────────────────────────────────────────

// StartExecution handles POST /api/v1/executions
func (h *HTTPHandler) StartExecution(c echo.Context) error {
	var req service.StartRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	req.StartedBy = actingUser(c)
	req.TriggerID = ""

	exec, err := h.engine.Start(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, exec)
}

// GetExecution handles GET /api/v1/executions/:id
func (h *HTTPHandler) GetExecution(c echo.Context) error {
	view, err := h.engine.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// AdvanceExecution handles POST /api/v1/executions/:id/advance
func (h *HTTPHandler) AdvanceExecution(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.authorizeExecution(c, id); err != nil {
		return err
	}
	if err := h.engine.Advance(ctx, id); err != nil {
		return h.fail(c, err)
	}
	view, err := h.engine.GetStatus(ctx, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelExecution handles POST /api/v1/executions/:id/cancel
func (h *HTTPHandler) CancelExecution(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	id := c.Param("id")
	if err := h.authorizeExecution(c, id); err != nil {
		return err
	}
	if err := h.engine.Cancel(c.Request().Context(), id, req.Reason, actingUser(c)); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetHistory handles GET /api/v1/executions/:id/history
func (h *HTTPHandler) GetHistory(c echo.Context) error {
	history, err := h.approvals.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

// ── approvals ────────────────────────────────────────────────────────────────

// ListApprovals handles GET /api/v1/approvals?user=
func (h *HTTPHandler) ListApprovals(c echo.Context) error {
	user := c.QueryParam("user")
	if user == "" {
		user = c.Request().Header.Get(UserHeader)
	}
	requests, err := h.approvals.ListPendingForUser(c.Request().Context(), user)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, requests)
}

// GetStatistics handles GET /api/v1/approvals/statistics
func (h *HTTPHandler) GetStatistics(c echo.Context) error {
	stats, err := h.approvals.Statistics(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

type respondRequest struct {
	Decision repository.ApprovalStatus `json:"decision"`
	Comment  string                    `json:"comment,omitempty"`
}

// RespondToApproval handles POST /api/v1/approvals/:id/respond
func (h *HTTPHandler) RespondToApproval(c echo.Context) error {
	var req respondRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	approval, err := h.authorizeDecision(c, c.Param("id"))
	if err != nil {
		return err
	}
	result, err := h.approvals.RecordResponse(c.Request().Context(), approval.ID, req.Decision, actingUser(c), req.Comment)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type delegateRequest struct {
	ToUser string `json:"to_user"`
}

// DelegateApproval handles POST /api/v1/approvals/:id/delegate
func (h *HTTPHandler) DelegateApproval(c echo.Context) error {
	var req delegateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	approval, err := h.authorizeDecision(c, c.Param("id"))
	if err != nil {
		return err
	}
	delegated, err := h.approvals.Delegate(c.Request().Context(), approval.ID, req.ToUser, actingUser(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, delegated)
}

// ── triggers and events ──────────────────────────────────────────────────────

// ListTriggers handles GET /api/v1/triggers
func (h *HTTPHandler) ListTriggers(c echo.Context) error {
	triggers, err := h.triggers.List(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	if triggers == nil {
		triggers = []*repository.Trigger{}
	}
	return c.JSON(http.StatusOK, triggers)
}

// RegisterTrigger handles POST /api/v1/triggers
func (h *HTTPHandler) RegisterTrigger(c echo.Context) error {
	var trigger repository.Trigger
	if err := c.Bind(&trigger); err != nil {
		return badRequest(err)
	}
	registered, err := h.triggers.Register(c.Request().Context(), &trigger)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, registered)
}

type updateTriggerRequest struct {
	Enabled *bool `json:"enabled"`
}

// UpdateTrigger handles PATCH /api/v1/triggers/:id
func (h *HTTPHandler) UpdateTrigger(c echo.Context) error {
	var req updateTriggerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	if req.Enabled == nil {
		return badRequest(errors.InvalidInput("enabled", "is required"))
	}
	if err := h.triggers.SetEnabled(c.Request().Context(), c.Param("id"), *req.Enabled); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteTrigger handles DELETE /api/v1/triggers/:id
func (h *HTTPHandler) DeleteTrigger(c echo.Context) error {
	if err := h.triggers.Unregister(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DispatchEvent handles POST /api/v1/events/:kind
func (h *HTTPHandler) DispatchEvent(c echo.Context) error {
	payload, err := bindPayload(c)
	if err != nil {
		return err
	}
	result, err := h.triggers.Dispatch(c.Request().Context(), repository.TriggerKind(c.Param("kind")), payload)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, result)
}

// HandleWebhook handles POST /api/v1/webhooks/:id
func (h *HTTPHandler) HandleWebhook(c echo.Context) error {
	payload, err := bindPayload(c)
	if err != nil {
		return err
	}
	result, err := h.triggers.HandleWebhook(c.Request().Context(), c.Param("id"), payload)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, result)
}

// ── helpers ──────────────────────────────────────────────────────────────────

// authorizeExecution requires the acting user to participate in executionID.
func (h *HTTPHandler) authorizeExecution(c echo.Context, executionID string) error {
	user := actingUser(c)
	ok, err := h.permissions.CanActOnExecution(c.Request().Context(), user, executionID)
	if err != nil {
		return h.fail(c, err)
	}
	if !ok {
		return h.fail(c, errors.Unauthorized("user "+user+" may not act on execution "+executionID))
	}
	return nil
}

// authorizeDecision loads an approval request and requires the acting user to
// be allowed to answer it.
func (h *HTTPHandler) authorizeDecision(c echo.Context, requestID string) (*repository.ApprovalRequest, error) {
	ctx := c.Request().Context()
	approval, err := h.approvals.GetRequest(ctx, requestID)
	if err != nil {
		return nil, h.fail(c, err)
	}
	if err := h.authorizeExecution(c, approval.ExecutionID); err != nil {
		return nil, err
	}
	user := actingUser(c)
	ok, err := h.permissions.CanDecide(ctx, user, approval)
	if err != nil {
		return nil, h.fail(c, err)
	}
	if !ok {
		return nil, h.fail(c, errors.Unauthorized("user "+user+" may not answer approval request "+requestID))
	}
	return approval, nil
}

type errorResponse struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

// fail converts a service error into an HTTP error with a stable code.
func (h *HTTPHandler) fail(c echo.Context, err error) error {
	status := statusFor(errors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("Request failed")
	}
	return echo.NewHTTPError(status, errorResponse{Code: errors.CodeOf(err), Message: err.Error()})
}

func statusFor(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeDefinition, errors.ErrCodeUnsupportedStep, errors.ErrCodeConditionEvaluation:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeInvalidState, errors.ErrCodeAlreadyDecided, errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodePersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, errorResponse{Code: errors.ErrCodeInvalidInput, Message: err.Error()})
}

// bindPayload decodes a free-form JSON body. Path parameters are not merged
// into it.
func bindPayload(c echo.Context) (map[string]any, error) {
	payload := map[string]any{}
	if err := (&echo.DefaultBinder{}).BindBody(c, &payload); err != nil {
		return nil, badRequest(err)
	}
	return payload, nil
}

func actingUser(c echo.Context) string {
	return c.Request().Header.Get(UserHeader)
}
