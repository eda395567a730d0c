package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/export"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/usecase"
	"gitlab.com/timkado/api/voice-call-sync/internal/validator"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

// Engine is the invocation surface served by the admin API. usecase.Engine satisfies it.
type Engine interface {
	RunSyncRequest(ctx context.Context, req usecase.RunRequest) (*model.SyncRunSummary, error)
	RunDiagnostic(ctx context.Context, accountID string, window *model.DateRange) (*model.DiagnosticReport, error)
	ListRecentRuns(ctx context.Context, accountID string, limit int) ([]model.SyncRun, error)
}

// SyncRequest is the body of a sync request. Kind defaults to manual.
type SyncRequest struct {
	Kind  model.SyncKind `json:"kind" validate:"omitempty,oneof=manual auto"`
	Start time.Time      `json:"start"`
	End   time.Time      `json:"end"`
}

// DiagnosticRequest is the optional body of a diagnostic request.
type DiagnosticRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Handler serves the admin endpoints.
type Handler struct {
	engine Engine
}

// NewHandler creates the admin API handler.
func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

// NewRouter builds the gin engine with the admin routes behind bearer auth.
func NewRouter(engine Engine, auth *Authenticator) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestContext(), accessLog())
	NewHandler(engine).Register(r.Group("/api/v1", RequireAdmin(auth)))
	return r
}

// Register mounts the admin routes on group.
func (h *Handler) Register(group *gin.RouterGroup) {
	accounts := group.Group("/accounts/:account_id")
	accounts.POST("/sync", h.runSync)
	accounts.POST("/diagnostics", h.runDiagnostic)
	accounts.POST("/diagnostics/export", h.exportDiagnostic)
	accounts.GET("/runs", h.listRuns)
}

func (h *Handler) runSync(c *gin.Context) {
	var body SyncRequest
	if !bindOptional(c, &body) {
		return
	}
	if err := validator.Validate(body); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if body.Kind == "" {
		body.Kind = model.SyncKindManual
	}

	req := usecase.RunRequest{
		AccountID:   c.Param("account_id"),
		Kind:        body.Kind,
		Window:      model.DateRange{Start: body.Start, End: body.End},
		TriggeredBy: subjectOf(c),
	}
	summary, err := h.engine.RunSyncRequest(runContext(c), req)
	if err != nil {
		resp := ErrorResponse{Error: err.Error()}
		if summary != nil {
			resp.Summary = summary
		}
		c.JSON(statusFor(err), resp)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) runDiagnostic(c *gin.Context) {
	report, ok := h.diagnose(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) exportDiagnostic(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	report, ok := h.diagnose(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := export.WriteReport(&buf, format, report); err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to export diagnostic report", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "failed to export report")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.FileName(report)))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

func (h *Handler) diagnose(c *gin.Context) (*model.DiagnosticReport, bool) {
	var body DiagnosticRequest
	if !bindOptional(c, &body) {
		return nil, false
	}
	var window *model.DateRange
	if !body.Start.IsZero() || !body.End.IsZero() {
		window = &model.DateRange{Start: body.Start, End: body.End}
	}

	report, err := h.engine.RunDiagnostic(runContext(c), c.Param("account_id"), window)
	if err != nil {
		abortWithError(c, statusFor(err), err.Error())
		return nil, false
	}
	return report, true
}

func (h *Handler) listRuns(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	runs, err := h.engine.ListRecentRuns(c.Request.Context(), c.Param("account_id"), limit)
	if err != nil {
		abortWithError(c, statusFor(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// runContext keeps the request values but not its cancellation. A run is bounded by the sync
// timeout and finishes even when the client goes away.
func runContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Sprintf("%v: %v", apperrors.ErrBadRequest, err))
		return false
	}
	return true
}
