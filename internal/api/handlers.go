package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/cache"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/orchestrator"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/queue"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/errors"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
)

// ProcessHandler exposes the reliability layer over HTTP
type ProcessHandler struct {
	orch    *orchestrator.Orchestrator
	queue   *queue.AdmissionQueue
	cache   *cache.ResponseCache
	invoker Invoker
	logger  *logging.Logger
}

// NewProcessHandler creates the process handler
func NewProcessHandler(orch *orchestrator.Orchestrator, q *queue.AdmissionQueue, c *cache.ResponseCache, invoker Invoker) *ProcessHandler {
	return &ProcessHandler{
		orch:    orch,
		queue:   q,
		cache:   c,
		invoker: invoker,
		logger:  logging.GetLogger(),
	}
}

// ProcessRequestBody is the wire form of a processing request
type ProcessRequestBody struct {
	Operation    string                 `json:"operation" binding:"required"`
	Payload      map[string]interface{} `json:"payload"`
	OwnerID      string                 `json:"owner_id"`
	Variant      string                 `json:"variant"`
	Priority     string                 `json:"priority"`
	ServiceKey   string                 `json:"service_key"`
	TimeoutMs    int                    `json:"timeout_ms"`
	BypassCache  bool                   `json:"bypass_cache"`
	AllowQueuing *bool                  `json:"allow_queuing"`
}

// Process handles POST /api/v1/process
func (h *ProcessHandler) Process(c *gin.Context) {
	var body ProcessRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		ValidationErrorResponse(c, "operation is required and body must be valid JSON")
		return
	}

	allowQueuing := true
	if body.AllowQueuing != nil {
		allowQueuing = *body.AllowQueuing
	}

	req := &orchestrator.Request{
		RequestID:    requestIDFrom(c),
		Operation:    body.Operation,
		Payload:      body.Payload,
		OwnerID:      body.OwnerID,
		Variant:      body.Variant,
		Priority:     queue.Priority(body.Priority),
		ServiceKey:   body.ServiceKey,
		Timeout:      time.Duration(body.TimeoutMs) * time.Millisecond,
		BypassCache:  body.BypassCache,
		AllowQueuing: allowQueuing,
	}

	result := h.orch.Process(c.Request.Context(), req,
		func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
			return h.invoker.Invoke(ctx, body.Operation, payload)
		})

	switch {
	case result.Queued:
		AcceptedResponse(c, gin.H{
			"queued":          true,
			"request_id":      result.QueuedRequestID,
			"estimated_wait":  result.EstimatedWait.String(),
			"status_endpoint": "/api/v1/requests/" + result.QueuedRequestID,
		})
	case result.Success:
		SuccessResponse(c, gin.H{
			"response": result.Response,
			"metadata": result.Metadata,
		})
	default:
		ErrorResponseFromError(c, result.Err)
	}
}

// GetRequest handles GET /api/v1/requests/:id
func (h *ProcessHandler) GetRequest(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		ValidationErrorResponse(c, "request id is required")
		return
	}

	req, err := h.queue.GetRequest(c.Request.Context(), requestID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"request_id":  req.RequestID,
		"operation":   req.Operation,
		"status":      string(req.Status),
		"priority":    string(req.Priority),
		"retry_count": req.RetryCount,
		"enqueued_at": req.EnqueuedAt,
	})
}

// GetResult handles GET /api/v1/requests/:id/result
func (h *ProcessHandler) GetResult(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		ValidationErrorResponse(c, "request id is required")
		return
	}

	result, err := h.queue.GetResult(c.Request.Context(), requestID)
	if err != nil {
		if errors.IsNotFound(err) {
			// The request may still be pending; distinguish from unknown.
			if req, reqErr := h.queue.GetRequest(c.Request.Context(), requestID); reqErr == nil {
				AcceptedResponse(c, gin.H{
					"request_id": req.RequestID,
					"status":     string(req.Status),
					"ready":      false,
				})
				return
			}
		}
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, result)
}

// Status handles GET /api/v1/status
func (h *ProcessHandler) Status(c *gin.Context) {
	SuccessResponse(c, h.orch.Snapshot(c.Request.Context()))
}

// FlushCache handles DELETE /api/v1/cache. Without query parameters it
// flushes everything; ?operation= narrows to one operation and ?owner=
// further narrows to one owner's entries.
func (h *ProcessHandler) FlushCache(c *gin.Context) {
	operation := c.Query("operation")
	owner := c.Query("owner")

	var (
		deleted int64
		err     error
	)
	if operation != "" {
		deleted, err = h.cache.Invalidate(c.Request.Context(), operation, owner)
	} else {
		deleted, err = h.cache.InvalidateAll(c.Request.Context())
	}
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	h.logger.Info("Response cache flushed", "operation", operation, "owner", owner, "deleted", deleted)
	SuccessResponse(c, gin.H{"deleted": deleted})
}
