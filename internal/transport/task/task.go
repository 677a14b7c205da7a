package task

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	domaintask "github.com/hanax-ai/citadel-orchestrator/internal/domain/task"
	"github.com/hanax-ai/citadel-orchestrator/internal/dispatch"
	"github.com/hanax-ai/citadel-orchestrator/internal/state"
)

// maxSyncWait caps how long a ?wait=true submission blocks before degrading
// to the async 202 response.
const maxSyncWait = 30 * time.Second

func Register(rg *gin.RouterGroup, d *dispatch.Dispatcher, st *state.Coordinator) {
	rg.POST("/", submitTask(d, st))
	rg.GET("/:id", getTask(st))
	rg.DELETE("/:id", cancelTask(d))
}

type submitReq struct {
	CapabilityTags []string            `json:"capability_tags" binding:"required"`
	Priority       domaintask.Priority `json:"priority"`
	Payload        json.RawMessage     `json:"payload" binding:"required"`
	DeadlineMS     int64               `json:"deadline_ms"`
}

func submitTask(d *dispatch.Dispatcher, st *state.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(req.CapabilityTags) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "capability_tags must be non-empty"})
			return
		}
		if req.Priority == "" {
			req.Priority = domaintask.PriorityNormal
		}
		if !req.Priority.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid priority"})
			return
		}

		var deadline *time.Time
		if req.DeadlineMS > 0 {
			dl := time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
			deadline = &dl
		}

		t, done, err := d.Submit(c.Request.Context(), req.CapabilityTags, req.Priority, req.Payload, deadline)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if c.Query("wait") != "true" {
			c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID})
			return
		}

		wait := maxSyncWait
		if deadline != nil {
			if until := time.Until(*deadline); until < wait {
				wait = until
			}
		}
		select {
		case <-done:
			final, err := st.Get(t.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, taskResponse(final))
		case <-time.After(wait):
			// Still running — fall back to async semantics.
			c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID})
		case <-c.Request.Context().Done():
			c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID})
		}
	}
}

func getTask(st *state.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		t, err := st.Get(id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusOK, taskResponse(t))
	}
}

func cancelTask(d *dispatch.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		if err := d.Cancel(id); err != nil {
			switch {
			case errors.Is(err, state.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			case errors.Is(err, state.ErrInvalidTransition):
				c.JSON(http.StatusConflict, gin.H{"error": "task already terminal"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// taskResponse hides internal fields the API contract excludes (raw payload,
// internal error detail) while keeping the status/result surface.
func taskResponse(t domaintask.Task) gin.H {
	resp := gin.H{
		"task_id":         t.ID,
		"status":          t.Status,
		"capability_tags": t.CapabilityTags,
		"priority":        t.Priority,
		"attempt_count":   t.AttemptCount,
		"created_at":      t.CreatedAt,
	}
	if t.AssignedBackendID != "" {
		resp["assigned_backend_id"] = t.AssignedBackendID
	}
	if t.Result != nil {
		resp["result"] = t.Result
	}
	if t.FailureReason != "" {
		resp["reason"] = t.FailureReason
	}
	if t.CompletedAt != nil {
		resp["completed_at"] = t.CompletedAt
	}
	return resp
}
