package backendadmin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	domainbackend "github.com/hanax-ai/citadel-orchestrator/internal/domain/backend"
	"github.com/hanax-ai/citadel-orchestrator/internal/adapter/httpbackend"
	"github.com/hanax-ai/citadel-orchestrator/internal/monitor"
	"github.com/hanax-ai/citadel-orchestrator/internal/registry"
)

func Register(rg *gin.RouterGroup, reg *registry.Registry, mon *monitor.Monitor) {
	rg.POST("/", registerBackend(reg))
	rg.GET("/", listBackends(reg, mon))
	rg.GET("/:id", getBackend(reg, mon))
	rg.DELETE("/:id", deregisterBackend(reg))
}

type registerReq struct {
	ID             string   `json:"id" binding:"required"`
	Endpoint       string   `json:"endpoint" binding:"required"`
	CapabilityTags []string `json:"capability_tags" binding:"required"`
	MaxConcurrency int      `json:"max_concurrency" binding:"required"`
}

func registerBackend(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		desc := domainbackend.Descriptor{
			ID:             req.ID,
			Endpoint:       req.Endpoint,
			CapabilityTags: req.CapabilityTags,
			MaxConcurrency: req.MaxConcurrency,
		}
		if err := reg.Register(desc, httpbackend.New(req.Endpoint)); err != nil {
			if errors.Is(err, registry.ErrInvalidBackendConfig) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, desc)
	}
}

type backendView struct {
	domainbackend.Descriptor
	LoadScore float64 `json:"load_score"`
}

func listBackends(reg *registry.Registry, mon *monitor.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		descs := reg.List(c.Query("capability_tag"))
		out := make([]backendView, 0, len(descs))
		for _, d := range descs {
			out = append(out, backendView{Descriptor: d, LoadScore: mon.LoadScore(d.ID)})
		}
		c.JSON(http.StatusOK, out)
	}
}

func getBackend(reg *registry.Registry, mon *monitor.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := reg.Get(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "backend not found"})
			return
		}
		c.JSON(http.StatusOK, backendView{Descriptor: d, LoadScore: mon.LoadScore(d.ID)})
	}
}

func deregisterBackend(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := reg.Deregister(c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "backend not found"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
