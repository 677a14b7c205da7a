package transport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanax-ai/citadel-orchestrator/internal/domain/event"
	"github.com/hanax-ai/citadel-orchestrator/internal/dispatch"
	"github.com/hanax-ai/citadel-orchestrator/internal/monitor"
	porteventbus "github.com/hanax-ai/citadel-orchestrator/internal/port/eventbus"
	"github.com/hanax-ai/citadel-orchestrator/internal/registry"
	"github.com/hanax-ai/citadel-orchestrator/internal/state"

	backendhandler "github.com/hanax-ai/citadel-orchestrator/internal/transport/backendadmin"
	mcptransport "github.com/hanax-ai/citadel-orchestrator/internal/transport/mcp"
	taskhandler "github.com/hanax-ai/citadel-orchestrator/internal/transport/task"
	wshandler "github.com/hanax-ai/citadel-orchestrator/internal/transport/ws"
)

func NewRouter(
	ctx context.Context,
	disp *dispatch.Dispatcher,
	st *state.Coordinator,
	reg *registry.Registry,
	mon *monitor.Monitor,
	mcpServer *mcptransport.Server,
	eventBus porteventbus.EventBus,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(Metrics())
	r.Use(CORSMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/readyz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ready"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	taskhandler.Register(api.Group("/tasks"), disp, st)
	backendhandler.Register(api.Group("/backends"), reg, mon)

	if mcpServer != nil {
		r.Any("/mcp", gin.WrapH(mcpServer.Handler()))
		r.Any("/mcp/*path", gin.WrapH(mcpServer.Handler()))
	}

	hub := wshandler.NewHub()
	hub.Register(api.Group("/ws"))

	// Bridge: one subscription per domain channel; event.Type in the payload
	// lets the client filter.
	for _, ch := range []event.Channel{event.ChannelTask, event.ChannelBackend} {
		c := ch
		if _, err := eventBus.Subscribe(ctx, c, func(_ context.Context, e event.Event) {
			hub.Broadcast(e)
		}); err != nil {
			slog.Error("failed to subscribe channel to WS hub", "channel", c, "error", err)
		}
	}

	return r
}
