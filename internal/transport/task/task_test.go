package task_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/hanax-ai/citadel-orchestrator/internal/config"
	domainrouting "github.com/hanax-ai/citadel-orchestrator/internal/domain/routing"
	domaintask "github.com/hanax-ai/citadel-orchestrator/internal/domain/task"
	"github.com/hanax-ai/citadel-orchestrator/internal/dispatch"
	"github.com/hanax-ai/citadel-orchestrator/internal/eventbus"
	"github.com/hanax-ai/citadel-orchestrator/internal/mocks"
	portbackend "github.com/hanax-ai/citadel-orchestrator/internal/port/backend"
	"github.com/hanax-ai/citadel-orchestrator/internal/router"
	"github.com/hanax-ai/citadel-orchestrator/internal/state"
	tasktransport "github.com/hanax-ai/citadel-orchestrator/internal/transport/task"
)

type harness struct {
	engine *gin.Engine
	router *mocks.MockRouter
	state  *state.Coordinator
}

type noopAdapters struct{ adapter portbackend.Adapter }

func (n noopAdapters) Adapter(string) (portbackend.Adapter, error) { return n.adapter, nil }
func (noopAdapters) Release(string, bool)                          {}

type noopObserver struct{}

func (noopObserver) ObserveCall(string, time.Duration, bool) {}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctrl := gomock.NewController(t)

	rt := mocks.NewMockRouter(ctrl)
	st := state.NewCoordinator(nil)
	cache := mocks.NewMockCache(ctrl)
	cache.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	d := dispatch.New(rt, st, noopAdapters{adapter: mocks.NewMockAdapter(ctrl)}, noopObserver{}, cache, eventbus.New(), config.NewStore(config.Default()))
	t.Cleanup(d.Shutdown)

	engine := gin.New()
	tasktransport.Register(engine.Group("/api/tasks"), d, st)
	return &harness{engine: engine, router: rt, state: st}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func TestSubmitTask_Async(t *testing.T) {
	h := newHarness(t)
	h.router.EXPECT().Route(gomock.Any(), gomock.Any()).
		Return(domainrouting.Decision{}, router.ErrNoEligibleBackend).AnyTimes()

	w := h.do(http.MethodPost, "/api/tasks/", `{"capability_tags":["chat"],"payload":{"prompt":"hi"}}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "task_id")
}

func TestSubmitTask_SyncWaitReturnsResult(t *testing.T) {
	h := newHarness(t)
	h.router.EXPECT().Route(gomock.Any(), gomock.Any()).Return(domainrouting.Decision{
		Reason:       domainrouting.ReasonCacheHit,
		CachedResult: []byte(`{"answer":42}`),
	}, nil)

	w := h.do(http.MethodPost, "/api/tasks/?wait=true", `{"capability_tags":["chat"],"payload":{"prompt":"hi"}}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"succeeded"`)
	assert.Contains(t, w.Body.String(), `"answer":42`)
}

func TestSubmitTask_Validation(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing capability_tags", `{"payload":{}}`},
		{"empty capability_tags", `{"capability_tags":[],"payload":{}}`},
		{"missing payload", `{"capability_tags":["chat"]}`},
		{"invalid priority", `{"capability_tags":["chat"],"payload":{},"priority":"urgent"}`},
		{"malformed json", `{"capability_tags":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := h.do(http.MethodPost, "/api/tasks/", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetTask(t *testing.T) {
	h := newHarness(t)
	tk := domaintask.New([]string{"chat"}, domaintask.PriorityNormal, []byte(`{"secret":"input"}`), nil)
	require.NoError(t, h.state.Create(tk))

	w := h.do(http.MethodGet, "/api/tasks/"+tk.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"queued"`)
	// The API contract excludes the raw payload from responses.
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestGetTask_Errors(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/tasks/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/api/tasks/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t)
	tk := domaintask.New([]string{"chat"}, domaintask.PriorityNormal, []byte(`{}`), nil)
	require.NoError(t, h.state.Create(tk))

	w := h.do(http.MethodDelete, "/api/tasks/"+tk.ID.String(), "")
	require.Equal(t, http.StatusNoContent, w.Code)

	got, err := h.state.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domaintask.StatusCancelled, got.Status)
}

func TestCancelTask_AlreadyTerminal(t *testing.T) {
	h := newHarness(t)
	tk := domaintask.New([]string{"chat"}, domaintask.PriorityNormal, []byte(`{}`), nil)
	require.NoError(t, h.state.Create(tk))
	require.NoError(t, h.state.MarkTerminal(tk.ID, domaintask.StatusFailed, nil, domaintask.ReasonNoCapacity))

	w := h.do(http.MethodDelete, "/api/tasks/"+tk.ID.String(), "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelTask_NotFound(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodDelete, "/api/tasks/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
