package querytemplates

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/kinderops/kinderops/internal/permissions"
	"github.com/kinderops/kinderops/internal/shared"
)

type keyedGate map[string]permissions.Level

func (g keyedGate) Check(ctx context.Context, userID int64, key string, required permissions.Level) (bool, error) {
	level, ok := g[key]
	if !ok {
		return false, nil
	}
	return level.Satisfies(required), nil
}

type captureEnqueuer struct {
	execs []Execution
}

func (c *captureEnqueuer) EnqueueExecution(ctx context.Context, exec Execution) error {
	c.execs = append(c.execs, exec)
	return nil
}

func newTestHandler(t *testing.T, gate keyedGate, enq ExecutionEnqueuer) (http.Handler, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo(sampleTemplates()...)
	svc := NewService(repo, ServiceDeps{Gate: gate})
	handler := NewHandler(nil, svc, permissions.Middleware{Checker: gate}, HandlerConfig{Enqueuer: enq, MinScore: 0.1})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.ContextWithPrincipal(r.Context(), shared.Principal{UserID: 5, Role: "teacher"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	r.Route("/ai/templates", handler.MountRoutes)
	return r, repo
}

func send(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerRankAppliesMinScore(t *testing.T) {
	router, _ := newTestHandler(t, keyedGate{shared.PermAIQuery: permissions.LevelAllowed}, nil)

	rr := send(router, http.MethodPost, "/ai/templates/rank", `{"query":"attendance for class K1"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Matches []Match `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 1)
	require.Equal(t, "attendance_by_class", resp.Matches[0].Template.Name)
	require.InDelta(t, 1.0, resp.Matches[0].Score, 1e-9)

	rr = send(router, http.MethodPost, "/ai/templates/rank", `{"query":""}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerRequiresQueryPermission(t *testing.T) {
	router, _ := newTestHandler(t, keyedGate{shared.PermAIQuery: permissions.LevelDenied}, nil)
	rr := send(router, http.MethodPost, "/ai/templates/rank", `{"query":"attendance"}`)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandlerRender(t *testing.T) {
	router, _ := newTestHandler(t, keyedGate{shared.PermAIQuery: permissions.LevelAllowed}, nil)

	rr := send(router, http.MethodPost, "/ai/templates/1/render", `{"params":{"class":"K1"}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var rendered Rendered
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rendered))
	require.Equal(t, []string{"day"}, rendered.Unresolved)

	rr = send(router, http.MethodPost, "/ai/templates/2/render", `{"params":{}}`)
	require.Equal(t, http.StatusForbidden, rr.Code, "hard template needs advanced level")

	rr = send(router, http.MethodPost, "/ai/templates/x/render", `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = send(router, http.MethodPost, "/ai/templates/404/render", `{}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerRecordExecution(t *testing.T) {
	enq := &captureEnqueuer{}
	router, repo := newTestHandler(t, keyedGate{shared.PermAIQuery: permissions.LevelAllowed}, enq)

	rr := send(router, http.MethodPost, "/ai/templates/1/executions", `{"success":true,"elapsed_ms":120}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.UsageCount)
	require.Equal(t, 1.0, stats.SuccessRate)
	require.Equal(t, 120.0, stats.AvgExecutionTime)

	rr = send(router, http.MethodPost, "/ai/templates/1/executions", `{"success":false,"elapsed_ms":80,"async":true}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, enq.execs, 1)
	require.Equal(t, int64(1), enq.execs[0].TemplateID)
	require.NotEmpty(t, enq.execs[0].ID)
	require.Equal(t, 1, repo.statWrites, "async report must not touch stats inline")

	rr = send(router, http.MethodPost, "/ai/templates/1/executions", `{"success":true,"elapsed_ms":-1}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = send(router, http.MethodPost, "/ai/templates/1/executions", `{"elapsed_ms":10}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerManageRoutes(t *testing.T) {
	router, _ := newTestHandler(t, keyedGate{
		shared.PermAIQuery:           permissions.LevelAdvanced,
		shared.PermAITemplatesManage: permissions.LevelAdvanced,
	}, nil)

	body := `{"name":"meal_costs","display_name":"Meal costs","template":"SELECT * FROM meals WHERE month = {{month}}","keywords":["meal","cost"],"difficulty":"easy"}`
	rr := send(router, http.MethodPost, "/ai/templates/", body)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = send(router, http.MethodPost, "/ai/templates/", body)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = send(router, http.MethodPatch, "/ai/templates/1/active", `{"active":false}`)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = send(router, http.MethodPost, "/ai/templates/1/render", `{"params":{}}`)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = send(router, http.MethodGet, "/ai/templates/by-name/meal_costs", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = send(router, http.MethodGet, "/ai/templates/popular?limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandlerListByCategory(t *testing.T) {
	router, _ := newTestHandler(t, keyedGate{shared.PermAIQuery: permissions.LevelAllowed}, nil)

	var resp struct {
		Templates []Template `json:"templates"`
	}
	rr := send(router, http.MethodGet, "/ai/templates/?category=attendance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Templates, 1)
	require.Equal(t, "attendance_by_class", resp.Templates[0].Name)

	rr = send(router, http.MethodGet, "/ai/templates/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Templates, 2)
}

func TestHandlerRecordExecutionAuthorizes(t *testing.T) {
	enq := &captureEnqueuer{}
	router, repo := newTestHandler(t, keyedGate{shared.PermAIQuery: permissions.LevelAllowed}, enq)

	rr := send(router, http.MethodPost, "/ai/templates/2/executions", `{"success":true,"elapsed_ms":10}`)
	require.Equal(t, http.StatusForbidden, rr.Code, "hard template needs advanced level")

	rr = send(router, http.MethodPost, "/ai/templates/2/executions", `{"success":true,"elapsed_ms":10,"async":true}`)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = send(router, http.MethodPost, "/ai/templates/3/executions", `{"success":true,"elapsed_ms":10}`)
	require.Equal(t, http.StatusConflict, rr.Code, "retired template")

	require.Zero(t, repo.statWrites)
	require.Empty(t, enq.execs)
}

func TestHandlerRankUsesPrincipalRole(t *testing.T) {
	router, _ := newTestHandler(t, keyedGate{shared.PermAIQuery: permissions.LevelAdvanced}, nil)

	rr := send(router, http.MethodPost, "/ai/templates/rank", `{"query":"fee arrears","role":"admin"}`)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = send(router, http.MethodPost, "/ai/templates/rank", `{"query":"attendance","role":"Teacher"}`)
	require.Equal(t, http.StatusOK, rr.Code)
}
