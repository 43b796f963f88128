package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lingodrill/internal/core"
	"lingodrill/internal/store"
)

const (
	testSecret = "test-secret"
	testAPIKey = "test-key"
)

type testServer struct {
	srv   *httptest.Server
	store *store.MemoryStore
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	log := zap.NewNop()
	catalog := core.NewCatalog(st, log)
	scheduler := core.NewScheduler(st, core.SchedulerConfig{
		Cooldown:      48 * time.Hour,
		AssignmentTTL: 24 * time.Hour,
	}, log)
	recorder := core.NewRecorder(st, log)

	handler := NewAPIHandler(catalog, scheduler, recorder, st, log, testSecret, testAPIKey)
	srv := httptest.NewServer(NewRouter(handler, log))
	t.Cleanup(srv.Close)

	ts := &testServer{srv: srv, store: st}
	ts.token = ts.fetchToken(t)
	return ts
}

func (ts *testServer) fetchToken(t *testing.T) string {
	t.Helper()
	resp := ts.doRaw(t, http.MethodPost, "/api/token", "", map[string]string{"api_key": testAPIKey})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["token"])
	return body["token"]
}

func (ts *testServer) doRaw(t *testing.T, method, path, token string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// do sends an authenticated request and decodes the JSON response into out.
func (ts *testServer) do(t *testing.T, method, path string, payload, out any) int {
	t.Helper()
	resp := ts.doRaw(t, method, path, ts.token, payload)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) upsertTask(t *testing.T, tags map[string]string, data store.TaskData) int64 {
	t.Helper()
	var created map[string]int64
	status := ts.do(t, http.MethodPost, "/api/tasks", UpsertTaskRequest{Tags: tags, Data: data}, &created)
	require.Equal(t, http.StatusCreated, status)
	return created["id"]
}

func userPayload(uid int64) UserRef {
	username := fmt.Sprintf("user%d", uid)
	return UserRef{UID: uid, Username: &username, FullName: "Test User"}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.doRaw(t, http.MethodGet, "/api/health", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenRejectsBadKey(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.doRaw(t, http.MethodPost, "/api/token", "", map[string]string{"api_key": "wrong"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.doRaw(t, http.MethodGet, "/api/tasks", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.doRaw(t, http.MethodGet, "/api/tasks", "not-a-token", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNextAnswerRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	taskID := ts.upsertTask(t, map[string]string{"topic": "colors"},
		store.TaskData{Sentence: "Die Rose ist rot.", MaskedSentence: "Die Rose ist ___.", Answer: "rot"})

	var next NextTaskResponse
	status := ts.do(t, http.MethodPost, "/api/sessions/10/next", NextTaskRequest{UserRef: userPayload(100)}, &next)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, next.Exhausted)
	assert.Equal(t, taskID, next.TaskID)
	require.NotNil(t, next.Task)
	assert.Equal(t, "Die Rose ist ___.", next.Task.MaskedSentence)

	// Asking again before answering redelivers the same assignment.
	var again NextTaskResponse
	status = ts.do(t, http.MethodPost, "/api/sessions/10/next", NextTaskRequest{UserRef: userPayload(100)}, &again)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, again.Redelivered)
	assert.Equal(t, next.AssignmentID, again.AssignmentID)

	var graded store.GradedAnswer
	status = ts.do(t, http.MethodPost, "/api/sessions/10/answers",
		SubmitAnswerRequest{UserRef: userPayload(100), Answer: "rot"}, &graded)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, graded.Correct)
	assert.True(t, *graded.Correct)

	// Only one task, now in cool-down: the catalog is exhausted.
	var exhausted NextTaskResponse
	status = ts.do(t, http.MethodPost, "/api/sessions/10/next", NextTaskRequest{UserRef: userPayload(100)}, &exhausted)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, exhausted.Exhausted)
}

func TestSubmitAnswerWithoutAssignment(t *testing.T) {
	ts := newTestServer(t)
	status := ts.do(t, http.MethodPost, "/api/sessions/10/answers",
		SubmitAnswerRequest{UserRef: userPayload(100), Answer: "rot"}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestSubmitAnswerValidation(t *testing.T) {
	ts := newTestServer(t)

	status := ts.do(t, http.MethodPost, "/api/sessions/10/answers",
		SubmitAnswerRequest{UserRef: userPayload(100)}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "empty answer")

	status = ts.do(t, http.MethodPost, "/api/sessions/10/answers",
		SubmitAnswerRequest{Answer: "rot"}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "missing uid")

	status = ts.do(t, http.MethodPost, "/api/sessions/abc/answers",
		SubmitAnswerRequest{UserRef: userPayload(100), Answer: "rot"}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "non-numeric chat id")
}

func TestFilterLifecycle(t *testing.T) {
	ts := newTestServer(t)

	var current map[string]*string
	status := ts.do(t, http.MethodGet, "/api/sessions/10/filter", nil, &current)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, current["filter"])

	status = ts.do(t, http.MethodPut, "/api/sessions/10/filter", SetFilterRequest{Filter: "colors;a1"}, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = ts.do(t, http.MethodGet, "/api/sessions/10/filter", nil, &current)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, current["filter"])
	assert.Equal(t, "colors;a1", *current["filter"])

	status = ts.do(t, http.MethodPut, "/api/sessions/10/filter", SetFilterRequest{Filter: "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "blank filter must be cleared via DELETE")

	status = ts.do(t, http.MethodDelete, "/api/sessions/10/filter", nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = ts.do(t, http.MethodGet, "/api/sessions/10/filter", nil, &current)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, current["filter"])
}

func TestFilterRestrictsNextTask(t *testing.T) {
	ts := newTestServer(t)
	ts.upsertTask(t, map[string]string{"topic": "colors"},
		store.TaskData{MaskedSentence: "red?", Answer: "rot"})
	animals := ts.upsertTask(t, map[string]string{"topic": "animals"},
		store.TaskData{MaskedSentence: "cat?", Answer: "Katze"})

	status := ts.do(t, http.MethodPut, "/api/sessions/10/filter", SetFilterRequest{Filter: "animals"}, nil)
	require.Equal(t, http.StatusNoContent, status)

	var next NextTaskResponse
	status = ts.do(t, http.MethodPost, "/api/sessions/10/next", NextTaskRequest{UserRef: userPayload(100)}, &next)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, animals, next.TaskID)
}

func TestFilterInfoEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.upsertTask(t, map[string]string{"topic": "colors", "level": "A1"},
		store.TaskData{MaskedSentence: "red?", Answer: "rot"})

	var infos []store.FilterInfo
	status := ts.do(t, http.MethodGet, "/api/filters", nil, &infos)
	require.Equal(t, http.StatusOK, status)
	assert.ElementsMatch(t, []store.FilterInfo{
		{Name: "topic", Values: []string{"colors"}},
		{Name: "level", Values: []string{"A1"}},
	}, infos)
}

func TestTaskEndpoints(t *testing.T) {
	ts := newTestServer(t)

	data := store.TaskData{MaskedSentence: "red?", Answer: "rot"}
	id := ts.upsertTask(t, map[string]string{"topic": "colors"}, data)

	// Identical content resolves to the same id.
	assert.Equal(t, id, ts.upsertTask(t, map[string]string{"topic": "colors"}, data))

	status := ts.do(t, http.MethodPost, "/api/tasks", UpsertTaskRequest{Data: store.TaskData{Answer: "x"}}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "masked sentence is mandatory")

	var tasks []store.Task
	status = ts.do(t, http.MethodGet, "/api/tasks?filter=colors", nil, &tasks)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)

	status = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", id), nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = ts.do(t, http.MethodDelete, "/api/tasks/9999", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = ts.do(t, http.MethodGet, "/api/tasks", nil, &tasks)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, tasks)
}

func TestUserStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.upsertTask(t, nil, store.TaskData{MaskedSentence: "red?", Answer: "rot"})

	status := ts.do(t, http.MethodPost, "/api/sessions/10/next", NextTaskRequest{UserRef: userPayload(100)}, nil)
	require.Equal(t, http.StatusOK, status)
	status = ts.do(t, http.MethodPost, "/api/sessions/10/answers",
		SubmitAnswerRequest{UserRef: userPayload(100), Answer: "falsch"}, nil)
	require.Equal(t, http.StatusOK, status)

	var stat store.AnswerStat
	status = ts.do(t, http.MethodGet, "/api/users/100/stats", nil, &stat)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, store.AnswerStat{Count: 1, Correct: 0}, stat)

	status = ts.do(t, http.MethodGet, "/api/users/100/stats?period=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUserAnswersResolvesDeletedTasks(t *testing.T) {
	ts := newTestServer(t)
	id := ts.upsertTask(t, nil,
		store.TaskData{Sentence: "Die Rose ist rot.", MaskedSentence: "Die Rose ist ___.", Answer: "rot"})

	status := ts.do(t, http.MethodPost, "/api/sessions/10/next", NextTaskRequest{UserRef: userPayload(100)}, nil)
	require.Equal(t, http.StatusOK, status)
	status = ts.do(t, http.MethodPost, "/api/sessions/10/answers",
		SubmitAnswerRequest{UserRef: userPayload(100), Answer: "rot"}, nil)
	require.Equal(t, http.StatusOK, status)

	var views []AnswerView
	status = ts.do(t, http.MethodGet, "/api/users/100/answers", nil, &views)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, views, 1)
	assert.Equal(t, "Die Rose ist rot.", views[0].TaskSentence)
	assert.Equal(t, id, views[0].TaskID)

	// History survives the task vanishing from the catalog entirely; the
	// memory store has no hard delete, so exercise the placeholder path
	// against an id the catalog never had.
	a, err := ts.store.CreateAssignment(t.Context(), 20, 424242, store.TaskData{Answer: "x"})
	require.NoError(t, err)
	correct := true
	_, err = ts.store.CompleteAssignment(t.Context(), a.ID, 200, &correct, time.Now())
	require.NoError(t, err)

	status = ts.do(t, http.MethodGet, "/api/users/200/answers", nil, &views)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, views, 1)
	assert.Equal(t, "(unknown task)", views[0].TaskSentence)
}
