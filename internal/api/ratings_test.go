package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screentest-io/screentest/internal/identity"
)

// seedOpenTask builds the standard two-run experiment, generates the single
// pairwise task through the endpoint, and returns its ID.
func seedOpenTask(ctx context.Context, t *testing.T, ts *testServer) string {
	t.Helper()

	seedExperiment(ctx, t, ts)
	seedSucceededRun(ctx, t, ts, runIDAlpha, "seed=1")
	seedSucceededRun(ctx, t, ts, runIDBravo, "seed=2")

	req := httptest.NewRequest(http.MethodPost, "/experiments/"+testExperimentID+"/tasks", nil)
	rr := httptest.NewRecorder()
	ts.server.httpServer.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, "Response: %s", rr.Body.String())

	return identity.PairTaskID(testExperimentID, runIDAlpha, runIDBravo)
}

// postRating submits a JSON body to POST /ratings.
func postRating(ts *testServer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ratings", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	ts.server.httpServer.Handler.ServeHTTP(rr, req)

	return rr
}

func TestCreateRating_Success(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	ts := newTestServer(t)
	taskID := seedOpenTask(ctx, t, ts)

	body := `{
		"task_id": "` + taskID + `",
		"rater_id": "rater_01",
		"choice_realism": "left",
		"choice_lipsync": "tie",
		"choice_targetmatch": "left",
		"notes": "left looks more natural around the mouth"
	}`

	rr := postRating(ts, body)
	require.Equal(t, http.StatusCreated, rr.Code, "Response: %s", rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response RatingCreatedResponse

	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.NotEmpty(t, response.RatingID, "stored rating gets a generated ID")
	assert.Equal(t, taskID, response.TaskID)

	// Rating a task closes it.
	taskReq := httptest.NewRequest(http.MethodGet, "/tasks/"+taskID, nil)
	taskRR := httptest.NewRecorder()
	ts.server.httpServer.Handler.ServeHTTP(taskRR, taskReq)
	require.Equal(t, http.StatusOK, taskRR.Code)

	var task TaskDetail

	require.NoError(t, json.Unmarshal(taskRR.Body.Bytes(), &task))
	assert.Equal(t, "done", task.Status)

	// With the only task done, the rater queue is drained.
	nextReq := httptest.NewRequest(http.MethodGet, "/experiments/"+testExperimentID+"/tasks/next", nil)
	nextRR := httptest.NewRecorder()
	ts.server.httpServer.Handler.ServeHTTP(nextRR, nextReq)
	assert.Equal(t, http.StatusNotFound, nextRR.Code)
}

// TestCreateRating_SecondRaterSameTask pins down that done tasks accept
// further ratings: a second opinion appends instead of conflicting.
func TestCreateRating_SecondRaterSameTask(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	ts := newTestServer(t)
	taskID := seedOpenTask(ctx, t, ts)

	first := postRating(ts, `{
		"task_id": "`+taskID+`",
		"rater_id": "rater_01",
		"choice_realism": "left",
		"choice_lipsync": "left"
	}`)
	require.Equal(t, http.StatusCreated, first.Code, "Response: %s", first.Body.String())

	second := postRating(ts, `{
		"task_id": "`+taskID+`",
		"rater_id": "rater_02",
		"choice_realism": "right",
		"choice_lipsync": "skip"
	}`)
	require.Equal(t, http.StatusCreated, second.Code, "Response: %s", second.Body.String())

	var firstResp, secondResp RatingCreatedResponse

	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.NotEqual(t, firstResp.RatingID, secondResp.RatingID)
}

func TestCreateRating_TaskNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ts := newTestServer(t)

	rr := postRating(ts, `{
		"task_id": "task_missing",
		"rater_id": "rater_01",
		"choice_realism": "left",
		"choice_lipsync": "left"
	}`)

	assert.Equal(t, http.StatusNotFound, rr.Code)

	problem := decodeProblem(t, rr)
	assert.Equal(t, "Task not found", problem["detail"])
}

func TestCreateRating_ValidationErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ts := newTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantDetail string
	}{
		{
			name: "invalid realism choice",
			body: `{
				"task_id": "task_1",
				"rater_id": "rater_01",
				"choice_realism": "upward",
				"choice_lipsync": "left"
			}`,
			wantDetail: "choice must be one of: left, right, tie, skip",
		},
		{
			name: "invalid targetmatch choice",
			body: `{
				"task_id": "task_1",
				"rater_id": "rater_01",
				"choice_realism": "left",
				"choice_lipsync": "left",
				"choice_targetmatch": "both"
			}`,
			wantDetail: "choice must be one of: left, right, tie, skip",
		},
		{
			name: "missing rater",
			body: `{
				"task_id": "task_1",
				"choice_realism": "left",
				"choice_lipsync": "left"
			}`,
			wantDetail: "rater_id cannot be empty",
		},
		{
			name: "missing task id",
			body: `{
				"rater_id": "rater_01",
				"choice_realism": "left",
				"choice_lipsync": "left"
			}`,
			wantDetail: "task_id cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postRating(ts, tt.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)

			problem := decodeProblem(t, rr)
			assert.Contains(t, problem["detail"], tt.wantDetail)
		})
	}
}

func TestCreateRating_RequestGuards(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ts := newTestServer(t)

	t.Run("WrongContentType", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/ratings", strings.NewReader("task_id=task_1"))
		req.Header.Set("Content-Type", "text/plain")

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)

		problem := decodeProblem(t, rr)
		assert.Equal(t, "Content-Type must be application/json", problem["detail"])
	})

	t.Run("ContentTypeWithCharset_Accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/ratings", strings.NewReader(`{"task_id":"task_missing","rater_id":"r1","choice_realism":"left","choice_lipsync":"left"}`))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		// Past the media type gate; fails later on the unknown task.
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("EmptyBody", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/ratings", nil)
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)

		problem := decodeProblem(t, rr)
		assert.Equal(t, "Request body cannot be empty", problem["detail"])
	})

	t.Run("OversizedBody", func(t *testing.T) {
		oversized := strings.Repeat("x", int(defaultMaxRequestSize)+1)
		req := httptest.NewRequest(http.MethodPost, "/ratings", strings.NewReader(oversized))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

		problem := decodeProblem(t, rr)
		assert.Equal(t, "Request body exceeds maximum allowed size", problem["detail"])
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		rr := postRating(ts, `{"task_id": "task_1", invalid}`)

		assert.Equal(t, http.StatusBadRequest, rr.Code)

		problem := decodeProblem(t, rr)
		detail, ok := problem["detail"].(string)
		require.True(t, ok)
		assert.True(t, strings.HasPrefix(detail, "Invalid JSON: "), "detail: %s", detail)
	})
}
