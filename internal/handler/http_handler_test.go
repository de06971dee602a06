package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/common/logger"
	"github.com/pesio-ai/be-report-reviews/internal/service"
)

type httpClient struct {
	t      *testing.T
	router *mux.Router
}

func newHTTPClient(t *testing.T) *httpClient {
	svc, dir := newTestService(t)
	router := mux.NewRouter()
	NewHTTPHandler(svc, dir, logger.Nop()).RegisterRoutes(router)
	return &httpClient{t: t, router: router}
}

func (c *httpClient) do(method, path, user string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(c.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	return rec
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (c *httpClient) submit() *service.ReviewResult {
	c.t.Helper()
	rec := c.do(http.MethodPost, "/api/v1/reports", "uploader", map[string]any{
		"project_id": testProject, "name": "March close", "template_id": "two-step", "file_ids": []string{"f1"},
	})
	require.Equal(c.t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[service.ReviewResult](c.t, rec)
	return &res
}

func TestHTTP_RequiresUser(t *testing.T) {
	c := newHTTPClient(t)
	rec := c.do(http.MethodGet, "/api/v1/reviews/pending", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", decode[errorResponse](t, rec).Error.Code)
}

func TestHTTP_ReviewFlow(t *testing.T) {
	c := newHTTPClient(t)
	sub := c.submit()
	id := sub.Report.ID
	assert.Equal(t, int64(1), sub.Workflow.Version)
	assert.Equal(t, "rev-1", *sub.Report.CurrentReviewerID)

	rec := c.do(http.MethodGet, "/api/v1/reviews/pending?project_id="+testProject, "rev-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[struct {
		Reviews []service.PendingReview `json:"reviews"`
	}](t, rec)
	require.Len(t, pending.Reviews, 1)
	assert.Equal(t, id, pending.Reviews[0].Report.ID)

	rec = c.do(http.MethodPost, "/api/v1/reports/"+id+"/review", "rev-1", map[string]any{
		"action": "approve", "comment": "fine", "expected_version": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(2), decode[service.ReviewResult](t, rec).Workflow.Version)

	rec = c.do(http.MethodPost, "/api/v1/reports/"+id+"/review", "rev-2", map[string]any{
		"action": "approve", "expected_version": 1,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(errors.ErrCodeConflict), decode[errorResponse](t, rec).Error.Code)

	rec = c.do(http.MethodPost, "/api/v1/reports/"+id+"/review", "rev-2", map[string]any{
		"action": "reject", "expected_version": 2,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(http.MethodPost, "/api/v1/reports/"+id+"/comments", "rev-2", map[string]any{
		"content": "see page 4", "expected_version": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = c.do(http.MethodPost, "/api/v1/reports/"+id+"/review", "rev-2", map[string]any{
		"action": "approve", "expected_version": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodGet, "/api/v1/reports/"+id, "uploader", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[service.ReportDetail](t, rec)
	assert.Equal(t, "approved", string(detail.Report.Phase))
	assert.NotEmpty(t, detail.Comments)

	rec = c.do(http.MethodPost, "/api/v1/reports/"+id+"/cancel", "uploader", map[string]any{"expected_version": 3})
	assert.Equal(t, http.StatusConflict, rec.Code, "terminal workflows map to 409")
	assert.Equal(t, string(errors.ErrCodeTerminal), decode[errorResponse](t, rec).Error.Code)

	rec = c.do(http.MethodGet, "/api/v1/reports/mine?phase=approved", "uploader", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[map[string][]json.RawMessage](t, rec)
	assert.Len(t, mine["reports"], 1)
}

func TestHTTP_Errors(t *testing.T) {
	c := newHTTPClient(t)
	id := c.submit().Report.ID

	rec := c.do(http.MethodGet, "/api/v1/reports/"+id, "outsider", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = c.do(http.MethodGet, "/api/v1/reports/missing", "rev-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = c.do(http.MethodPost, "/api/v1/reports/"+id+"/review", "rev-1", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(errors.ErrCodeValidation), decode[errorResponse](t, rec).Error.Code)

	rec = c.do(http.MethodPost, "/api/v1/reports", "uploader", map[string]any{"project_id": testProject, "template_id": "two-step"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decode[errorResponse](t, rec).Error.Field)
}

func TestHTTP_StepDueDateAndWorkload(t *testing.T) {
	c := newHTTPClient(t)
	sub := c.submit()
	id := sub.Report.ID
	step := sub.Workflow.Steps[1].ID
	due := time.Date(2030, 1, 31, 17, 0, 0, 0, time.UTC)

	rec := c.do(http.MethodPut, fmt.Sprintf("/api/v1/reports/%s/steps/%s/due-date", id, step), "admin", map[string]any{
		"due_at": due, "expected_version": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[service.ReviewResult](t, rec)
	assert.True(t, due.Equal(*res.Workflow.Steps[1].DueAt))

	rec = c.do(http.MethodGet, "/api/v1/reviewers/workload?project_id="+testProject+"&reviewer_id=rev-1", "rev-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	workloads := decode[struct {
		Workloads []service.ReviewerWorkload `json:"workloads"`
	}](t, rec)
	require.Len(t, workloads.Workloads, 1)
	assert.Equal(t, 1, workloads.Workloads[0].PendingCount)

	rec = c.do(http.MethodGet, "/api/v1/reviewers/workload?project_id="+testProject, "rev-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHTTP_BulkApprove(t *testing.T) {
	c := newHTTPClient(t)
	a := c.submit().Report.ID
	b := c.submit().Report.ID

	rec := c.do(http.MethodPost, "/api/v1/reviews/bulk/approve", "rev-1", map[string]any{
		"report_ids": []string{a, "nope", b},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[service.BulkResult](t, rec)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailedCount)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "nope: ")
}

func TestWriteError_WrappedAppError(t *testing.T) {
	h := NewHTTPHandler(nil, nil, logger.Nop())

	rec := httptest.NewRecorder()
	h.writeError(rec, fmt.Errorf("decode request: %w", errors.InvalidInput("name", "name is required")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_ERROR", body["error"].Code)
	assert.Equal(t, "name", body["error"].Field)

	rec = httptest.NewRecorder()
	h.writeError(rec, fmt.Errorf("load: %w", errors.NotFound("report", "r-1")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["error"].Code)
	assert.Empty(t, body["error"].Field)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.InvalidInput("x", "bad"), http.StatusBadRequest},
		{errors.NotFound("report", "r"), http.StatusNotFound},
		{errors.PermissionDenied("no"), http.StatusForbidden},
		{errors.InvalidTransition("no"), http.StatusConflict},
		{errors.Terminal("wf", "approved"), http.StatusConflict},
		{errors.Conflict("wf", 1, 2), http.StatusConflict},
		{fmt.Errorf("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}
