package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/internal/bounce"
	"github.com/courierhq/courier/internal/cache"
	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/ratelimit"
	"github.com/courierhq/courier/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory, *queue.Queue) {
	t.Helper()

	c := cache.NewMemory(cache.Config{Name: "api-test", Type: "memory"})
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Close() })

	s := store.NewMemory()
	s.AddProfile(&store.SMTPProfile{
		ID:            "profile-1",
		MaxHourlyRate: 100,
		Active:        true,
	})

	q := queue.New(c, queue.DefaultConfig())
	srv := NewServer(":0", queue.NewService(q), bounce.NewProcessor(s), s, s, ratelimit.NewLimiter(c))
	return srv, s, q
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func validJob() queue.EmailJob {
	return queue.EmailJob{
		TemplateID:     "tpl-1",
		To:             "alice@example.com",
		Language:       "en",
		ProfileID:      "profile-1",
		OrganizationID: "org-1",
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnqueueAndFetchJob(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/jobs", map[string]any{
		"job":  validJob(),
		"lane": "immediate",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job queue.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, queue.Immediate, job.Lane)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/jobs/immediate/%s", job.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnqueueInvalidJob(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/jobs", map[string]any{
		"job": queue.EmailJob{To: "alice@example.com"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueBulk(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/jobs/bulk", map[string]any{
		"jobs": []queue.EmailJob{validJob(), validJob()},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Jobs []queue.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	for _, job := range resp.Jobs {
		assert.Equal(t, queue.Bulk, job.Lane)
	}
}

func TestEnqueueBulkIntoExplicitLane(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/jobs/bulk", map[string]any{
		"jobs": []queue.EmailJob{validJob(), validJob()},
		"lane": queue.Immediate,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Jobs []queue.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	for _, job := range resp.Jobs {
		assert.Equal(t, queue.Immediate, job.Lane)
	}
}

func TestEnqueueBulkEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/jobs/bulk", map[string]any{"jobs": []queue.EmailJob{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/api/v1/jobs/immediate/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	srv, _, q := newTestServer(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, validJob(), queue.Immediate, queue.EnqueueOptions{})
	require.NoError(t, err)

	rec := doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/jobs/immediate/%s", job.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// already gone
	rec = doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/jobs/immediate/%s", job.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelActiveJobConflicts(t *testing.T) {
	srv, _, q := newTestServer(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, validJob(), queue.Immediate, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, queue.Immediate)
	require.NoError(t, err)

	rec := doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/jobs/immediate/%s", job.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryJob(t *testing.T) {
	srv, _, q := newTestServer(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, validJob(), queue.Immediate, queue.EnqueueOptions{})
	require.NoError(t, err)
	claimed, err := q.Dequeue(ctx, queue.Immediate)
	require.NoError(t, err)
	_, err = q.Fail(ctx, claimed, fmt.Errorf("550 rejected"), false)
	require.NoError(t, err)

	rec := doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/jobs/immediate/%s/retry", job.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueueStats(t *testing.T) {
	srv, _, q := newTestServer(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, validJob(), queue.Bulk, queue.EnqueueOptions{})
	require.NoError(t, err)

	rec := doJSON(t, srv, "GET", "/api/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[queue.Lane]queue.LaneStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats[queue.Bulk].Waiting)
	assert.Contains(t, stats, queue.Immediate)
	assert.Contains(t, stats, queue.Scheduled)
}

func TestSuppressionEndpoints(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()

	rec := doJSON(t, srv, "GET", "/api/v1/suppressions/dead@example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := bounce.NewProcessor(s).ProcessBounce(ctx, "dead@example.com", "550 user unknown", "")
	require.NoError(t, err)

	rec = doJSON(t, srv, "GET", "/api/v1/suppressions/dead@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record store.BounceRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.True(t, record.Suppressed)

	rec = doJSON(t, srv, "DELETE", "/api/v1/suppressions/dead@example.com", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	record2, err := s.GetBounce(ctx, "dead@example.com")
	require.NoError(t, err)
	assert.False(t, record2.Suppressed)
}

func TestRateStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/api/v1/profiles/profile-1/rate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status ratelimit.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Allowed)
	assert.Equal(t, 100, status.Remaining)

	rec = doJSON(t, srv, "GET", "/api/v1/profiles/ghost/rate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
