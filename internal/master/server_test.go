package master

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sparkmini/sparkmini/internal/shared/fault"
	"github.com/sparkmini/sparkmini/internal/shared/logging"
	"github.com/sparkmini/sparkmini/internal/shared/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	registry := NewRegistry(testConfig(), logging.Noop{})
	api := NewAPI(registry, logging.Noop{})
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, registry
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestSubmitAndQueryJobOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	var info protocol.JobInfo
	resp := postJSON(t, srv.URL+"/api/v1/jobs", wordCountRequest(t, 2), &info)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, info.ID)
	require.Equal(t, protocol.StatusPending, info.Status)
	require.Len(t, info.Stages, 2)

	var got protocol.JobInfo
	resp = getJSON(t, srv.URL+"/api/v1/jobs/"+info.ID, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, info.ID, got.ID)
	require.Equal(t, "wordcount", got.Name)

	var res protocol.JobResults
	resp = getJSON(t, srv.URL+"/api/v1/jobs/"+info.ID+"/results", &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, res.Files)

	resp = getJSON(t, srv.URL+"/api/v1/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitInvalidDagOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	req := wordCountRequest(t, 2)
	req.Dag.Edges = append(req.Dag.Edges, [2]string{"counts", "read"})

	var apiErr protocol.ErrorResponse
	resp := postJSON(t, srv.URL+"/api/v1/jobs", req, &apiErr)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, string(fault.InvalidDag), apiErr.Kind)
}

func TestWorkerControlPlaneOverHTTP(t *testing.T) {
	srv, registry := newTestServer(t)

	var job protocol.JobInfo
	postJSON(t, srv.URL+"/api/v1/jobs", wordCountRequest(t, 1), &job)

	var reg protocol.RegisterResponse
	resp := postJSON(t, srv.URL+"/api/v1/internal/register",
		protocol.RegisterRequest{Addr: "w1:8081", Slots: 2}, &reg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, reg.WorkerID)
	require.Equal(t, int64(15000), reg.DeadTimeoutMs)

	var hb protocol.HeartbeatResponse
	postJSON(t, srv.URL+"/api/v1/internal/heartbeat",
		protocol.HeartbeatRequest{WorkerID: reg.WorkerID}, &hb)
	require.Len(t, hb.Assignments, 1)

	a := hb.Assignments[0]
	var ack protocol.TaskReportResponse
	postJSON(t, srv.URL+"/api/v1/internal/task_report", protocol.TaskReportRequest{
		WorkerID: reg.WorkerID,
		TaskID:   a.TaskID,
		Attempt:  a.Attempt,
		Outcome:  succeededShuffle(a, "w1:8081"),
	}, &ack)
	require.True(t, ack.Ack)

	var workers []protocol.WorkerInfo
	getJSON(t, srv.URL+"/api/v1/workers", &workers)
	require.Len(t, workers, 1)
	require.Equal(t, "w1:8081", workers[0].Addr)
	require.False(t, workers[0].Dead)

	// Unknown worker heartbeats get a 404.
	resp = postJSON(t, srv.URL+"/api/v1/internal/heartbeat",
		protocol.HeartbeatRequest{WorkerID: "ghost"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Registry state moved: stage 0 task is done.
	info, ok := registry.GetJob(job.ID)
	require.True(t, ok)
	require.Equal(t, 1, info.CompletedTasks)
}
