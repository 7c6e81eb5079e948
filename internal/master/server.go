package master

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sparkmini/sparkmini/internal/shared/fault"
	"github.com/sparkmini/sparkmini/internal/shared/httpx"
	"github.com/sparkmini/sparkmini/internal/shared/logging"
	"github.com/sparkmini/sparkmini/internal/shared/protocol"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// API serves the public job endpoints and the internal worker control
// plane over one mux. All state lives in the registry.
type API struct {
	registry *Registry
	logger   logging.Logger
}

func NewAPI(registry *Registry, logger logging.Logger) *API {
	return &API{registry: registry, logger: logger}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.health)

	mux.HandleFunc("POST /api/v1/jobs", a.submitJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}", a.getJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/results", a.getResults)
	mux.HandleFunc("GET /api/v1/workers", a.listWorkers)

	mux.HandleFunc("POST /api/v1/internal/register", a.register)
	mux.HandleFunc("POST /api/v1/internal/heartbeat", a.heartbeat)
	mux.HandleFunc("POST /api/v1/internal/task_report", a.taskReport)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, string(fault.InvalidDag), "invalid request body: "+err.Error())
		return
	}

	info, err := a.registry.SubmitJob(req)
	if err != nil {
		var f *fault.Fault
		if errors.As(err, &f) {
			a.respondError(w, http.StatusBadRequest, string(f.Kind), f.Message)
		} else {
			a.respondError(w, http.StatusInternalServerError, string(fault.IoError), err.Error())
		}
		return
	}
	a.respondJSON(w, http.StatusCreated, info)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	info, ok := a.registry.GetJob(r.PathValue("id"))
	if !ok {
		a.respondError(w, http.StatusNotFound, "", "job not found")
		return
	}
	a.respondJSON(w, http.StatusOK, info)
}

func (a *API) getResults(w http.ResponseWriter, r *http.Request) {
	res, ok := a.registry.GetResults(r.PathValue("id"))
	if !ok {
		a.respondError(w, http.StatusNotFound, "", "job not found")
		return
	}
	a.respondJSON(w, http.StatusOK, res)
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, a.registry.Workers())
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}
	if req.Addr == "" {
		a.respondError(w, http.StatusBadRequest, "", "addr is required")
		return
	}
	a.respondJSON(w, http.StatusOK, a.registry.Register(req))
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}
	resp, err := a.registry.Heartbeat(req)
	if err != nil {
		// Unknown worker id: 404. The worker logs the failed heartbeat
		// and keeps its id; it does not re-register.
		a.respondError(w, http.StatusNotFound, "", err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, resp)
}

func (a *API) taskReport(w http.ResponseWriter, r *http.Request) {
	var req protocol.TaskReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}
	a.registry.ReportTask(req)
	a.respondJSON(w, http.StatusOK, protocol.TaskReportResponse{Ack: true})
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, kind string, message string) {
	a.respondJSON(w, statusCode, protocol.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Kind:    kind,
		Message: message,
		Code:    statusCode,
	})
}

// NewServer wires the API behind the middleware chain.
func NewServer(addr string, registry *Registry, logger logging.Logger) *http.Server {
	api := NewAPI(registry, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := httpx.ChainMiddleware(
		mux,
		httpx.RecoveryMiddleware(logger),
		httpx.LoggingMiddleware(logger),
	)

	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}
