package worker

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/sparkmini/sparkmini/internal/shared/httpx"
	"github.com/sparkmini/sparkmini/internal/shared/logging"
)

// ShuffleServer streams local bucket files to downstream peers:
// GET /shuffle/{job}/{shuffle_id}/{src}/{dst}. Concurrent fetches of
// the same bucket are fine; the file is immutable once committed.
// 404 for a bucket that does not exist, 410 once the job's tmp tree
// has been cleaned up.
type ShuffleServer struct {
	tmpDir string
	logger logging.Logger

	mu      sync.Mutex
	cleaned map[string]bool
}

func NewShuffleServer(tmpDir string, logger logging.Logger) *ShuffleServer {
	return &ShuffleServer{
		tmpDir:  tmpDir,
		logger:  logger,
		cleaned: make(map[string]bool),
	}
}

// MarkCleaned records that a job's tmp tree is gone, turning later
// fetches into 410s instead of 404s.
func (s *ShuffleServer) MarkCleaned(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned[jobID] = true
}

func (s *ShuffleServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /shuffle/{job}/{shuffle}/{src}/{dst}", s.serveBucket)
}

func (s *ShuffleServer) serveBucket(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	shuffleID := r.PathValue("shuffle")
	if !cleanSegment(jobID) || !cleanSegment(shuffleID) {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	src, err := strconv.Atoi(r.PathValue("src"))
	if err != nil || src < 0 {
		http.Error(w, "bad src partition", http.StatusBadRequest)
		return
	}
	dst, err := strconv.Atoi(r.PathValue("dst"))
	if err != nil || dst < 0 {
		http.Error(w, "bad dst partition", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	gone := s.cleaned[jobID]
	s.mu.Unlock()
	if gone {
		http.Error(w, "job cleaned up", http.StatusGone)
		return
	}

	path := bucketPath(s.tmpDir, jobID, shuffleID, src, dst)
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

// NewServer exposes the shuffle endpoint behind the shared recovery
// middleware. Unlike the master, it does not log each request.
func NewServer(addr string, shuffle *ShuffleServer, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	shuffle.RegisterRoutes(mux)

	handler := httpx.ChainMiddleware(
		mux,
		httpx.RecoveryMiddleware(logger),
	)

	return &http.Server{
		Addr:    addr,
		Handler: handler,
	}
}
