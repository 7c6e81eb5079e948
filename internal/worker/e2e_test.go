package worker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sparkmini/sparkmini/internal/client"
	"github.com/sparkmini/sparkmini/internal/dag"
	"github.com/sparkmini/sparkmini/internal/master"
	"github.com/sparkmini/sparkmini/internal/record"
	"github.com/sparkmini/sparkmini/internal/shared/config"
	"github.com/sparkmini/sparkmini/internal/shared/logging"
	"github.com/sparkmini/sparkmini/internal/shared/protocol"
)

// startWorker boots a full worker (shuffle server + heartbeat loop)
// against the given master URL and returns a stop function.
func startWorker(t *testing.T, masterURL string) func() {
	t.Helper()

	cfg := &config.WorkerConfig{
		MasterURL:    masterURL,
		Slots:        2,
		MaxInMemKeys: 1000,
		TmpDir:       t.TempDir(),
		Heartbeat:    20 * time.Millisecond,
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	shuffle := NewShuffleServer(cfg.TmpDir, logging.Noop{})
	srv := NewServer(ln.Addr().String(), shuffle, logging.Noop{})
	go srv.Serve(ln)

	w := New(cfg, ln.Addr().String(), shuffle, logging.Noop{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	return func() {
		cancel()
		<-done
		srv.Close()
	}
}

func startMaster(t *testing.T) string {
	t.Helper()
	cfg := &config.MasterConfig{
		Heartbeat:   20 * time.Millisecond,
		DeadTimeout: 15 * time.Second,
		TaskTimeout: 10 * time.Minute,
		MaxAttempts: 3,
	}
	registry := master.NewRegistry(cfg, logging.Noop{})
	api := master.NewAPI(registry, logging.Noop{})
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	monitorCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go master.NewMonitor(50*time.Millisecond, registry).Start(monitorCtx)

	return srv.URL
}

func waitTerminal(t *testing.T, c *client.Client, jobID string) protocol.JobInfo {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		info, err := c.GetJob(jobID)
		require.NoError(t, err)
		if info.Status == protocol.StatusSucceeded || info.Status == protocol.StatusFailed {
			return info
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal status in time")
	return protocol.JobInfo{}
}

func TestEndToEndWordCountAcrossTwoWorkers(t *testing.T) {
	masterURL := startMaster(t)
	stop1 := startWorker(t, masterURL)
	defer stop1()
	stop2 := startWorker(t, masterURL)
	defer stop2()

	inDir := t.TempDir()
	contents := []string{
		"hello world hello\n",
		"world again world\n",
		"hello once more\n",
		"more and more words\n",
	}
	for i, content := range contents {
		name := filepath.Join(inDir, string(rune('a'+i))+".txt")
		require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
	}

	c := client.New(masterURL)
	info, err := c.SubmitJob(protocol.SubmitJobRequest{
		Name: "wc-e2e",
		Dag: dag.Graph{
			Nodes: []dag.Node{
				{ID: "read", Op: dag.OpReadText},
				{ID: "tokens", Op: dag.OpFlatMap, Params: map[string]string{"fn": "tokenize"}},
				{ID: "lower", Op: dag.OpMap, Params: map[string]string{"fn": "to_lower"}},
				{ID: "counts", Op: dag.OpReduceByKey, Params: map[string]string{"key": "token", "fn": "sum"}},
			},
			Edges: [][2]string{{"read", "tokens"}, {"tokens", "lower"}, {"lower", "counts"}},
		},
		Parallelism: 4,
		InputGlob:   filepath.Join(inDir, "*.txt"),
		OutputDir:   t.TempDir(),
	})
	require.NoError(t, err)

	final := waitTerminal(t, c, info.ID)
	require.Equal(t, protocol.StatusSucceeded, final.Status)

	res, err := c.GetResults(info.ID)
	require.NoError(t, err)
	require.Len(t, res.Files, 4)

	counts := make(map[string]string)
	for _, file := range res.Files {
		require.NoError(t, record.ReadJSONLFile(file, func(r record.Record) error {
			counts[r.K] = r.V
			return nil
		}))
	}
	require.Equal(t, map[string]string{
		"hello": "3",
		"world": "3",
		"again": "1",
		"once":  "1",
		"more":  "3",
		"and":   "1",
		"words": "1",
	}, counts)

	workers, err := c.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 2)
	for _, w := range workers {
		require.False(t, w.Dead)
	}
}

func TestEndToEndTypeErrorFailsJob(t *testing.T) {
	masterURL := startMaster(t)
	stop := startWorker(t, masterURL)
	defer stop()

	inDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inDir, "bad.csv"),
		[]byte("product_id,qty\np1,3\np2,abc\n"), 0o644))

	c := client.New(masterURL)
	info, err := c.SubmitJob(protocol.SubmitJobRequest{
		Name: "bad-reduce",
		Dag: dag.Graph{
			Nodes: []dag.Node{
				{ID: "read", Op: dag.OpReadCSV},
				{ID: "totals", Op: dag.OpReduceByKey, Params: map[string]string{
					"key": "product_id", "value": "qty", "fn": "sum",
				}},
			},
			Edges: [][2]string{{"read", "totals"}},
		},
		Parallelism: 1,
		InputGlob:   filepath.Join(inDir, "*.csv"),
		OutputDir:   t.TempDir(),
	})
	require.NoError(t, err)

	final := waitTerminal(t, c, info.ID)
	require.Equal(t, protocol.StatusFailed, final.Status)
	require.NotNil(t, final.LastError)
	require.Equal(t, "TypeError", final.LastError.Kind)

	res, err := c.GetResults(info.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusFailed, res.Status)
	require.Empty(t, res.Files)
}
