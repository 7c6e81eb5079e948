package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sparkmini/sparkmini/internal/record"
	"github.com/sparkmini/sparkmini/internal/shared/fault"
)

const (
	fetchConcurrency = 4
	fetchAttempts    = 4 // first try plus three retries
	fetchBackoff     = 200 * time.Millisecond
)

// bucketSet writes one stage partition's shuffle output: P bucket
// files, each committed by rename so downstream fetches never observe
// a partial bucket and re-execution overwrites cleanly.
type bucketSet struct {
	key     string
	files   []*record.AtomicFile
	writers []*record.FrameWriter
}

func newBucketSet(tmp, jobID, shuffleID string, src, parallelism int, key string) (*bucketSet, error) {
	bs := &bucketSet{key: key}
	for dst := 0; dst < parallelism; dst++ {
		f, err := record.NewAtomicFile(bucketPath(tmp, jobID, shuffleID, src, dst))
		if err != nil {
			bs.abort()
			return nil, err
		}
		bs.files = append(bs.files, f)
		bs.writers = append(bs.writers, record.NewFrameWriter(f))
	}
	return bs, nil
}

func (bs *bucketSet) write(rec record.Record) error {
	key, err := rec.Field(bs.key)
	if err != nil {
		return err
	}
	dst := record.PartitionFor(key, len(bs.writers))
	return bs.writers[dst].Write(rec)
}

func (bs *bucketSet) commit() error {
	for dst, w := range bs.writers {
		if err := w.Flush(); err != nil {
			bs.abort()
			return fault.Wrap(fault.IoError, err, "flushing bucket %d", dst)
		}
		if err := bs.files[dst].Commit(); err != nil {
			bs.abort()
			return err
		}
	}
	return nil
}

func (bs *bucketSet) abort() {
	for _, f := range bs.files {
		f.Abort()
	}
}

// fetchBuckets downloads bucket (u, dst) from every upstream partition
// u with bounded concurrency, retrying transient failures before
// giving up with FetchFailed. The returned paths are ordered by u so
// the caller can concatenate deterministically.
func (e *Executor) fetchBuckets(ctx context.Context, jobID, shuffleID string, producers []string, dst int, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.IoError, err, "creating fetch dir")
	}

	paths := make([]string, len(producers))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for u, addr := range producers {
		g.Go(func() error {
			if addr == "" {
				return fault.New(fault.FetchFailed, "no known producer for shuffle %s src %d", shuffleID, u)
			}
			url := fmt.Sprintf("http://%s/shuffle/%s/%s/%d/%d", addr, jobID, shuffleID, u, dst)
			local := fmt.Sprintf("%s/%s-%d.bin", dir, shuffleID, u)
			if err := e.fetchOne(ctx, url, local); err != nil {
				return err
			}
			paths[u] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (e *Executor) fetchOne(ctx context.Context, url, local string) error {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fault.New(fault.Cancelled, "fetch cancelled")
			case <-time.After(fetchBackoff << (attempt - 1)):
			}
		}
		lastErr = e.downloadTo(ctx, url, local)
		if lastErr == nil {
			return nil
		}
		if fault.KindOf(lastErr) == fault.Cancelled {
			return lastErr
		}
	}
	return fault.Wrap(fault.FetchFailed, lastErr, "fetching %s", url)
}

func (e *Executor) downloadTo(ctx context.Context, url, local string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fault.New(fault.Cancelled, "fetch cancelled")
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	out, err := record.NewAtomicFile(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Abort()
		return err
	}
	return out.Commit()
}
