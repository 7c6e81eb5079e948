package worker

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Local tmp layout, partitioned so concurrent tasks never collide:
//
//	<tmp>/<job>/shuffle/<shuffle_id>/<src>/bucket-<dst>.bin
//	<tmp>/<job>/spill/<stage>/<partition>-<attempt>/spill-<n>.bin
//	<tmp>/<job>/fetch/<stage>/<partition>-<attempt>/<shuffle_id>-<u>.bin
//
// The whole <tmp>/<job> tree is deleted when the master announces the
// job terminal.

func jobDir(tmp, jobID string) string {
	return filepath.Join(tmp, jobID)
}

func bucketDir(tmp, jobID, shuffleID string, src int) string {
	return filepath.Join(tmp, jobID, "shuffle", shuffleID, fmt.Sprintf("%d", src))
}

func bucketPath(tmp, jobID, shuffleID string, src, dst int) string {
	return filepath.Join(bucketDir(tmp, jobID, shuffleID, src), fmt.Sprintf("bucket-%d.bin", dst))
}

func spillDir(tmp, jobID string, stage, partition, attempt int) string {
	return filepath.Join(tmp, jobID, "spill", fmt.Sprintf("%d", stage), fmt.Sprintf("%d-%d", partition, attempt))
}

func fetchDir(tmp, jobID string, stage, partition, attempt int) string {
	return filepath.Join(tmp, jobID, "fetch", fmt.Sprintf("%d", stage), fmt.Sprintf("%d-%d", partition, attempt))
}

// cleanSegment rejects path segments that could escape the tmp tree.
func cleanSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
