package resultcache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash/maphash"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// fingerprint returns the md5 hex digest of query||step, used both as the
// bucket-routing input and as the per-entry index key.
func fingerprint(query string, stepUs int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%d", query, stepUs)))
	return hex.EncodeToString(sum[:])
}

var bucketSeed = maphash.MakeSeed()

// bucketIndex maps a fingerprint onto one of b buckets.
func bucketIndex(fp string, b int) int {
	var h maphash.Hash
	h.SetSeed(bucketSeed)
	_, _ = h.WriteString(fp)
	return int(h.Sum64() % uint64(b))
}

var diskSuffix = newSuffixCounter()

// suffixCounter hands out the monotonic counter that disambiguates disk
// keys written within the same hour bucket, seeded from process-startup
// time so restarts don't collide with files still on disk from a prior
// run.
type suffixCounter struct {
	n int64
}

func newSuffixCounter() *suffixCounter {
	return &suffixCounter{n: time.Now().UnixNano()}
}

func (c *suffixCounter) next() int64 {
	return atomic.AddInt64(&c.n, 1)
}

// diskKey formats the blob path:
// metrics_results/{org}/{YYYYMMDDhh}/{md5}_{start}_{end}_{suffix}.pb
func diskKey(org, fp string, startUs, endUs int64) string {
	hour := time.Unix(0, startUs*1000).UTC().Format("2006010215")
	return fmt.Sprintf("metrics_results/%s/%s/%s_%d_%d_%d.pb", org, hour, fp, startUs, endUs, diskSuffix.next())
}

// parseDiskKey reverses diskKey's {md5}_{start}_{end}_{suffix}.pb filename
// component, for rebuilding the in-memory index from a BlobStore.List at
// startup. org and the hour bucket aren't needed by the index itself, only
// the fingerprint and range.
func parseDiskKey(key string) (fp string, startUs, endUs int64, ok bool) {
	name := strings.TrimSuffix(path.Base(key), ".pb")
	parts := strings.Split(name, "_")
	if len(parts) != 4 {
		return "", 0, 0, false
	}
	startUs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	endUs, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	return parts[0], startUs, endUs, true
}
