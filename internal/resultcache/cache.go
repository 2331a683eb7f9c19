// Package resultcache implements the step-keyed result cache: a bucketed,
// FIFO-evicted index of cached query ranges sitting between the outer
// query executor and the evaluator, backed by a file BlobStore holding
// protobuf-encoded MetricsQueryResponse blobs. The 90%-capacity / evict-
// oldest-10% FIFO rule is the primary eviction trigger, with an optional
// system-memory-pressure trigger (via Memory) alongside it.
package resultcache

import (
	"context"
	"time"

	"code.cloudfoundry.org/go-loggregator/metrics"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
)

// MetricsRegistry is the same registration seam store.go's MetricsRegistry
// uses.
type MetricsRegistry interface {
	NewCounter(name string, opts ...metrics.MetricOption) metrics.Counter
	NewGauge(name string, opts ...metrics.MetricOption) metrics.Gauge
}

type cacheMetrics struct {
	hits      metrics.Counter
	misses    metrics.Counter
	evictions metrics.Counter
	entries   metrics.Gauge
}

func registerMetrics(r MetricsRegistry) cacheMetrics {
	return cacheMetrics{
		hits:      r.NewCounter("result_cache_hits"),
		misses:    r.NewCounter("result_cache_misses"),
		evictions: r.NewCounter("result_cache_evictions"),
		entries:   r.NewGauge("result_cache_entries"),
	}
}

// Cache is the bucketed result cache. Construct with NewCache.
type Cache struct {
	buckets    []*bucket
	store      BlobStore
	cacheDelay int64
	metrics    cacheMetrics
}

// Config bundles Cache's construction parameters: Buckets is the shard
// count, MaxEntries is the global entry budget divided across buckets,
// GCTrigger is the fraction of a bucket's share that triggers eviction,
// and CacheDelayUs is the retention buffer subtracted from "now" before a
// Set is allowed to write.
type Config struct {
	Buckets      int
	MaxEntries   int
	GCTrigger    float64
	CacheDelayUs int64

	// Mem and MemPercentToFill are optional: when set, a bucket also
	// triggers eviction when heap-in-use exceeds MemPercentToFill percent
	// of total system memory, independent of its entry count.
	Mem              Memory
	MemPercentToFill float64
}

// NewCache constructs a Cache with cfg.Buckets independent buckets and
// replays store's key list into them, so the index survives restarts.
func NewCache(ctx context.Context, cfg Config, store BlobStore, reg MetricsRegistry) (*Cache, error) {
	perBucket := cfg.MaxEntries / cfg.Buckets
	c := &Cache{
		buckets:    make([]*bucket, cfg.Buckets),
		store:      store,
		cacheDelay: cfg.CacheDelayUs,
		metrics:    registerMetrics(reg),
	}
	for i := range c.buckets {
		c.buckets[i] = newBucket(perBucket, cfg.GCTrigger, cfg.Mem, cfg.MemPercentToFill)
	}
	if err := c.loadIndex(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) bucketFor(fp string) *bucket {
	return c.buckets[bucketIndex(fp, len(c.buckets))]
}

// GetResult is what Get returns on a hit: the series trimmed to the
// requested window, and the timestamp the caller must re-evaluate from
// onward to fill the remainder of [req_start, req_end].
type GetResult struct {
	Series   []promqlvalue.RangeValue
	NewStart int64
}

// Get looks up the cached prefix of [reqStartUs, reqEndUs] for query,
// returning the trimmed series and the first timestamp the caller still
// has to evaluate. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, query string, stepUs, reqStartUs, reqEndUs int64) (GetResult, bool, error) {
	fp := fingerprint(query, stepUs)
	b := c.bucketFor(fp)

	entry, ok := b.get(fp)
	if !ok {
		c.metrics.misses.Add(1)
		return GetResult{}, false, nil
	}
	if entry.Query != "" && entry.Query != query {
		// fingerprint collision: two distinct queries hashed to the same
		// md5, bypass rather than serve the wrong data.
		c.metrics.misses.Add(1)
		return GetResult{}, false, nil
	}

	item, ok := bestCoverage(entry, reqStartUs, reqEndUs)
	if !ok {
		c.metrics.misses.Add(1)
		return GetResult{}, false, nil
	}

	blob, err := c.store.Get(ctx, item.diskKey)
	if err != nil {
		b.dropItem(fp, item)
		c.metrics.misses.Add(1)
		return GetResult{}, false, nil
	}

	series, err := DecodeResponse(blob)
	if err != nil {
		return GetResult{}, false, err
	}

	trimmed, lastRetained := trimToWindow(series, reqStartUs, reqEndUs)
	if entry.Query == "" {
		entry.Query = query
	}

	if lastRetained < reqStartUs {
		c.metrics.misses.Add(1)
		return GetResult{}, false, nil
	}
	newStart := lastRetained + stepUs
	if newStart <= reqStartUs {
		c.metrics.misses.Add(1)
		return GetResult{}, false, nil
	}

	c.metrics.hits.Add(1)
	return GetResult{Series: trimmed, NewStart: newStart}, true, nil
}

// Set caches series for [reqStartUs, reqEndUs], clamping the end to
// now - cache_delay and skipping ranges an existing item already covers
// (unless update is set).
func (c *Cache) Set(ctx context.Context, org, query string, stepUs, reqStartUs, reqEndUs int64, series []promqlvalue.RangeValue, update bool) error {
	clampedEnd := reqEndUs
	if now := time.Now().UnixNano() / 1000; now-c.cacheDelay < clampedEnd {
		clampedEnd = now - c.cacheDelay
	}
	if clampedEnd <= reqStartUs {
		return nil
	}

	fp := fingerprint(query, stepUs)
	b := c.bucketFor(fp)

	if !update {
		if entry, ok := b.get(fp); ok {
			covered := false
			entry.forEach(func(it cacheItem) {
				if it.startUs <= reqStartUs && it.endUs >= clampedEnd {
					covered = true
				}
			})
			if covered {
				return nil
			}
		}
	}

	if evicted := b.maybeGC(); len(evicted) > 0 {
		c.metrics.evictions.Add(float64(len(evicted)))
		for _, key := range evicted {
			_ = c.store.Delete(ctx, key)
		}
	}

	trimmed, _ := trimToWindow(series, reqStartUs, clampedEnd)
	if len(trimmed) == 0 {
		return nil
	}

	key := diskKey(org, fp, reqStartUs, clampedEnd)
	if err := c.store.Put(ctx, key, EncodeResponse(trimmed)); err != nil {
		return err
	}

	entry, ok := b.get(fp)
	if !ok {
		entry = newIndexEntry(query)
	}
	entry.Query = query
	entry.addItem(cacheItem{diskKey: key, startUs: reqStartUs, endUs: clampedEnd})
	b.put(fp, entry)
	c.metrics.entries.Set(float64(bucketsSize(c.buckets)))
	return nil
}

func bucketsSize(buckets []*bucket) int {
	total := 0
	for _, b := range buckets {
		total += b.size()
	}
	return total
}

// bestCoverage picks the item whose [start, end] covers the largest prefix
// of [reqStart, reqEnd] starting exactly at reqStart. Walking entry.Items in
// startUs order means the item with the larger startUs wins a tie in
// coverage; write order is not tracked, so a tie is not decided by which
// item was written most recently.
func bestCoverage(entry *indexEntry, reqStart, reqEnd int64) (cacheItem, bool) {
	var best cacheItem
	bestSpan := int64(-1)
	found := false
	entry.forEach(func(it cacheItem) {
		if it.startUs > reqStart {
			return
		}
		hi := it.endUs
		if hi > reqEnd {
			hi = reqEnd
		}
		span := hi - reqStart
		if span < 0 {
			return
		}
		if span >= bestSpan {
			best = it
			bestSpan = span
			found = true
		}
	})
	return best, found
}

// trimToWindow drops samples and exemplars outside [startUs, endUs] from
// every series, discarding series left empty, and returns the greatest
// retained sample timestamp across all series (MinInt64 if none).
func trimToWindow(series []promqlvalue.RangeValue, startUs, endUs int64) ([]promqlvalue.RangeValue, int64) {
	const minInt64 = -1 << 63
	lastRetained := int64(minInt64)
	out := make([]promqlvalue.RangeValue, 0, len(series))
	for _, rv := range series {
		samples := make([]promqlvalue.Sample, 0, len(rv.Samples))
		for _, s := range rv.Samples {
			if s.TimestampUs < startUs || s.TimestampUs > endUs {
				continue
			}
			samples = append(samples, s)
			if s.TimestampUs > lastRetained {
				lastRetained = s.TimestampUs
			}
		}
		exemplars := make([]promqlvalue.Exemplar, 0, len(rv.Exemplars))
		for _, e := range rv.Exemplars {
			if e.TimestampUs < startUs || e.TimestampUs > endUs {
				continue
			}
			exemplars = append(exemplars, e)
		}
		if len(samples) == 0 && len(exemplars) == 0 {
			continue
		}
		out = append(out, promqlvalue.RangeValue{Labels: rv.Labels, Samples: samples, Exemplars: exemplars, TimeWindow: rv.TimeWindow})
	}
	return out, lastRetained
}

// loadIndex replays store.List into the in-memory buckets. Disk keys carry
// their org, hour bucket, fingerprint, start, and end in the filename
// itself (see diskKey), so no separate manifest is needed.
func (c *Cache) loadIndex(ctx context.Context) error {
	keys, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		fp, startUs, endUs, ok := parseDiskKey(key)
		if !ok {
			continue
		}
		b := c.bucketFor(fp)
		entry, ok := b.get(fp)
		if !ok {
			entry = newIndexEntry("")
		}
		entry.addItem(cacheItem{diskKey: key, startUs: startUs, endUs: endUs})
		b.put(fp, entry)
	}
	return nil
}
