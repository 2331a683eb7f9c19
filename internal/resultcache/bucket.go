package resultcache

import (
	"sync"

	"github.com/emirpasic/gods/trees/avltree"
	"github.com/emirpasic/gods/utils"
)

// cacheItem is one persisted range for a fingerprint: the disk key it was
// written under and the [start, end] it covers.
type cacheItem struct {
	diskKey string
	startUs int64
	endUs   int64
}

// indexEntry is a bucket's avltree value: the literal query text (for the
// fingerprint-collision check) and every range cached for it, kept in its
// own avltree ordered by startUs so picking the item covering the largest
// prefix of a request walks an ordered tree instead of scanning an
// unordered list.
//
// Query is left "" for entries reconstructed from BlobStore.List at
// startup, since the disk key only carries the md5 fingerprint, not the
// original query text — the first live Get or Set for that fingerprint
// backfills it.
type indexEntry struct {
	Query string
	Items *avltree.Tree
}

func newIndexEntry(query string) *indexEntry {
	return &indexEntry{Query: query, Items: avltree.NewWith(utils.Int64Comparator)}
}

// maxItemsPerEntry caps how many cached ranges a single fingerprint can
// index; on overflow the older (lowest-startUs) half is dropped.
const maxItemsPerEntry = 100

func (e *indexEntry) addItem(it cacheItem) {
	e.Items.Put(it.startUs, it)
	if e.Items.Size() <= maxItemsPerEntry {
		return
	}
	drop := e.Items.Size() / 2
	keys := make([]interface{}, 0, drop)
	iter := e.Items.Iterator()
	for iter.Next() && len(keys) < drop {
		keys = append(keys, iter.Key())
	}
	for _, k := range keys {
		e.Items.Remove(k)
	}
}

func (e *indexEntry) removeItem(it cacheItem) {
	e.Items.Remove(it.startUs)
}

func (e *indexEntry) empty() bool {
	return e.Items.Size() == 0
}

// forEach visits every item ascending by startUs.
func (e *indexEntry) forEach(f func(cacheItem)) {
	it := e.Items.Iterator()
	for it.Next() {
		f(it.Value().(cacheItem))
	}
}

// bucket is one of Cache's B shards: its own avltree index ordered by
// fingerprint, and its own FIFO eviction order and lock, so buckets never
// contend with each other.
type bucket struct {
	mu         sync.RWMutex
	index      *avltree.Tree
	fifo       []string
	maxEntries int
	gcTrigger  float64

	mem          Memory
	memPctToFill float64
}

func newBucket(maxEntries int, gcTrigger float64, mem Memory, memPctToFill float64) *bucket {
	return &bucket{
		index:        avltree.NewWith(utils.StringComparator),
		maxEntries:   maxEntries,
		gcTrigger:    gcTrigger,
		mem:          mem,
		memPctToFill: memPctToFill,
	}
}

func (b *bucket) get(fp string) (*indexEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.index.Get(fp)
	if !ok {
		return nil, false
	}
	return v.(*indexEntry), true
}

// put inserts or replaces the entry for fp, recording it at the back of the
// FIFO the first time fp is seen.
func (b *bucket) put(fp string, entry *indexEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, existed := b.index.Get(fp); !existed {
		b.fifo = append(b.fifo, fp)
	}
	b.index.Put(fp, entry)
}

// dropItem removes one stale cacheItem (its backing blob went missing) from
// fp's entry, deleting the entry entirely if that was its last item.
func (b *bucket) dropItem(fp string, item cacheItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.index.Get(fp)
	if !ok {
		return
	}
	entry := v.(*indexEntry)
	entry.removeItem(item)
	if entry.empty() {
		b.index.Remove(fp)
		b.removeFromFIFO(fp)
	}
}

func (b *bucket) removeFromFIFO(fp string) {
	for i, k := range b.fifo {
		if k == fp {
			b.fifo = append(b.fifo[:i], b.fifo[i+1:]...)
			return
		}
	}
}

// maybeGC evicts when the bucket is within gcTrigger of maxEntries, or
// when the process is under system memory pressure: it drops the oldest
// 10% of fingerprints by FIFO order, returning their disk keys so the
// caller can delete the backing blobs outside the lock.
func (b *bucket) maybeGC() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	overEntryBudget := b.maxEntries > 0 && float64(len(b.fifo)) >= float64(b.maxEntries)*b.gcTrigger
	if !overEntryBudget && !memoryPressure(b.mem, b.memPctToFill) {
		return nil
	}
	if len(b.fifo) == 0 {
		return nil
	}

	toEvict := len(b.fifo) / 10
	if toEvict == 0 {
		toEvict = 1
	}
	if toEvict > len(b.fifo) {
		toEvict = len(b.fifo)
	}

	var diskKeys []string
	for _, fp := range b.fifo[:toEvict] {
		if v, ok := b.index.Get(fp); ok {
			v.(*indexEntry).forEach(func(it cacheItem) {
				diskKeys = append(diskKeys, it.diskKey)
			})
			b.index.Remove(fp)
		}
	}
	b.fifo = append([]string(nil), b.fifo[toEvict:]...)
	return diskKeys
}

func (b *bucket) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.fifo)
}
