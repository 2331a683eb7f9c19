package resultcache_test

import (
	"context"
	"os"
	"sync"

	"code.cloudfoundry.org/go-loggregator/metrics/testhelpers"
	"code.cloudfoundry.org/metric-query/internal/promqlvalue"
	"code.cloudfoundry.org/metric-query/internal/resultcache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// memStore is an in-memory resultcache.BlobStore, for tests that want
// deterministic behavior without touching the filesystem.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return d, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

var series = []promqlvalue.RangeValue{
	{
		Labels: promqlvalue.NewLabels(map[string]string{"__name__": "foo"}),
		Samples: []promqlvalue.Sample{
			{TimestampUs: 1000, Value: 1},
			{TimestampUs: 2000, Value: 2},
			{TimestampUs: 3000, Value: 3},
		},
	},
}

var _ = Describe("Cache", func() {
	var (
		store *memStore
		cache *resultcache.Cache
	)

	BeforeEach(func() {
		store = newMemStore()
		var err error
		cache, err = resultcache.NewCache(context.Background(), resultcache.Config{
			Buckets:      4,
			MaxEntries:   400,
			GCTrigger:    0.9,
			CacheDelayUs: 0,
		}, store, testhelpers.NewMetricsRegistry())
		Expect(err).NotTo(HaveOccurred())
	})

	It("misses when nothing has been cached", func() {
		_, ok, err := cache.Get(context.Background(), "foo", 1000, 1000, 3000)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("serves a Set back out of Get, trimmed to the requested window", func() {
		err := cache.Set(context.Background(), "org-1", "foo", 1000, 1000, 3000, series, false)
		Expect(err).NotTo(HaveOccurred())

		res, ok, err := cache.Get(context.Background(), "foo", 1000, 1000, 2000)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(res.Series).To(HaveLen(1))
		Expect(res.Series[0].Samples).To(HaveLen(2))
		Expect(res.NewStart).To(Equal(int64(3000)))
	})

	It("misses for a query that was never cached", func() {
		Expect(cache.Set(context.Background(), "org-1", "foo", 1000, 1000, 3000, series, false)).To(Succeed())

		_, ok, err := cache.Get(context.Background(), "bar", 1000, 1000, 3000)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("drops a stale index item when its blob has gone missing", func() {
		Expect(cache.Set(context.Background(), "org-1", "foo", 1000, 1000, 3000, series, false)).To(Succeed())

		for _, k := range mustList(store) {
			Expect(store.Delete(context.Background(), k)).To(Succeed())
		}

		_, ok, err := cache.Get(context.Background(), "foo", 1000, 1000, 3000)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("reports a miss when the cached range doesn't advance the request", func() {
		Expect(cache.Set(context.Background(), "org-1", "foo", 1000, 1000, 2000, series, false)).To(Succeed())

		_, ok, err := cache.Get(context.Background(), "foo", 1000, 5000, 6000)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("skips a redundant Set that is already fully covered", func() {
		Expect(cache.Set(context.Background(), "org-1", "foo", 1000, 1000, 3000, series, false)).To(Succeed())
		before := len(mustList(store))

		Expect(cache.Set(context.Background(), "org-1", "foo", 1000, 1000, 2000, series, false)).To(Succeed())
		Expect(mustList(store)).To(HaveLen(before))
	})
})

func mustList(s *memStore) []string {
	keys, err := s.List(context.Background())
	Expect(err).NotTo(HaveOccurred())
	return keys
}
