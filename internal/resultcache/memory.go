package resultcache

import (
	"runtime"
	"sync"

	sigar "github.com/cloudfoundry/gosigar"
)

// Memory reports heap-in-use and system memory. bucket.maybeGC uses it
// to trigger eviction under system memory pressure in addition to the
// entry-count threshold.
type Memory interface {
	Memory() (heap, avail, total uint64)
}

// SigarMemory reads memory via gosigar.
type SigarMemory struct {
	mu sync.Mutex
}

func (a *SigarMemory) Memory() (heap, avail, total uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var m sigar.Mem
	m.Get()

	var rm runtime.MemStats
	runtime.ReadMemStats(&rm)

	return rm.HeapInuse, m.ActualFree, m.Total
}

// memoryPressure reports whether heap-in-use exceeds percentToFill percent
// of total system memory. A nil Memory or non-positive percentToFill
// always reports false, leaving eviction to the entry-count trigger alone.
func memoryPressure(m Memory, percentToFill float64) bool {
	if m == nil || percentToFill <= 0 {
		return false
	}
	heap, _, total := m.Memory()
	if total == 0 {
		return false
	}
	return float64(heap*100)/float64(total) > percentToFill
}
