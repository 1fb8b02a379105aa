package heap

const (
	doesNotContainCacheEntriesLog2 = 12
	doesNotContainCacheEntries     = 1 << doesNotContainCacheEntriesLog2
)

// heapDoesNotContainCache remembers blink pages that conservative scanning
// found to hold no heap page, so that stack words pointing at unrelated
// memory skip the region lookup. It is two-way associative: a hash picks
// an even slot and the entry in the odd slot after it is its older
// neighbour. Pages are only added to the heap outside of a GC, so the
// cache is flushed at the start of each one.
type heapDoesNotContainCache struct {
	entries    [doesNotContainCacheEntries]Address
	hasEntries bool
}

func doesNotContainHash(a Address) int {
	value := uintptr(a) >> blinkPageSizeLog2
	value ^= value >> doesNotContainCacheEntriesLog2
	value ^= value >> (doesNotContainCacheEntriesLog2 * 2)
	value &= doesNotContainCacheEntries - 1
	return int(value &^ 1)
}

func (c *heapDoesNotContainCache) lookup(a Address) bool {
	index := doesNotContainHash(a)
	page := roundToBlinkPageStart(a)
	return c.entries[index] == page || c.entries[index+1] == page
}

func (c *heapDoesNotContainCache) addEntry(a Address) {
	c.hasEntries = true
	index := doesNotContainHash(a)
	c.entries[index+1] = c.entries[index]
	c.entries[index] = roundToBlinkPageStart(a)
}

func (c *heapDoesNotContainCache) flush() {
	if c.hasEntries {
		clear(c.entries[:])
		c.hasEntries = false
	}
}
