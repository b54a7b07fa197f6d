/*
Package cache holds recently used version payloads in memory.

It is a thread-safe LRU bounded by a byte budget. Admissions evict least
recently used entries until usage fits under threshold*maxBytes; a payload
larger than the whole budget is refused outright rather than partially
admitted. FetchIfMissing implements the read miss path across the three
storage tiers: cache, local filesystem, object store.
*/
package cache
