package pager

// PageRef is the in-memory frame descriptor for one cached page (spec
// §3 "Page reference"). Go's native pointers give us the intrusive
// doubly-linked list the spec asks for directly — unlike a borrow-
// checked language, there is no need for an index-based arena to get
// O(1) link/unlink (spec §9's "in a language without intrusive
// helpers..." note does not apply here).
type PageRef struct {
	ID    PageID
	Data  []byte
	refs  int32
	Dirty bool

	// lruPrev/lruNext link this ref into the buffer pool's LRU list.
	// head = most recently used, tail = next eviction victim.
	lruPrev, lruNext *PageRef
	inLRU            bool

	// dirtyPrev/dirtyNext link this ref into its owning DirtyList.
	dirtyPrev, dirtyNext *PageRef
	inDirtyList          bool
}

// Refs reports the current pin count. A frame with Refs() > 0 is never
// selected as an eviction victim.
func (p *PageRef) Refs() int32 { return p.refs }
