package pager

import "sort"

// DirtyList is the intrusive doubly-linked list of dirty PageRefs (spec
// §4.2), ordered by insertion. Sorted returns its pages by ascending page
// id (leaving the list itself in insertion order) so WAL frames for a
// commit are written in page-id order.
type DirtyList struct {
	head, tail *PageRef
	count      int
}

func (dl *DirtyList) Len() int { return dl.count }

// Insert appends ref to the list. It is a programming error to insert a
// ref that is already linked; callers must check Dirty/inDirtyList
// first (mirrored by Pager.MarkDirty).
func (dl *DirtyList) Insert(ref *PageRef) {
	if ref.inDirtyList {
		panic("pager: page already in dirty list")
	}
	ref.dirtyPrev = dl.tail
	ref.dirtyNext = nil
	if dl.tail != nil {
		dl.tail.dirtyNext = ref
	} else {
		dl.head = ref
	}
	dl.tail = ref
	ref.inDirtyList = true
	dl.count++
}

// Remove unlinks ref from the list. It is idempotent when ref is not
// currently linked.
func (dl *DirtyList) Remove(ref *PageRef) {
	if !ref.inDirtyList {
		return
	}
	if ref.dirtyPrev != nil {
		ref.dirtyPrev.dirtyNext = ref.dirtyNext
	} else {
		dl.head = ref.dirtyNext
	}
	if ref.dirtyNext != nil {
		ref.dirtyNext.dirtyPrev = ref.dirtyPrev
	} else {
		dl.tail = ref.dirtyPrev
	}
	ref.dirtyPrev, ref.dirtyNext = nil, nil
	ref.inDirtyList = false
	dl.count--
}

// Head returns the first PageRef in the list (insertion order), or nil.
func (dl *DirtyList) Head() *PageRef { return dl.head }

// Each visits every ref in the list's current order.
func (dl *DirtyList) Each(fn func(*PageRef)) {
	for r := dl.head; r != nil; r = r.dirtyNext {
		fn(r)
	}
}

// Sorted returns the dirty pages as a slice ordered by ascending page
// id, implementing spec §4.2's sort() by sorting a slice snapshot with
// sort.Slice (simpler than sorting the intrusive links in place, and the
// dirty list is bounded by the buffer pool's capacity so the allocation
// is cheap).
func (dl *DirtyList) Sorted() []*PageRef {
	out := make([]*PageRef, 0, dl.count)
	dl.Each(func(r *PageRef) { out = append(out, r) })
	sortRefsByID(out)
	return out
}

func sortRefsByID(refs []*PageRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
}
