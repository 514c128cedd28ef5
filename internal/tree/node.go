// Package tree implements the B+-tree over page ids: node/cell
// encoding, overflow chains, pointer-map bookkeeping, split/merge
// rebalancing, vacuum, and cursors with save/restore-on-mutation
// semantics (spec §4.5). It is grounded in the teacher's pkg/btree
// package (search/node-split shape, iterator walking leaf chains),
// generalized from a copy-on-write, rebuild-to-root tree with no
// overflow handling to an in-place slotted-page tree with overflow
// chains and pointer-map-assisted vacuum, the way original_source/'s
// tree unit does it.
package tree

import (
	"encoding/binary"

	"github.com/calicodb/calicodb/internal/pager"
)

// nodeHeaderSize: external(1) + prevID(4) + nextID(4) + cellCount(2) +
// cellAreaStart(2) + freelistHead(2) + freeBytes(2) + fragBytes(1).
const nodeHeaderSize = 18

const cellPtrSize = 2

// Node is a typed view over a pager.PageRef, valid for the duration of
// one tree operation (spec §3 "Node", "Lifecycles"). Free space is
// tracked simply: a contiguous gap between the slot array and the cell
// content area, compacted on demand, rather than the spec's
// freelist-of-fragments-within-the-content-area (see DESIGN.md: this
// trades a little unreclaimed slack for much simpler allocation code;
// compaction on every insert that needs room keeps it from ever
// running out of space it logically has).
type Node struct {
	Ref      *pager.PageRef
	PageSize int

	External      bool
	PrevID        pager.PageID // leaf sibling chain
	NextID        pager.PageID
	CellCount     int
	CellAreaStart int // absolute offset within Ref.Data where cell content begins
	FreelistHead  int // unused by the simplified allocator; kept for on-disk shape
	FreeBytes     int // reset to 0 by compaction; deletions do not add to it
	FragBytes     int

	// RightChild is the rightmost child pointer of an internal node.
	RightChild pager.PageID

	headerOffset int
}

// Load parses ref's buffer into a Node view. headerOffset is 0 for
// ordinary pages and pager.FileHeaderSize for the schema root living
// on page 1 alongside the file header.
func Load(ref *pager.PageRef, pageSize int, headerOffset int) *Node {
	buf := ref.Data[headerOffset:]
	n := &Node{Ref: ref, PageSize: pageSize, headerOffset: headerOffset}
	n.External = buf[0] != 0
	n.PrevID = pager.PageID(binary.LittleEndian.Uint32(buf[1:]))
	n.NextID = pager.PageID(binary.LittleEndian.Uint32(buf[5:]))
	n.CellCount = int(binary.LittleEndian.Uint16(buf[9:]))
	n.CellAreaStart = int(binary.LittleEndian.Uint16(buf[11:]))
	n.FreelistHead = int(binary.LittleEndian.Uint16(buf[13:]))
	n.FreeBytes = int(binary.LittleEndian.Uint16(buf[15:]))
	n.FragBytes = int(buf[17])
	if !n.External {
		n.RightChild = pager.PageID(binary.LittleEndian.Uint32(buf[nodeHeaderSize:]))
	}
	return n
}

// InitLeaf resets ref's page to an empty external (leaf) node.
func InitLeaf(ref *pager.PageRef, pageSize, headerOffset int) *Node {
	for i := range ref.Data {
		ref.Data[i] = 0
	}
	n := &Node{Ref: ref, PageSize: pageSize, External: true, headerOffset: headerOffset}
	n.CellAreaStart = pageSize
	n.Save()
	return n
}

// InitInternal resets ref's page to an empty internal node.
func InitInternal(ref *pager.PageRef, pageSize, headerOffset int) *Node {
	for i := range ref.Data {
		ref.Data[i] = 0
	}
	n := &Node{Ref: ref, PageSize: pageSize, External: false, headerOffset: headerOffset}
	n.CellAreaStart = pageSize
	n.Save()
	return n
}

// Save persists the in-memory header fields back into Ref.Data.
func (n *Node) Save() {
	buf := n.Ref.Data[n.headerOffset:]
	if n.External {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	binary.LittleEndian.PutUint32(buf[1:], uint32(n.PrevID))
	binary.LittleEndian.PutUint32(buf[5:], uint32(n.NextID))
	binary.LittleEndian.PutUint16(buf[9:], uint16(n.CellCount))
	binary.LittleEndian.PutUint16(buf[11:], uint16(n.CellAreaStart))
	binary.LittleEndian.PutUint16(buf[13:], uint16(n.FreelistHead))
	binary.LittleEndian.PutUint16(buf[15:], uint16(n.FreeBytes))
	buf[17] = byte(n.FragBytes)
	if !n.External {
		binary.LittleEndian.PutUint32(buf[nodeHeaderSize:], uint32(n.RightChild))
	}
}

// HeaderOffset exposes where this node's fixed header starts.
func (n *Node) HeaderOffset() int { return n.headerOffset }

// slotArrayOffset is where the 2-byte cell-pointer array begins.
func (n *Node) slotArrayOffset() int {
	if n.External {
		return n.headerOffset + nodeHeaderSize
	}
	return n.headerOffset + nodeHeaderSize + 4
}

func (n *Node) slotOffset(i int) int { return n.slotArrayOffset() + i*cellPtrSize }

func (n *Node) cellOffset(i int) int {
	return int(binary.LittleEndian.Uint16(n.Ref.Data[n.slotOffset(i):]))
}

func (n *Node) setCellOffset(i, off int) {
	binary.LittleEndian.PutUint16(n.Ref.Data[n.slotOffset(i):], uint16(off))
}

// UsableSpace is the page capacity available to slots + cell content.
func (n *Node) UsableSpace() int { return n.PageSize - n.headerOffset }

// gapSize is the contiguous free run between the slot array's current
// end and the start of cell content.
func (n *Node) gapSize() int {
	return n.CellAreaStart - n.slotOffset(n.CellCount)
}
