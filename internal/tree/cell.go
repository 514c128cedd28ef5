package tree

import (
	"encoding/binary"

	"github.com/calicodb/calicodb/internal/pager"
)

// cellOverhead is subtracted from the local-size bounds to leave room
// for the varint length prefixes and the optional overflow pointer
// (spec §3 "Cell").
const cellOverhead = 12

// localBounds returns (minLocal, maxLocal) per spec §3: "min_local =
// (page_size−header)·32/256 − header_overhead, max_local = ·64/256 −
// header_overhead".
func localBounds(usable int) (minLocal, maxLocal int) {
	minLocal = usable*32/256 - cellOverhead
	maxLocal = usable*64/256 - cellOverhead
	if minLocal < 0 {
		minLocal = 0
	}
	if maxLocal < minLocal {
		maxLocal = minLocal
	}
	return
}

// cell is the decoded, in-memory form of a B+-tree record, with its
// key/value either fully local or split across an overflow chain.
type cell struct {
	leftChild pager.PageID // internal cells only
	isBucket  bool         // external cells only: value is a child tree root id
	keySize   int
	valueSize int
	local     []byte // at most maxLocal leading bytes of key (internal) or key∥value (external)
	overflow  pager.PageID
}

func (c *cell) localKeySize(external bool) int {
	if !external {
		return len(c.local)
	}
	if c.keySize < len(c.local) {
		return c.keySize
	}
	return len(c.local)
}

func (c *cell) hasOverflow() bool { return c.overflow != pager.NullPage }

// encodedSize reports the on-page footprint of c.
func (c *cell) encodedSize(external bool) int {
	size := 0
	if external {
		size += uvarintLen(uint64(c.valueSize))
		size++ // isBucket flag
	} else {
		size += 4 // left child
	}
	size += uvarintLen(uint64(c.keySize))
	size += len(c.local)
	if c.hasOverflow() {
		size += 4
	}
	return size
}

func (c *cell) encode(buf []byte, external bool) int {
	off := 0
	if external {
		off += binary.PutUvarint(buf[off:], uint64(c.valueSize))
		buf[off] = 0
		if c.isBucket {
			buf[off] = 1
		}
		off++
	} else {
		binary.LittleEndian.PutUint32(buf[off:], uint32(c.leftChild))
		off += 4
	}
	off += binary.PutUvarint(buf[off:], uint64(c.keySize))
	off += copy(buf[off:], c.local)
	if c.hasOverflow() {
		binary.LittleEndian.PutUint32(buf[off:], uint32(c.overflow))
		off += 4
	}
	return off
}

// decodeCell reads a cell starting at buf[0:], given whether the
// owning node is external and the local-size bound to apply.
func decodeCell(buf []byte, external bool, maxLocal int) cell {
	var c cell
	off := 0
	if external {
		v, n := binary.Uvarint(buf[off:])
		c.valueSize = int(v)
		off += n
		c.isBucket = buf[off] != 0
		off++
	} else {
		c.leftChild = pager.PageID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	k, n := binary.Uvarint(buf[off:])
	c.keySize = int(k)
	off += n

	total := c.keySize
	if external {
		total += c.valueSize
	}
	localLen := total
	if localLen > maxLocal {
		localLen = maxLocal
	}
	c.local = append([]byte(nil), buf[off:off+localLen]...)
	off += localLen
	if total > maxLocal {
		c.overflow = pager.PageID(binary.LittleEndian.Uint32(buf[off:]))
	}
	return c
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
