// Package pager implements the page manager: the buffer pool (PageRef /
// Bufmgr), the dirty list, and the Pager transaction state machine from
// spec §3–§4.3. It is grounded in the teacher's disk-backed KV store
// (pkg/storage/kv.go of the retrieval example this module is adapted
// from) generalized from a single mmap'd copy-on-write page file to an
// LRU-cached buffer pool that stages writes through a write-ahead log.
package pager

import "fmt"

// PageID identifies a page in the database file. Id 0 denotes "null";
// id 1 is the database root page; id 2 is the first pointer-map page.
type PageID uint32

const (
	// NullPage is the "no page" sentinel.
	NullPage PageID = 0
	// RootPageID is the database root page: file header + schema root.
	RootPageID PageID = 1
)

// MinPageSize and MaxPageSize bound the power-of-two page size fixed at
// database creation (spec §3).
const (
	MinPageSize = 512
	MaxPageSize = 65536
)

// ValidPageSize reports whether size is a power of two in [MinPageSize,
// MaxPageSize].
func ValidPageSize(size int) bool {
	if size < MinPageSize || size > MaxPageSize {
		return false
	}
	return size&(size-1) == 0
}

// IsPointerMapPage reports whether id is the position of a pointer-map
// page: id 2 is the first, recurring every (page_size-8)/5+1 pages
// thereafter (spec §3).
func IsPointerMapPage(id PageID, pageSize int) bool {
	if id < 2 {
		return false
	}
	entriesPerPage := (pageSize - 8) / 5
	stride := PageID(entriesPerPage + 1)
	return (id-2)%stride == 0
}

// FileHeaderSize is the fixed-width file header occupying the start of
// page 1 (spec §3): magic(4) + headerCRC(4) + pageCount(4) +
// recordCount(8) + freelistHead(4) + lastCommitLSN(8) + pageSize(4).
const FileHeaderSize = 36

const fileHeaderMagic = uint32(0x43414c49) // "CALI"

// FileHeader is the fixed-width header stored at the start of page 1.
type FileHeader struct {
	Magic         uint32
	CRC           uint32
	PageCount     uint32
	RecordCount   uint64
	FreelistHead  PageID
	LastCommitLSN uint64
	PageSize      uint32
}

func (h *FileHeader) Encode(buf []byte) {
	if len(buf) < FileHeaderSize {
		panic("pager: file header buffer too small")
	}
	putU32(buf[0:], h.Magic)
	// CRC written last, placeholder now.
	putU32(buf[8:], h.PageCount)
	putU64(buf[12:], h.RecordCount)
	putU32(buf[20:], uint32(h.FreelistHead))
	putU64(buf[24:], h.LastCommitLSN)
	putU32(buf[32:], h.PageSize)
	h.CRC = crc32Of(buf[0:4], buf[8:FileHeaderSize])
	putU32(buf[4:], h.CRC)
}

func DecodeFileHeader(buf []byte) (FileHeader, error) {
	var h FileHeader
	if len(buf) < FileHeaderSize {
		return h, fmt.Errorf("pager: short file header (%d bytes)", len(buf))
	}
	h.Magic = getU32(buf[0:])
	h.CRC = getU32(buf[4:])
	h.PageCount = getU32(buf[8:])
	h.RecordCount = getU64(buf[12:])
	h.FreelistHead = PageID(getU32(buf[20:]))
	h.LastCommitLSN = getU64(buf[24:])
	h.PageSize = getU32(buf[32:])
	if h.Magic != fileHeaderMagic {
		return h, fmt.Errorf("%w: bad file header magic", errCorruption)
	}
	want := crc32Of(buf[0:4], buf[8:FileHeaderSize])
	if want != h.CRC {
		return h, fmt.Errorf("%w: file header CRC mismatch", errCorruption)
	}
	return h, nil
}

// NewFileHeader returns the header for a freshly created database.
func NewFileHeader(pageSize int) FileHeader {
	return FileHeader{
		Magic:        fileHeaderMagic,
		PageCount:    2, // root page + first pointer-map page
		FreelistHead: NullPage,
		PageSize:     uint32(pageSize),
	}
}
