// Package segment implements the fixed-size, memory-mapped segment files
// that hold a collection version's data: a reserved header table followed
// by a contiguous data area.
package segment

import (
	"fmt"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"

	"github.com/coldstorehq/coldstore/internal/objheader"
	"github.com/coldstorehq/coldstore/internal/storeerr"
)

// FileSuffix is the fixed suffix every segment file carries.
const FileSuffix = ".bin"

// Caps bounds a single segment: how many items it may hold and how many
// data bytes it may carry, before rollover to a new segment is forced.
type Caps struct {
	MaxItemsPerSegment       int
	SegmentDataCapacityBytes int
}

// FileName renders the zero-padded, lexicographically-ordered file name for
// segment index idx (0, 1, 2, ...).
func FileName(idx int) string {
	return fmt.Sprintf("%04d%s", idx, FileSuffix)
}

// Segment is one memory-mapped file: a header table prefix sized for
// Caps.MaxItemsPerSegment headers of width objheader.Width(k), followed by
// a data area of Caps.SegmentDataCapacityBytes bytes.
type Segment struct {
	FileIndex int

	file   *os.File
	region mmap.MMap

	keyCount   int
	headerWid  int
	tableBytes int

	caps Caps

	itemCount  int
	dataOffset int // next free offset within the data area, relative to its start
}

func headerTableBytes(caps Caps, headerWidth int) int {
	return caps.MaxItemsPerSegment * headerWidth
}

// Create allocates a brand-new segment file at path, sized to hold the full
// header table plus the full data area, and maps it into memory.
func Create(path string, fileIndex, keyCount int, caps Caps) (*Segment, error) {
	headerWidth := objheader.Width(keyCount)
	tableBytes := headerTableBytes(caps, headerWidth)
	total := tableBytes + caps.SegmentDataCapacityBytes

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, storeerr.ErrIo(fmt.Sprintf("creating segment %s", path), err)
	}
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		return nil, storeerr.ErrIo(fmt.Sprintf("sizing segment %s", path), err)
	}

	region, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, storeerr.ErrIo(fmt.Sprintf("mapping segment %s", path), err)
	}

	return &Segment{
		FileIndex:  fileIndex,
		file:       f,
		region:     region,
		keyCount:   keyCount,
		headerWid:  headerWidth,
		tableBytes: tableBytes,
		caps:       caps,
	}, nil
}

// Open maps an existing segment file and scans its header table, invoking
// onHeader for every non-END-MARKER header found, in on-disk order. Scanning
// stops at the first END-MARKER or after MaxItemsPerSegment headers.
func Open(path string, fileIndex, keyCount int, caps Caps, onHeader func(objheader.Header) error) (*Segment, error) {
	headerWidth := objheader.Width(keyCount)
	tableBytes := headerTableBytes(caps, headerWidth)

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, storeerr.ErrIo(fmt.Sprintf("opening segment %s", path), err)
	}

	region, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, storeerr.ErrIo(fmt.Sprintf("mapping segment %s", path), err)
	}

	s := &Segment{
		FileIndex:  fileIndex,
		file:       f,
		region:     region,
		keyCount:   keyCount,
		headerWid:  headerWidth,
		tableBytes: tableBytes,
		caps:       caps,
	}

	maxDataOffset := 0
	for i := 0; i < caps.MaxItemsPerSegment; i++ {
		buf := region[i*headerWidth : (i+1)*headerWidth]
		h, err := objheader.Decode(buf, keyCount)
		if err != nil {
			region.Unmap()
			f.Close()
			return nil, storeerr.ErrIo(fmt.Sprintf("decoding header %d in %s", i, path), err)
		}
		if h.IsEndMarker() {
			break
		}
		if onHeader != nil {
			if err := onHeader(h); err != nil {
				region.Unmap()
				f.Close()
				return nil, err
			}
		}
		s.itemCount++
		end := int(h.OffsetInFile) + int(h.Length)
		if end > maxDataOffset {
			maxDataOffset = end
		}
	}
	s.dataOffset = maxDataOffset

	return s, nil
}

// CanFit reports whether an item of dataLen bytes can be stored in this
// segment without exceeding either the item-count or byte-capacity limit.
func (s *Segment) CanFit(dataLen int) bool {
	if s.itemCount >= s.caps.MaxItemsPerSegment {
		return false
	}
	return s.dataOffset+dataLen <= s.caps.SegmentDataCapacityBytes
}

// Store appends data at the next free data offset and writes the
// corresponding header at the next free header slot. The caller must have
// verified CanFit(len(data)) first. Store returns ItemTooLarge for an item
// larger than the whole data area, and an IoError for any other item that
// CanFit rejects.
func (s *Segment) Store(data []byte, keys []int64) (objheader.Header, error) {
	if len(data) > s.caps.SegmentDataCapacityBytes {
		return objheader.Header{}, storeerr.ErrItemTooLarge(len(data), s.caps.SegmentDataCapacityBytes)
	}
	if !s.CanFit(len(data)) {
		return objheader.Header{}, storeerr.New(storeerr.IoError, "segment: Store called without CanFit check")
	}

	h := objheader.Header{
		// Relative to the data area, not the start of the file; Read adds
		// tableBytes back on.
		OffsetInFile: int32(s.dataOffset),
		Length:       int32(len(data)),
		Keys:         append([]int64(nil), keys...),
	}

	dataStart := s.tableBytes + s.dataOffset
	copy(s.region[dataStart:dataStart+len(data)], data)

	headerStart := s.itemCount * s.headerWid
	if err := objheader.Encode(h, s.region[headerStart:headerStart+s.headerWid]); err != nil {
		return objheader.Header{}, err
	}

	s.itemCount++
	s.dataOffset += len(data)

	return h, nil
}

// WriteEndMarker writes an END-MARKER header at the next free header slot,
// if there is room for one. Called before a short rollover so the end of the
// header table is written explicitly; a zero-filled slot also decodes as an
// END-MARKER, so a later Open scan stops there either way.
func (s *Segment) WriteEndMarker() error {
	if s.itemCount >= s.caps.MaxItemsPerSegment {
		return nil
	}
	headerStart := s.itemCount * s.headerWid
	return objheader.Encode(objheader.EndMarker(s.keyCount), s.region[headerStart:headerStart+s.headerWid])
}

// Read returns the raw data bytes described by h.
func (s *Segment) Read(h objheader.Header) []byte {
	start := s.tableBytes + int(h.OffsetInFile)
	end := start + int(h.Length)
	out := make([]byte, h.Length)
	copy(out, s.region[start:end])
	return out
}

// ItemCount returns the number of live (non-END-MARKER) items stored.
func (s *Segment) ItemCount() int {
	return s.itemCount
}

// DataBytesUsed returns the number of data-area bytes consumed so far.
func (s *Segment) DataBytesUsed() int {
	return s.dataOffset
}

// Close unmaps and closes the underlying file.
func (s *Segment) Close() error {
	if err := s.region.Unmap(); err != nil {
		s.file.Close()
		return storeerr.ErrIo("unmapping segment", err)
	}
	return s.file.Close()
}

// SortFileIndexes sorts a slice of segments by their FileIndex ascending,
// matching lexicographic file name order.
func SortFileIndexes(segs []*Segment) {
	sort.Slice(segs, func(i, j int) bool { return segs[i].FileIndex < segs[j].FileIndex })
}
