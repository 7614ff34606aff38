// Package redolog implements the copy-on-write overlay that absorbs every
// guest write against a synthesized volume: a sparse, bitmap-backed extent
// store over a backing file, grounded on the redolog_t type in the
// reference implementation this module learns from.
//
// The overlay only ever runs in VOLATILE mode here: its backing file is
// created with afero.TempFile and removed immediately, so its lifetime is
// tied to the open file handle rather than to a path on disk. GROWING mode
// (where the overlay itself can be resized and committed onto a base image
// larger than the one it started against) is modeled by the SubtypeGrowing
// value of Create's subtype parameter for API completeness but is never
// exercised by the rest of this module.
package redolog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// BlockSize is the addressing granularity of the overlay; it always matches
// the volume's sector size.
const BlockSize = 512

const notAllocated = 0xFFFFFFFF

var magic = [4]byte{'V', 'V', 'R', 'L'}

const (
	headerType    = 1
	headerVersion = 1

	// SubtypeVolatile is the only subtype this module creates: the overlay
	// is unlinked as soon as it's created and never outlives the process.
	SubtypeVolatile = 0
	// SubtypeGrowing exists so the on-disk format can describe a
	// persistent, resizable overlay; Open/Create accept it but nothing in
	// this module produces one.
	SubtypeGrowing = 1
)

// standardHeader is the fixed-size prologue common to every redo-log file.
type standardHeader struct {
	Magic   [4]byte
	Type    uint32
	Subtype uint32
	Version uint32
}

// specificHeader follows standardHeader and describes the catalog/bitmap/
// extent sizing chosen for this particular overlay.
type specificHeader struct {
	CatalogEntries uint32
	BitmapSize     uint32
	ExtentSize     uint32
	Timestamp      uint32
	DiskSize       uint64
}

const standardHeaderSize = 4 + 4 + 4 + 4
const specificHeaderSize = 4 + 4 + 4 + 4 + 8
const headerSize = standardHeaderSize + specificHeaderSize

// Backing is the capability set the overlay needs from its storage:
// positional read and write, truncate, close. Both *os.File and afero.File
// satisfy it.
//
// Generated mock using mockgen:
//
//	mockgen -source=redolog.go -destination=redolog_mock.go -package redolog
type Backing interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Truncate(size int64) error
}

// Base is the minimal capability a commit target needs: addressable
// 512-byte sector writes. Collapsing "apply this overlay to a base image"
// down to this one method keeps the overlay from depending on anything
// about what it's committing onto.
type Base interface {
	WriteSector(sector int64, data []byte) error
}

// Overlay is a sparse copy-on-write store over a Backing file.
type Overlay struct {
	backing Backing

	catalog        []uint32 // one slot per virtual extent; notAllocated or a physical extent ordinal
	bitmapSize     uint32   // bytes; one bit per 512-byte block within an extent
	extentSize     uint32   // bytes per extent = 8 * bitmapSize * BlockSize
	blocksPerExtent int64
	diskSize       int64
	nextExtent     uint32 // number of physical extents allocated so far

	bitmapCache       map[uint32][]byte // physical extent -> its bitmap, lazily loaded
}

// sizeExtents runs the reference implementation's make_header sizing loop:
// starting from 512 catalog entries and a 1-byte bitmap, alternately double
// the bitmap size then the entry count until the addressable space covers
// diskSize.
func sizeExtents(diskSize int64) (entries, bitmapSize uint32) {
	entries = 512
	bitmapSize = 1
	growBitmapNext := true
	for int64(entries)*extentSizeFor(bitmapSize) < diskSize {
		if growBitmapNext {
			bitmapSize *= 2
		} else {
			entries *= 2
		}
		growBitmapNext = !growBitmapNext
	}
	return entries, bitmapSize
}

func extentSizeFor(bitmapSize uint32) int64 {
	return 8 * int64(bitmapSize) * BlockSize
}

func ceilBlocks(n uint32) int64 {
	return int64((n + BlockSize - 1) / BlockSize) * BlockSize
}

// Create formats a fresh overlay of the given subtype over backing, sized
// to cover diskSize bytes of virtual address space, and writes its header
// and (all-unallocated) catalog immediately.
func Create(backing Backing, subtype uint32, diskSize int64) (*Overlay, error) {
	entries, bitmapSize := sizeExtents(diskSize)
	extentSize := uint32(extentSizeFor(bitmapSize))

	o := &Overlay{
		backing:         backing,
		catalog:         make([]uint32, entries),
		bitmapSize:      bitmapSize,
		extentSize:      extentSize,
		blocksPerExtent: 8 * int64(bitmapSize),
		diskSize:        diskSize,
		bitmapCache:     make(map[uint32][]byte),
	}
	for i := range o.catalog {
		o.catalog[i] = notAllocated
	}

	if err := o.writeHeader(subtype); err != nil {
		return nil, err
	}
	if err := o.writeCatalog(); err != nil {
		return nil, err
	}
	return o, nil
}

// Open reads back an overlay previously written by Create, restoring the
// catalog and re-deriving the allocation high-water mark by scanning it.
func Open(backing Backing) (*Overlay, error) {
	var hdrBuf [headerSize]byte
	if _, err := backing.ReadAt(hdrBuf[:], 0); err != nil {
		return nil, fmt.Errorf("redolog: reading header: %w", err)
	}
	var sh standardHeader
	copy(sh.Magic[:], hdrBuf[0:4])
	sh.Type = binary.LittleEndian.Uint32(hdrBuf[4:8])
	sh.Subtype = binary.LittleEndian.Uint32(hdrBuf[8:12])
	sh.Version = binary.LittleEndian.Uint32(hdrBuf[12:16])
	if sh.Magic != magic || sh.Type != headerType {
		return nil, errors.New("redolog: bad magic or type")
	}

	var spec specificHeader
	b := hdrBuf[standardHeaderSize:]
	spec.CatalogEntries = binary.LittleEndian.Uint32(b[0:4])
	spec.BitmapSize = binary.LittleEndian.Uint32(b[4:8])
	spec.ExtentSize = binary.LittleEndian.Uint32(b[8:12])
	spec.Timestamp = binary.LittleEndian.Uint32(b[12:16])
	spec.DiskSize = binary.LittleEndian.Uint64(b[16:24])

	o := &Overlay{
		backing:         backing,
		catalog:         make([]uint32, spec.CatalogEntries),
		bitmapSize:      spec.BitmapSize,
		extentSize:      spec.ExtentSize,
		blocksPerExtent: 8 * int64(spec.BitmapSize),
		diskSize:        int64(spec.DiskSize),
		bitmapCache:     make(map[uint32][]byte),
	}

	catalogBuf := make([]byte, int64(spec.CatalogEntries)*4)
	if _, err := backing.ReadAt(catalogBuf, headerSize); err != nil {
		return nil, fmt.Errorf("redolog: reading catalog: %w", err)
	}
	for i := range o.catalog {
		v := binary.LittleEndian.Uint32(catalogBuf[i*4 : i*4+4])
		o.catalog[i] = v
		if v != notAllocated && v+1 > o.nextExtent {
			o.nextExtent = v + 1
		}
	}
	return o, nil
}

func (o *Overlay) writeHeader(subtype uint32) error {
	var buf [headerSize]byte
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], headerType)
	binary.LittleEndian.PutUint32(buf[8:12], subtype)
	binary.LittleEndian.PutUint32(buf[12:16], headerVersion)

	b := buf[standardHeaderSize:]
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(o.catalog)))
	binary.LittleEndian.PutUint32(b[4:8], o.bitmapSize)
	binary.LittleEndian.PutUint32(b[8:12], o.extentSize)
	binary.LittleEndian.PutUint32(b[12:16], 0) // timestamp: left at zero, the overlay is volatile
	binary.LittleEndian.PutUint64(b[16:24], uint64(o.diskSize))

	_, err := o.backing.WriteAt(buf[:], 0)
	return err
}

func (o *Overlay) writeCatalog() error {
	buf := make([]byte, len(o.catalog)*4)
	for i, v := range o.catalog {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	_, err := o.backing.WriteAt(buf, headerSize)
	return err
}

func (o *Overlay) catalogByteOffset(i int) int64 {
	return headerSize + int64(i)*4
}

// extentRegionBytes is the on-disk size of one allocated extent: its
// bitmap rounded up to a sector boundary, followed by its data.
func (o *Overlay) extentRegionBytes() int64 {
	return ceilBlocks(o.bitmapSize) + int64(o.extentSize)
}

func (o *Overlay) extentRegionOffset(physicalExtent uint32) int64 {
	catalogBytes := int64(len(o.catalog)) * 4
	return headerSize + catalogBytes + int64(physicalExtent)*o.extentRegionBytes()
}

func (o *Overlay) loadBitmap(physicalExtent uint32) ([]byte, error) {
	if b, ok := o.bitmapCache[physicalExtent]; ok {
		return b, nil
	}
	buf := make([]byte, o.bitmapSize)
	off := o.extentRegionOffset(physicalExtent)
	if _, err := o.backing.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	o.bitmapCache[physicalExtent] = buf
	return buf, nil
}

func (o *Overlay) storeBitmap(physicalExtent uint32, bitmap []byte) error {
	off := o.extentRegionOffset(physicalExtent)
	_, err := o.backing.WriteAt(bitmap, off)
	return err
}

func bitSet(bitmap []byte, bit int64) bool {
	return bitmap[bit/8]&(1<<uint(bit%8)) != 0
}

func setBit(bitmap []byte, bit int64) {
	bitmap[bit/8] |= 1 << uint(bit%8)
}

// locate decodes a virtual block number into its extent index and the
// offset of that block within the extent.
func (o *Overlay) locate(block int64) (extentIndex int64, blockInExtent int64) {
	return block / o.blocksPerExtent, block % o.blocksPerExtent
}

// ReadBlock reads the 512-byte block at the given virtual block index. The
// second return value is false if the overlay has never recorded a write
// to that block, in which case the caller must fall back to its
// synthesized baseline.
func (o *Overlay) ReadBlock(block int64) (data []byte, hit bool, err error) {
	extentIndex, blockInExtent := o.locate(block)
	if extentIndex < 0 || int(extentIndex) >= len(o.catalog) {
		return nil, false, fmt.Errorf("redolog: block %d out of range", block)
	}
	physical := o.catalog[extentIndex]
	if physical == notAllocated {
		return nil, false, nil
	}

	bitmap, err := o.loadBitmap(physical)
	if err != nil {
		return nil, false, err
	}
	if !bitSet(bitmap, blockInExtent) {
		return nil, false, nil
	}

	buf := make([]byte, BlockSize)
	dataOff := o.extentRegionOffset(physical) + ceilBlocks(o.bitmapSize) + blockInExtent*BlockSize
	if _, err := o.backing.ReadAt(buf, dataOff); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

// WriteBlock absorbs a write to the given virtual block index, allocating a
// new extent (and its bitmap) on first use.
func (o *Overlay) WriteBlock(block int64, data []byte) error {
	if len(data) != BlockSize {
		return fmt.Errorf("redolog: write must be exactly %d bytes, got %d", BlockSize, len(data))
	}
	extentIndex, blockInExtent := o.locate(block)
	if extentIndex < 0 || int(extentIndex) >= len(o.catalog) {
		return fmt.Errorf("redolog: block %d out of range", block)
	}

	physical := o.catalog[extentIndex]
	if physical == notAllocated {
		physical = o.nextExtent
		o.nextExtent++
		o.catalog[extentIndex] = physical
		if err := o.storeBitmap(physical, make([]byte, o.bitmapSize)); err != nil {
			return err
		}
		o.bitmapCache[physical] = make([]byte, o.bitmapSize)
		if err := o.writeCatalogEntry(int(extentIndex)); err != nil {
			return err
		}
	}

	bitmap, err := o.loadBitmap(physical)
	if err != nil {
		return err
	}
	dataOff := o.extentRegionOffset(physical) + ceilBlocks(o.bitmapSize) + blockInExtent*BlockSize
	if _, err := o.backing.WriteAt(data, dataOff); err != nil {
		return err
	}

	if !bitSet(bitmap, blockInExtent) {
		setBit(bitmap, blockInExtent)
		if err := o.storeBitmap(physical, bitmap); err != nil {
			return err
		}
	}
	return nil
}

func (o *Overlay) writeCatalogEntry(extentIndex int) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], o.catalog[extentIndex])
	_, err := o.backing.WriteAt(buf[:], o.catalogByteOffset(extentIndex))
	return err
}

// Commit streams every allocated, present block onto base in virtual-block
// order.
func (o *Overlay) Commit(base Base) error {
	for extentIndex, physical := range o.catalog {
		if physical == notAllocated {
			continue
		}
		bitmap, err := o.loadBitmap(physical)
		if err != nil {
			return err
		}
		for bit := int64(0); bit < o.blocksPerExtent; bit++ {
			if !bitSet(bitmap, bit) {
				continue
			}
			block := int64(extentIndex)*o.blocksPerExtent + bit
			data, hit, err := o.ReadBlock(block)
			if err != nil {
				return err
			}
			if !hit {
				continue
			}
			if err := base.WriteSector(block, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases the backing file. It does not commit; callers decide
// whether to commit first.
func (o *Overlay) Close() error {
	return o.backing.Close()
}
