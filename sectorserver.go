package vvfat

import (
	"github.com/kb2ma/vvfat/internal/arena"
)

// fileCache is the sector server's one-file-open cache (§5): a private
// single-slot LRU keyed by mapping index. Sequential reads through a file
// stay on the same descriptor; switching to a different mapping closes the
// prior one before opening the next.
type fileCache struct {
	valid   bool
	mapping arena.Index
	file    interface {
		ReadAt(p []byte, off int64) (int, error)
		Close() error
	}
}

func (c *fileCache) get(v *Volume, idx arena.Index, path string) (interface {
	ReadAt(p []byte, off int64) (int, error)
}, error) {
	if c.valid && c.mapping == idx {
		return c.file, nil
	}
	c.close()

	f, err := v.opts.HostDir.Open(path)
	if err != nil {
		return nil, err
	}
	c.valid = true
	c.mapping = idx
	c.file = f
	return f, nil
}

func (c *fileCache) close() {
	if c.valid {
		_ = c.file.Close()
		c.valid = false
		c.file = nil
	}
}

// ReadSector implements BlockDevice (§4.6): consult the overlay first, then
// dispatch by sector number into the synthesized regions.
func (v *Volume) ReadSector(sector int64) ([]byte, error) {
	if sector < 0 || uint64(sector) >= v.geom.TotalSectors {
		return nil, ErrSectorOutOfRange
	}

	if data, hit, err := v.overlay.ReadBlock(sector); err != nil {
		return nil, err
	} else if hit {
		return data, nil
	}

	abs := uint64(sector)
	bootAt := v.offsetToBootSector()

	switch {
	case abs < bootAt+uint64(v.geom.ReservedSectors):
		return v.staticSector(abs, bootAt), nil
	case abs < bootAt+v.geom.OffsetToFAT+v.geom.SectorsPerFAT:
		return v.fatSectorBytes(abs - bootAt - v.geom.OffsetToFAT), nil
	case abs < bootAt+v.geom.OffsetToFAT+2*v.geom.SectorsPerFAT:
		return v.fatSectorBytes(abs - bootAt - v.geom.OffsetToFAT - v.geom.SectorsPerFAT), nil
	case abs < bootAt+v.geom.OffsetToData:
		return v.rootDirSector(abs - bootAt - v.geom.OffsetToRootDir), nil
	default:
		clusterOffset := abs - bootAt - v.geom.OffsetToData
		cluster := uint32(clusterOffset/uint64(v.geom.SectorsPerCluster)) + 2
		sectorInCluster := clusterOffset % uint64(v.geom.SectorsPerCluster)
		return v.readCluster(cluster, sectorInCluster), nil
	}
}

// offsetToBootSector is 0 on a bare floppy (FAT12, no MBR) and 1 whenever
// the volume is presented behind an MBR, matching init_mbr's condition.
func (v *Volume) offsetToBootSector() uint64 {
	if v.geom.FATType == FAT12 {
		return 0
	}
	return 1
}

// staticSector serves the MBR / boot sector / FSInfo / backup-boot-sector /
// reserved-padding region, all of which live in memory rather than in any
// arena.
func (v *Volume) staticSector(abs, bootAt uint64) []byte {
	switch {
	case abs == 0 && bootAt > 0:
		return orZero(v.mbr)
	case abs == bootAt:
		return orZero(v.bootSector)
	case v.geom.FATType == FAT32 && abs == bootAt+1:
		return orZero(v.fsInfo)
	case v.geom.FATType == FAT32 && abs == bootAt+6:
		return orZero(v.bootSector) // backup boot sector: a live mirror of the primary
	default:
		return make([]byte, SectorSize)
	}
}

func orZero(b []byte) []byte {
	if len(b) == SectorSize {
		out := make([]byte, SectorSize)
		copy(out, b)
		return out
	}
	return make([]byte, SectorSize)
}

func (v *Volume) fatSectorBytes(sectorInFAT uint64) []byte {
	data := v.fat.Bytes()
	start := sectorInFAT * SectorSize
	out := make([]byte, SectorSize)
	if start < uint64(len(data)) {
		copy(out, data[start:])
	}
	return out
}

func (v *Volume) rootDirSector(sectorInRoot uint64) []byte {
	start := sectorInRoot * SectorSize
	out := make([]byte, SectorSize)
	if start < uint64(len(v.rootData)) {
		copy(out, v.rootData[start:])
	}
	return out
}

// readCluster locates the mapping covering cluster and returns the
// sectorInCluster'th 512-byte slice of its content: directly from the
// directory arena for a directory mapping, or via the file cache for a
// file mapping. Any host I/O failure degrades to a zero sector rather than
// propagating an error, matching §4.6.
func (v *Volume) readCluster(cluster uint32, sectorInCluster uint64) []byte {
	out := make([]byte, SectorSize)

	idx, ok := v.mappings.FindForCluster(cluster)
	if !ok {
		return out
	}
	m := v.mappings.Get(idx)
	clusterBytes := uint64(v.geom.BytesPerSector) * uint64(v.geom.SectorsPerCluster)
	offsetInMapping := uint64(cluster-m.Begin)*clusterBytes + sectorInCluster*SectorSize

	if m.IsDirectory {
		buf := v.dirData[int(idx)]
		if buf == nil || offsetInMapping >= uint64(len(buf.data)) {
			return out
		}
		copy(out, buf.data[offsetInMapping:])
		return out
	}

	f, err := v.cache.get(v, idx, m.Path)
	if err != nil {
		return out
	}
	n, err := f.ReadAt(out, int64(offsetInMapping))
	if err != nil && n == 0 {
		return make([]byte, SectorSize)
	}
	return out
}

// WriteSector implements BlockDevice (§4.7): sector 0's boot-code bytes
// (those before offset 0x1B8), the boot sector, and the FAT32 FSInfo sector
// accept in-place mirrors without ever reaching the redo log; the rest of
// sector 0 (the partition table) and of the reserved region silently drops
// writes; everything else goes to the overlay.
func (v *Volume) WriteSector(sector int64, data []byte) error {
	if sector < 0 || uint64(sector) >= v.geom.TotalSectors {
		return ErrSectorOutOfRange
	}
	if len(data) != SectorSize {
		return ErrSectorOutOfRange
	}

	abs := uint64(sector)
	bootAt := v.offsetToBootSector()

	switch {
	case abs == 0 && bootAt > 0:
		if len(v.mbr) != SectorSize {
			v.mbr = make([]byte, SectorSize)
		}
		copy(v.mbr[:0x1B8], data[:0x1B8])
		return nil
	case abs == bootAt:
		if len(v.bootSector) != SectorSize {
			v.bootSector = make([]byte, SectorSize)
		}
		copy(v.bootSector, data)
		return nil
	case v.geom.FATType == FAT32 && abs == bootAt+1:
		if len(v.fsInfo) != SectorSize {
			v.fsInfo = make([]byte, SectorSize)
		}
		copy(v.fsInfo, data)
		return nil
	case abs < bootAt+uint64(v.geom.ReservedSectors):
		return nil // reserved padding: silently dropped
	default:
		if err := v.overlay.WriteBlock(sector, data); err != nil {
			return err
		}
		v.modified = true
		return nil
	}
}
