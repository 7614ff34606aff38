package vvfat

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/kb2ma/vvfat/checkpoint"
	"github.com/kb2ma/vvfat/internal/arena"
	"github.com/kb2ma/vvfat/internal/lfn"
)

// Commit is the commit engine (§4.8): it reads back the FAT the guest last
// wrote (fat2), walks the resulting directory tree, and reconciles it
// against the mapping arena frozen at Open, applying create/rewrite/rename/
// delete operations to the host directory. It is a no-op, per the
// idempotence property in §8, unless a guest write reached the overlay
// since the last successful Commit.
func (v *Volume) Commit() error {
	if !v.modified {
		return nil
	}

	fat2, err := v.readFAT2()
	if err != nil {
		return checkpoint.Wrap(err, fmt.Errorf("vvfat: reading mutated FAT"))
	}

	for i := 1; i < v.mappings.Len(); i++ {
		m := v.mappings.Get(arena.Index(i))
		if m.FirstMappingIndex < 0 {
			m.Mode |= ModeDeleted
		}
	}

	attrFile, err := v.opts.HostDir.OpenFile(v.opts.AttrSidecarPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return checkpoint.Wrap(err, fmt.Errorf("vvfat: opening attribute sidecar for write"))
	}

	c := &commitWalk{v: v, fat2: fat2}

	rootCluster := uint32(0)
	if v.geom.FATType == FAT32 {
		rootCluster = v.mappings.Get(0).Begin
	}
	c.parseDirectory("", rootCluster)

	writeErr := writeAttrSidecar(attrFile, c.attrEntries)
	closeErr := attrFile.Close()
	if writeErr != nil {
		return checkpoint.Wrap(writeErr, fmt.Errorf("vvfat: writing attribute sidecar"))
	}
	if closeErr != nil {
		return checkpoint.Wrap(closeErr, fmt.Errorf("vvfat: closing attribute sidecar"))
	}

	for i := v.mappings.Len() - 1; i > 0; i-- {
		m := v.mappings.Get(arena.Index(i))
		if m.Mode&ModeDeleted == 0 {
			continue
		}
		// Best-effort, matching §5/§7: a failed removal (e.g. a directory
		// the guest emptied but the host still sees files in, via a stale
		// mapping) is skipped and the walk continues.
		_ = v.opts.HostDir.Remove(m.Path)
	}

	v.modified = false
	return nil
}

// readFAT2 reads the mutated FAT at offset_to_fat through the sector-read
// path (so it observes overlay bytes where present) and decodes it into the
// "second FAT" the reconciliation walk treats as ground truth (§3
// Lifecycle, §4.8 step 1).
func (v *Volume) readFAT2() (*FATTable, error) {
	bootAt := v.offsetToBootSector()
	start := bootAt + v.geom.OffsetToFAT
	data := make([]byte, 0, v.geom.SectorsPerFAT*SectorSize)
	for i := uint64(0); i < v.geom.SectorsPerFAT; i++ {
		sec, err := v.ReadSector(int64(start + i))
		if err != nil {
			return nil, err
		}
		data = append(data, sec...)
	}
	return LoadFAT(data, v.geom.ClusterCount, v.geom.FATType), nil
}

// clusterToSector is cluster2sector: the first sector of cluster's data,
// relative to the whole synthesized volume (i.e. what ReadSector expects).
func (v *Volume) clusterToSector(cluster uint32) uint64 {
	return v.offsetToBootSector() + v.geom.OffsetToData + uint64(cluster-2)*uint64(v.geom.SectorsPerCluster)
}

// readDirectoryBytes loads the full byte content of the directory starting
// at startCluster (0 meaning the FAT12/16 fixed-size root region), following
// fat2 rather than the frozen scan-time FAT, matching parse_directory's
// buffer-fill loop.
func (v *Volume) readDirectoryBytes(fat2 *FATTable, startCluster uint32) ([]byte, error) {
	if startCluster == 0 {
		bootAt := v.offsetToBootSector()
		start := bootAt + v.geom.OffsetToRootDir
		size := uint64(v.geom.RootEntryCount) * 32
		sectors := (size + SectorSize - 1) / SectorSize
		buf := make([]byte, 0, sectors*SectorSize)
		for i := uint64(0); i < sectors; i++ {
			sec, err := v.ReadSector(int64(start + i))
			if err != nil {
				return nil, err
			}
			buf = append(buf, sec...)
		}
		return buf, nil
	}

	clusters := fat2.Chain(startCluster)
	buf := make([]byte, 0, uint64(len(clusters))*uint64(v.geom.SectorsPerCluster)*SectorSize)
	for _, cluster := range clusters {
		start := v.clusterToSector(cluster)
		for i := uint32(0); i < v.geom.SectorsPerCluster; i++ {
			sec, err := v.ReadSector(int64(start) + int64(i))
			if err != nil {
				return nil, err
			}
			buf = append(buf, sec...)
		}
	}
	return buf, nil
}

// commitWalk carries the state threaded through one Commit's recursive
// directory walk: the mutated FAT it resolves cluster chains against, and
// the attribute-sidecar lines accumulated along the way (§4.8 step 3/5:
// opened before, and closed only after, the whole walk finishes).
type commitWalk struct {
	v           *Volume
	fat2        *FATTable
	attrEntries []attrEntry
}

// parsedEntry is one resolved (name, 8.3 entry) pair decoded out of a
// directory's byte stream, with any preceding long-name chain already
// folded into name.
type parsedEntry struct {
	name  string
	entry DirEntry
}

// parseDirectory is parse_directory: decode dirPath's entries, then for
// each one, resolve it against the mapping arena and either create, keep,
// rename, or replace the corresponding host object (§4.8 step 4).
func (c *commitWalk) parseDirectory(dirPath string, startCluster uint32) {
	buf, err := c.v.readDirectoryBytes(c.fat2, startCluster)
	if err != nil {
		return // host I/O error during commit: skip this subtree (§7)
	}

	for _, pe := range parseDirEntries(buf) {
		fullPath := path.Join(dirPath, pe.name)
		isDir := pe.entry.Attribute&AttrDirectory != 0

		if pe.entry.Attribute != AttrDirectory && pe.entry.Attribute != AttrArchive {
			c.attrEntries = append(c.attrEntries, attrEntry{path: fullPath, attr: pe.entry.Attribute, isDir: isDir})
		}

		fstart := pe.entry.FirstCluster()
		idx, ok := c.v.mappings.FindForCluster(fstart)
		if !ok {
			c.createEntry(fullPath, pe.entry, isDir)
			continue
		}

		m := c.v.mappings.Get(idx)
		switch {
		case m.Path == fullPath:
			c.reconcile(idx, fullPath, pe.entry, isDir)
		case m.CreateTime == pe.entry.CreateTime && m.CreateDate == pe.entry.CreateDate:
			// Same creation timestamp at a different path: a true rename
			// (§9 Open Question decision documented in DESIGN.md).
			c.rename(idx, fullPath)
			c.reconcile(idx, fullPath, pe.entry, isDir)
		default:
			// Coincidental cluster reuse: the old occupant of this cluster
			// range is unrelated to the new entry sitting there now.
			c.createEntry(fullPath, pe.entry, isDir)
		}
	}
}

// createEntry handles the "miss" branch: fullPath names an object with no
// existing mapping. A directory is made and recursed into; a file is
// (re)written, clearing DELETED on whatever mapping already claims that
// host path if the guest happened to reuse a path the host still has.
func (c *commitWalk) createEntry(fullPath string, entry DirEntry, isDir bool) {
	if isDir {
		if err := c.v.opts.HostDir.Mkdir(fullPath, 0755); err != nil {
			return
		}
		c.parseDirectory(fullPath, entry.FirstCluster())
		return
	}
	if idx, ok := c.v.mappings.FindForPath(fullPath); ok {
		c.v.mappings.Get(idx).Mode &^= ModeDeleted
	}
	c.writeFile(fullPath, entry)
}

// reconcile handles both the "hit, same path" and "hit, renamed" branches
// once fullPath is known to be where the mapping now lives: recurse for a
// directory, or rewrite the file if its mtime or size moved, then clear
// DELETED either way (§4.8 step 4).
func (c *commitWalk) reconcile(idx arena.Index, fullPath string, entry DirEntry, isDir bool) {
	m := c.v.mappings.Get(idx)
	if isDir {
		c.parseDirectory(fullPath, entry.FirstCluster())
		m.Mode &^= ModeDeleted
		return
	}
	if entry.WriteDate != m.WriteDate || entry.WriteTime != m.WriteTime || entry.FileSize != m.Size {
		c.writeFile(fullPath, entry)
	}
	m.Mode &^= ModeDeleted
}

// rename applies mapping.path -> newPath on the host. A failed rename
// leaves the source in place and the mapping's Path unchanged; the caller's
// subsequent reconcile still works against newPath, and because it clears
// DELETED the source is not removed afterwards, matching §5's best-effort
// commit-failure semantics.
func (c *commitWalk) rename(idx arena.Index, newPath string) {
	m := c.v.mappings.Get(idx)
	if err := c.v.opts.HostDir.Rename(m.Path, newPath); err != nil {
		return
	}
	m.Path = newPath
}

// writeFile is write_file: stream entry's cluster chain (read through fat2)
// into a freshly truncated host file, then stamp its mtime/atime from the
// FAT date/time fields (§4.8 step 7).
func (c *commitWalk) writeFile(fullPath string, entry DirEntry) {
	f, err := c.v.opts.HostDir.OpenFile(fullPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	remaining := int64(entry.FileSize)
	var fileOffset int64
	if remaining > 0 {
		for _, cluster := range c.fat2.Chain(entry.FirstCluster()) {
			startSector := c.v.clusterToSector(cluster)
			for i := uint32(0); i < c.v.geom.SectorsPerCluster && remaining > 0; i++ {
				sec, err := c.v.ReadSector(int64(startSector) + int64(i))
				if err != nil {
					_ = f.Close()
					return
				}
				n := int64(len(sec))
				if remaining < n {
					n = remaining
				}
				if _, err := f.WriteAt(sec[:n], fileOffset); err != nil {
					_ = f.Close()
					return
				}
				fileOffset += n
				remaining -= n
			}
			if remaining <= 0 {
				break
			}
		}
	}

	if err := f.Close(); err != nil {
		return
	}

	mtime := fatToTime(entry.WriteDate, entry.WriteTime)
	atime := mtime
	if entry.LastAccessDate != 0 {
		atime = fatToTime(entry.LastAccessDate, 0)
	}
	_ = c.v.opts.HostDir.Chtimes(fullPath, atime, mtime)
}

// fatToTime combines a FAT date word and a FAT time word (0 for
// date-only, as used for LastAccessDate) into one time.Time, matching
// write_file's tm_year/tm_mon/.../tm_sec construction.
func fatToTime(date, time16 uint16) time.Time {
	d := ParseDate(date)
	if d.IsZero() {
		return d
	}
	t := ParseTime(time16)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// parseDirEntries decodes buf into resolved (name, entry) pairs, folding
// any preceding long-name chain into the entry's name and skipping free,
// deleted, volume-label, dot and dot-dot slots, matching read_direntry.
func parseDirEntries(buf []byte) []parsedEntry {
	var out []parsedEntry
	var fragments []lfn.Fragment

	for off := 0; off+32 <= len(buf); off += 32 {
		raw := buf[off : off+32]
		switch raw[0] {
		case 0x00:
			return out // end marker: everything after this is unused
		case 0xE5:
			fragments = nil
			continue
		}

		if raw[11]&AttrLongName == AttrLongName {
			fragments = append(fragments, parseLFNFragment(raw))
			continue
		}

		entry := unmarshalDirEntry(raw)
		chain := fragments
		fragments = nil

		if entry.Attribute&AttrVolumeID != 0 {
			continue
		}

		name := decodeShortName(entry)
		if len(chain) > 0 {
			name = lfn.Decode(chain)
		}
		if name == "." || name == ".." {
			continue
		}
		out = append(out, parsedEntry{name: name, entry: entry})
	}
	return out
}

// unmarshalDirEntry is marshalDirEntry's inverse.
func unmarshalDirEntry(buf []byte) DirEntry {
	var e DirEntry
	copy(e.Name[:], buf[0:11])
	e.Attribute = buf[11]
	e.NTReserved = buf[12]
	e.CreateTimeTenth = buf[13]
	e.CreateTime = binary.LittleEndian.Uint16(buf[14:16])
	e.CreateDate = binary.LittleEndian.Uint16(buf[16:18])
	e.LastAccessDate = binary.LittleEndian.Uint16(buf[18:20])
	e.FirstClusterHI = binary.LittleEndian.Uint16(buf[20:22])
	e.WriteTime = binary.LittleEndian.Uint16(buf[22:24])
	e.WriteDate = binary.LittleEndian.Uint16(buf[24:26])
	e.FirstClusterLO = binary.LittleEndian.Uint16(buf[26:28])
	e.FileSize = binary.LittleEndian.Uint32(buf[28:32])
	return e
}

// parseLFNFragment is serializeLFNFragment's inverse.
func parseLFNFragment(buf []byte) lfn.Fragment {
	var f lfn.Fragment
	f.Sequence = buf[0]
	f.Units[0] = binary.LittleEndian.Uint16(buf[1:3])
	f.Units[1] = binary.LittleEndian.Uint16(buf[3:5])
	f.Units[2] = binary.LittleEndian.Uint16(buf[5:7])
	f.Units[3] = binary.LittleEndian.Uint16(buf[7:9])
	f.Units[4] = binary.LittleEndian.Uint16(buf[9:11])
	f.Checksum = buf[13]
	f.Units[5] = binary.LittleEndian.Uint16(buf[14:16])
	f.Units[6] = binary.LittleEndian.Uint16(buf[16:18])
	f.Units[7] = binary.LittleEndian.Uint16(buf[18:20])
	f.Units[8] = binary.LittleEndian.Uint16(buf[20:22])
	f.Units[9] = binary.LittleEndian.Uint16(buf[22:24])
	f.Units[10] = binary.LittleEndian.Uint16(buf[24:26])
	f.Units[11] = binary.LittleEndian.Uint16(buf[28:30])
	f.Units[12] = binary.LittleEndian.Uint16(buf[30:32])
	return f
}

// decodeShortName reassembles an 8.3 entry's Name/Attribute-adjacent bytes
// into "base.ext" (or "base" with no extension), lower-cased and with the
// 0x05-for-0xE5 remap undone, matching read_direntry's non-LFN branch.
func decodeShortName(e DirEntry) string {
	name := e.Name
	if name[0] == 0x05 {
		name[0] = 0xE5
	}
	base := strings.TrimRight(string(name[0:8]), " ")
	ext := strings.TrimRight(string(name[8:11]), " ")
	full := base
	if ext != "" {
		full += "." + ext
	}
	return strings.ToLower(full)
}
