package vvfat

import (
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/kb2ma/vvfat/internal/arena"
	"github.com/kb2ma/vvfat/internal/geometry"
	"github.com/kb2ma/vvfat/internal/lfn"
)

// companion file names skipped (or consumed specially) when scanning the
// root of the host directory, matching init_directories/read_directory.
const (
	companionMBR  = "vvfat_mbr.bin"
	companionBoot = "vvfat_boot.bin"
)

// directoryBuffer is the fully serialized byte content of one synthesized
// directory, sized to a whole number of clusters (or, for a FAT12/16 root,
// to the fixed root region). It is populated once during the scan and
// never mutated by the read path (§3 Lifecycle notes); all subsequent
// changes to a directory's apparent content happen in the redo-log overlay.
type directoryBuffer struct {
	data []byte
}

// scanNode is the scanner's working representation of one host filesystem
// object, discarded once the scan finishes; only its Mapping and, for
// directories, its directoryBuffer survive into the Volume.
type scanNode struct {
	hostPath string // path under the host afero.Fs; "" for the root
	name     string // original on-host name; "" for the root
	isDir    bool
	size     int64
	modTime  time.Time

	children []*scanNode

	shortName [11]byte
	fragments []lfn.Fragment

	clustersNeeded uint64
	begin          uint32
	end            uint32

	mappingIdx arena.Index
}

type scanResult struct {
	geom geometry.Geometry

	mappings *Mappings
	fat      *FATTable

	dirData  map[int]*directoryBuffer
	rootData []byte

	bootSector []byte
	mbr        []byte
	fsInfo     []byte
}

// scanHostDirectory is the directory scanner & FAT synthesizer (§4.4): it
// walks opts.HostDir, plans a geometry for it, assigns every file and
// directory a cluster range, links the FAT accordingly, and serializes
// every directory's entries (with long-name sequences where needed).
func scanHostDirectory(opts Options) (*scanResult, error) {
	root, totalBytes, err := buildTree(opts.HostDir, "")
	if err != nil {
		return nil, err
	}

	geom, err := geometry.Plan(totalBytes, opts.ForceFATType)
	if err != nil {
		return nil, err
	}
	clusterBytes := uint64(geom.BytesPerSector) * uint64(geom.SectorsPerCluster)

	sizeDirectories(root, clusterBytes, true)

	mappings := NewMappings()
	fat := NewFATTable(geom.ClusterCount, geom.FATType)

	nextCluster := uint32(2)
	rootIsFAT32 := geom.FATType == FAT32

	var rootMapping Mapping
	if rootIsFAT32 {
		root.begin = nextCluster
		root.end = root.begin + uint32(root.clustersNeeded)
		if err := checkClusterBounds(root.end, fat); err != nil {
			return nil, err
		}
		linkChain(fat, root.begin, root.end)
		nextCluster = root.end
		rootMapping = Mapping{Path: "", Mode: ModeDirectory | ModeNormal, Begin: root.begin, End: root.end, IsDirectory: true, ParentMapping: -1, FirstMappingIndex: -1}
	} else {
		rootMapping = Mapping{Path: "", Mode: ModeDirectory | ModeNormal, Begin: 0, End: 0, IsDirectory: true, ParentMapping: -1, FirstMappingIndex: -1}
	}
	root.mappingIdx = mappings.Add(rootMapping)

	if err := assignClusters(root, &nextCluster, fat, mappings, root.mappingIdx); err != nil {
		return nil, err
	}

	dirData := make(map[int]*directoryBuffer)
	var rootData []byte
	if err := serializeDirectory(root, mappings, rootIsFAT32, opts.VolumeLabel, dirData, &rootData, geom, clusterBytes); err != nil {
		return nil, err
	}

	bootSector, fsInfo := synthesizeBootSector(geom, opts)
	mbr := synthesizeMBR(geom, opts)

	return &scanResult{
		geom:       geom,
		mappings:   mappings,
		fat:        fat,
		dirData:    dirData,
		rootData:   rootData,
		bootSector: bootSector,
		mbr:        mbr,
		fsInfo:     fsInfo,
	}, nil
}

// buildTree recursively enumerates the host directory tree, returning the
// root scanNode and the total byte footprint of every regular file found
// (used to size the volume in the layout planner).
func buildTree(host afero.Fs, hostPath string) (*scanNode, uint64, error) {
	infos, err := afero.ReadDir(host, orRoot(hostPath))
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	node := &scanNode{hostPath: hostPath, isDir: true}
	var total uint64

	for _, info := range infos {
		name := info.Name()
		if hostPath == "" && (name == companionMBR || name == companionBoot || name == defaultAttrSidecarName) {
			continue
		}
		childPath := path.Join(hostPath, name)
		if info.IsDir() {
			child, childTotal, err := buildTree(host, childPath)
			if err != nil {
				return nil, 0, err
			}
			child.name = name
			child.modTime = info.ModTime()
			node.children = append(node.children, child)
			total += childTotal
			continue
		}

		node.children = append(node.children, &scanNode{
			hostPath: childPath,
			name:     name,
			isDir:    false,
			size:     info.Size(),
			modTime:  info.ModTime(),
		})
		total += uint64(info.Size())
	}

	return node, total, nil
}

func orRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

// sizeDirectories computes clustersNeeded bottom-up: a file needs enough
// clusters for its byte size; a directory needs enough clusters to hold
// its own entries (dot/dotdot, each child's 8.3 entry plus any LFN
// fragments, and — at the root only — the volume label entry).
func sizeDirectories(node *scanNode, clusterBytes uint64, isRoot bool) {
	if !node.isDir {
		node.clustersNeeded = clustersFor(uint64(node.size), clusterBytes)
		return
	}

	namer := lfn.NewShortNamer()
	entries := 0
	if isRoot {
		entries++ // volume label
	} else {
		entries += 2 // dot, dotdot
	}

	for _, child := range node.children {
		sizeDirectories(child, clusterBytes, false)
		child.shortName = namer.Generate(child.name)
		if lfn.NeedsLongName(child.name) {
			child.fragments = lfn.Encode(child.name, lfn.Checksum(child.shortName))
		}
		entries += 1 + len(child.fragments)
	}

	node.clustersNeeded = clustersFor(uint64(entries)*32, clusterBytes)
}

func clustersFor(size, clusterBytes uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (size + clusterBytes - 1) / clusterBytes
}

// checkClusterBounds fails the scan rather than let a cluster range run off
// the end of the planned FAT, matching §4.4 step 6's "if any mapping would
// exceed cluster_count + 2, fail" — without this, linkChain's SetNext/SetEOF
// would index t.entries out of range and panic instead of returning an
// error from Open.
func checkClusterBounds(end uint32, fat *FATTable) error {
	if int(end) > fat.Len() {
		return fmt.Errorf("vvfat: host directory needs more clusters than the volume can address (cluster %d exceeds %d)", end, fat.Len())
	}
	return nil
}

// assignClusters walks the tree top-down (parent before children, so a
// directory's own cluster range is fixed before its children are assigned,
// matching the reference implementation's mapping-arena allocation order),
// handing out cluster numbers, linking the FAT chain for each range, and
// registering a Mapping for every node.
func assignClusters(node *scanNode, next *uint32, fat *FATTable, mappings *Mappings, parentIdx arena.Index) error {
	for _, child := range node.children {
		if child.clustersNeeded > 0 {
			child.begin = *next
			child.end = child.begin + uint32(child.clustersNeeded)
			if err := checkClusterBounds(child.end, fat); err != nil {
				return err
			}
			linkChain(fat, child.begin, child.end)
			*next = child.end
		} else if !child.isDir {
			// Empty file: still occupies a placeholder cluster slot so its
			// mapping satisfies begin < end, but the FAT chain is left
			// unlinked since there's no data to address (§4.4 step 4).
			child.begin = *next
			child.end = child.begin + 1
			if err := checkClusterBounds(child.end, fat); err != nil {
				return err
			}
			*next = child.end
		}

		mode := ModeNormal
		if child.isDir {
			mode |= ModeDirectory
		}
		m := Mapping{
			Path:              child.hostPath,
			Mode:              mode,
			Begin:             child.begin,
			End:               child.end,
			IsDirectory:       child.isDir,
			ParentMapping:     parentIdx,
			FirstMappingIndex: -1,
			CreateDate:        FormatDate(child.modTime),
			CreateTime:        FormatTime(child.modTime),
			WriteDate:         FormatDate(child.modTime),
			WriteTime:         FormatTime(child.modTime),
			Size:              uint32(child.size),
		}
		child.mappingIdx = mappings.Add(m)

		if child.isDir {
			if err := assignClusters(child, next, fat, mappings, child.mappingIdx); err != nil {
				return err
			}
		}
	}
	return nil
}

func linkChain(fat *FATTable, begin, end uint32) {
	for c := begin; c < end-1; c++ {
		fat.SetNext(c, c+1)
	}
	if end > begin {
		fat.SetEOF(end - 1)
	}
}

// serializeDirectory builds the 32-byte-entry byte stream for node (and
// recursively for every subdirectory), now that every node's cluster range
// is known. The root is special-cased: it carries the volume label and no
// dot/dotdot entries, and for FAT12/16 it is written into rootData (a
// fixed-size region outside the cluster heap) rather than into dirData.
func serializeDirectory(node *scanNode, mappings *Mappings, rootIsFAT32 bool, volumeLabel string, dirData map[int]*directoryBuffer, rootData *[]byte, geom geometry.Geometry, clusterBytes uint64) error {
	isRoot := node.hostPath == "" && node.name == ""
	var buf []byte

	if isRoot {
		buf = append(buf, volumeLabelEntry(volumeLabel)...)
	} else {
		buf = append(buf, dotEntry(".", node.begin, node.modTime)...)
		buf = append(buf, dotEntry("..", parentBeginOf(node, mappings), node.modTime)...)
	}
	mappings.Get(node.mappingIdx).FirstDirIndex = len(buf)

	for _, child := range node.children {
		for _, f := range child.fragments {
			buf = append(buf, serializeLFNFragment(f)...)
		}
		mappings.Get(child.mappingIdx).DirIndex = len(buf)
		buf = append(buf, serializeShortEntry(child)...)

		if child.isDir {
			if err := serializeDirectory(child, mappings, rootIsFAT32, volumeLabel, dirData, rootData, geom, clusterBytes); err != nil {
				return err
			}
		}
	}

	if isRoot && !rootIsFAT32 {
		rootBytes := uint64(geom.RootEntryCount) * 32
		if uint64(len(buf)) > rootBytes {
			return fmt.Errorf("vvfat: root directory needs %d entries but the volume only has room for %d", len(buf)/32, geom.RootEntryCount)
		}
		padded := make([]byte, rootBytes)
		copy(padded, buf)
		*rootData = padded
		return nil
	}

	total := node.clustersNeeded * clusterBytes
	padded := make([]byte, total)
	copy(padded, buf)
	dirData[int(node.mappingIdx)] = &directoryBuffer{data: padded}
	return nil
}

// parentBeginOf returns the begin cluster to stamp into a ".." entry: 0 if
// the parent is the root (the universal FAT convention, regardless of
// whether the root itself occupies real clusters), else the parent's begin.
func parentBeginOf(node *scanNode, mappings *Mappings) uint32 {
	parent := mappings.Get(node.parentOf(mappings))
	if parent.ParentMapping < 0 {
		return 0
	}
	return parent.Begin
}

// parentOf resolves node's Mapping arena index for its parent directory.
// scanNode doesn't keep a parent pointer (it's built strictly top-down), so
// this looks it up through the already-registered Mapping instead.
func (n *scanNode) parentOf(mappings *Mappings) arena.Index {
	m := mappings.Get(n.mappingIdx)
	return m.ParentMapping
}

func dotEntry(name string, cluster uint32, modTime time.Time) []byte {
	var e DirEntry
	copy(e.Name[:], name)
	for i := len(name); i < 11; i++ {
		e.Name[i] = ' '
	}
	e.Attribute = AttrDirectory
	e.SetFirstCluster(cluster)
	e.WriteDate = FormatDate(modTime)
	e.WriteTime = FormatTime(modTime)
	e.CreateDate = e.WriteDate
	e.CreateTime = e.WriteTime
	return marshalDirEntry(e)
}

func volumeLabelEntry(label string) []byte {
	var e DirEntry
	for i := range e.Name {
		e.Name[i] = ' '
	}
	copy(e.Name[:], label)
	e.Attribute = AttrVolumeID
	return marshalDirEntry(e)
}

func serializeShortEntry(node *scanNode) []byte {
	var e DirEntry
	e.Name = node.shortName
	if node.isDir {
		e.Attribute = AttrDirectory
	} else {
		e.Attribute = AttrArchive
	}
	e.SetFirstCluster(node.begin)
	if !node.isDir {
		e.FileSize = uint32(node.size)
	}
	e.WriteDate = FormatDate(node.modTime)
	e.WriteTime = FormatTime(node.modTime)
	e.CreateDate = e.WriteDate
	e.CreateTime = e.WriteTime
	e.LastAccessDate = e.WriteDate
	return marshalDirEntry(e)
}

func marshalDirEntry(e DirEntry) []byte {
	buf := make([]byte, 32)
	copy(buf[0:11], e.Name[:])
	buf[11] = e.Attribute
	buf[12] = e.NTReserved
	buf[13] = e.CreateTimeTenth
	binary.LittleEndian.PutUint16(buf[14:16], e.CreateTime)
	binary.LittleEndian.PutUint16(buf[16:18], e.CreateDate)
	binary.LittleEndian.PutUint16(buf[18:20], e.LastAccessDate)
	binary.LittleEndian.PutUint16(buf[20:22], e.FirstClusterHI)
	binary.LittleEndian.PutUint16(buf[22:24], e.WriteTime)
	binary.LittleEndian.PutUint16(buf[24:26], e.WriteDate)
	binary.LittleEndian.PutUint16(buf[26:28], e.FirstClusterLO)
	binary.LittleEndian.PutUint32(buf[28:32], e.FileSize)
	return buf
}

func serializeLFNFragment(f lfn.Fragment) []byte {
	buf := make([]byte, 32)
	buf[0] = f.Sequence
	for i, u := range f.Units[0:5] {
		binary.LittleEndian.PutUint16(buf[1+i*2:3+i*2], u)
	}
	buf[11] = AttrLongName
	buf[12] = 0 // EntryType, always 0
	buf[13] = f.Checksum
	for i, u := range f.Units[5:11] {
		binary.LittleEndian.PutUint16(buf[14+i*2:16+i*2], u)
	}
	binary.LittleEndian.PutUint16(buf[26:28], 0) // Zero cluster field
	for i, u := range f.Units[11:13] {
		binary.LittleEndian.PutUint16(buf[28+i*2:30+i*2], u)
	}
	return buf
}
