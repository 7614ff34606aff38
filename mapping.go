package vvfat

import "github.com/kb2ma/vvfat/internal/arena"

// Mode classifies a Mapping's relationship to the host filesystem object it
// names, mirroring the reference implementation's MODE_* bitmask.
type Mode int

const (
	ModeUndefined Mode = 0
	ModeNormal    Mode = 1
	ModeModified  Mode = 2
	ModeDirectory Mode = 4
	ModeFaked     Mode = 8
	ModeDeleted   Mode = 16
	ModeRenamed   Mode = 32
)

// Mapping is the correspondence between a host filesystem object and a
// cluster range in the synthesized volume (§3, GLOSSARY "Mapping"). The
// mapping arena is built once during the directory scan, sorted by Begin,
// and never mutated by the read or write paths (§3 Lifecycle notes).
type Mapping struct {
	Path  string
	Mode  Mode
	Begin uint32 // first cluster covered by this mapping
	End   uint32 // one past the last cluster covered

	// DirIndex is the byte offset, within the parent directory's synthesized
	// byte stream, of the 32-byte short (8.3) directory entry that names
	// this mapping. The attribute sidecar (§4.5) uses it to patch the
	// Attribute byte (offset DirIndex+11) in place without re-serializing
	// the whole directory.
	DirIndex int

	// ParentMapping is the arena index of the directory Mapping this entry
	// lives inside; -1 for the root mapping, which has no parent.
	ParentMapping arena.Index

	// FirstDirIndex is only meaningful when IsDirectory: the byte offset,
	// within this directory's own synthesized stream, right after its fixed
	// prefix (the volume label at the root, or dot/dotdot elsewhere) where
	// its first child entry begins.
	FirstDirIndex int

	IsDirectory bool
	ReadOnly    bool

	// FirstMappingIndex retains the reference implementation's
	// cluster-sharing forward-compatibility field (§9 Design Notes): -1
	// under normal operation. The scanner never produces a mapping whose
	// cluster range overlaps another's, so this is always -1 in practice,
	// but the commit engine still honors it as "do not delete independently"
	// if a future scanner ever sets it.
	FirstMappingIndex arena.Index

	// CreateTime/CreateDate are copied from the synthesized directory
	// entry at scan time and used by the commit engine's rename-vs-recreate
	// identity check (§9 Open Question).
	CreateTime uint16
	CreateDate uint16

	// WriteTime/WriteDate/Size are the scan-time snapshot of a file's
	// mtime and byte length; the commit engine compares a directory
	// entry's current values against these to decide whether a file
	// needs rewriting (§4.8 step 4, "hit and unchanged location").
	WriteTime uint16
	WriteDate uint16
	Size      uint32
}

// ClusterCount returns how many clusters this mapping spans.
func (m Mapping) ClusterCount() uint32 {
	return m.End - m.Begin
}

// Mappings is the sorted-by-Begin arena of every Mapping in an open volume.
type Mappings struct {
	arena *arena.Arena[Mapping]
}

// NewMappings returns an empty mapping arena.
func NewMappings() *Mappings {
	return &Mappings{arena: arena.New[Mapping]()}
}

// Add appends a new mapping. Callers are responsible for appending in
// Begin order; the scanner does this naturally since it assigns cluster
// ranges as it walks.
func (m *Mappings) Add(mapping Mapping) arena.Index {
	idx, slot := m.arena.GetNext()
	*slot = mapping
	return idx
}

// Get returns a pointer to the mapping at idx.
func (m *Mappings) Get(idx arena.Index) *Mapping {
	return m.arena.Get(idx)
}

// Len returns the number of mappings.
func (m *Mappings) Len() int {
	return m.arena.Len()
}

// All returns every mapping in Begin order. Callers must not retain the
// slice across a call to Add.
func (m *Mappings) All() []Mapping {
	return m.arena.Slice()
}

// FindForCluster performs a binary search over the sorted mapping arena for
// the mapping whose [Begin,End) range contains cluster, matching
// find_mapping_for_cluster. It returns ok=false if no mapping covers the
// cluster (e.g. it falls in the unused tail of the last cluster run).
func (m *Mappings) FindForCluster(cluster uint32) (idx arena.Index, ok bool) {
	items := m.arena.Slice()
	lo, hi := 0, len(items)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case cluster < items[mid].Begin:
			hi = mid
		case cluster >= items[mid].End:
			lo = mid + 1
		default:
			return arena.Index(mid), true
		}
	}
	return 0, false
}

// FindForPath performs a linear scan for the mapping naming path, skipping
// any mapping whose FirstMappingIndex is set (a secondary mapping sharing
// another mapping's cluster range), matching find_mapping_for_path.
func (m *Mappings) FindForPath(path string) (idx arena.Index, ok bool) {
	items := m.arena.Slice()
	for i, mapping := range items {
		if mapping.FirstMappingIndex >= 0 {
			continue
		}
		if mapping.Path == path {
			return arena.Index(i), true
		}
	}
	return 0, false
}
