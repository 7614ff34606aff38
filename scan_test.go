package vvfat

import (
	"fmt"
	"testing"

	"github.com/spf13/afero"
)

// buildTestHost lays out a small tree: a top-level file, an empty file, and
// a subdirectory holding one more file. Small enough to always land on a
// floppy-sized FAT12 geometry (§4.4's simplest case).
func buildTestHost(t *testing.T) afero.Fs {
	t.Helper()
	host := afero.NewMemMapFs()
	if err := afero.WriteFile(host, "README.TXT", []byte("hello world"), 0644); err != nil {
		t.Fatalf("seed README.TXT: %v", err)
	}
	if err := afero.WriteFile(host, "EMPTY.TXT", nil, 0644); err != nil {
		t.Fatalf("seed EMPTY.TXT: %v", err)
	}
	if err := host.Mkdir("SUBDIR", 0755); err != nil {
		t.Fatalf("mkdir SUBDIR: %v", err)
	}
	if err := afero.WriteFile(host, "SUBDIR/NESTED.TXT", []byte("nested"), 0644); err != nil {
		t.Fatalf("seed SUBDIR/NESTED.TXT: %v", err)
	}
	return host
}

func TestScanHostDirectory_AssignsDistinctNonOverlappingRanges(t *testing.T) {
	host := buildTestHost(t)
	scanned, err := scanHostDirectory(Options{HostDir: host, VolumeLabel: defaultVolumeLabel})
	if err != nil {
		t.Fatalf("scanHostDirectory: %v", err)
	}

	seen := make(map[uint32]string)
	for _, m := range scanned.mappings.All() {
		if m.Path == "" {
			continue // root: FAT12/16 root has no cluster range of its own
		}
		if m.Begin >= m.End {
			t.Errorf("mapping %q has empty range [%d,%d)", m.Path, m.Begin, m.End)
			continue
		}
		for c := m.Begin; c < m.End; c++ {
			if owner, ok := seen[c]; ok {
				t.Fatalf("cluster %d claimed by both %q and %q", c, owner, m.Path)
			}
			seen[c] = m.Path
		}
	}
}

// TestScanHostDirectory_EmptyFileGetsPlaceholderCluster guards the §4.4 step
// 4 invariant that even a zero-byte file gets a one-cluster placeholder
// range so find_mapping_for_cluster-style lookups can still resolve it,
// while its FAT chain is left unlinked since there's nothing to address.
func TestScanHostDirectory_EmptyFileGetsPlaceholderCluster(t *testing.T) {
	host := buildTestHost(t)
	scanned, err := scanHostDirectory(Options{HostDir: host, VolumeLabel: defaultVolumeLabel})
	if err != nil {
		t.Fatalf("scanHostDirectory: %v", err)
	}

	idx, ok := scanned.mappings.FindForPath("EMPTY.TXT")
	if !ok {
		t.Fatalf("no mapping for EMPTY.TXT")
	}
	m := scanned.mappings.Get(idx)
	if m.Begin >= m.End {
		t.Fatalf("EMPTY.TXT range = [%d,%d), want a one-cluster placeholder", m.Begin, m.End)
	}
	if got, want := m.ClusterCount(), uint32(1); got != want {
		t.Errorf("EMPTY.TXT cluster count = %d, want %d", got, want)
	}

	entry := scanned.fat.Get(m.Begin)
	if _, ok := entry.ReadAsNextCluster(); ok {
		t.Errorf("EMPTY.TXT's placeholder cluster %d is linked into a FAT chain, want unlinked", m.Begin)
	}
}

func TestScanHostDirectory_NestedFileMappingUnderSubdir(t *testing.T) {
	host := buildTestHost(t)
	scanned, err := scanHostDirectory(Options{HostDir: host, VolumeLabel: defaultVolumeLabel})
	if err != nil {
		t.Fatalf("scanHostDirectory: %v", err)
	}

	subIdx, ok := scanned.mappings.FindForPath("SUBDIR")
	if !ok {
		t.Fatalf("no mapping for SUBDIR")
	}
	sub := scanned.mappings.Get(subIdx)
	if !sub.IsDirectory {
		t.Errorf("SUBDIR mapping IsDirectory = false, want true")
	}

	nestedIdx, ok := scanned.mappings.FindForPath("SUBDIR/NESTED.TXT")
	if !ok {
		t.Fatalf("no mapping for SUBDIR/NESTED.TXT")
	}
	nested := scanned.mappings.Get(nestedIdx)
	if nested.ParentMapping != subIdx {
		t.Errorf("SUBDIR/NESTED.TXT ParentMapping = %d, want %d", nested.ParentMapping, subIdx)
	}
	if nested.Size != uint32(len("nested")) {
		t.Errorf("SUBDIR/NESTED.TXT Size = %d, want %d", nested.Size, len("nested"))
	}
}

// buildRootEntryHost lays n one-byte files directly in a floppy-sized root
// (RootEntryCount 224), each named to stay within 8.3 so it needs exactly
// one directory entry and no LFN fragments.
func buildRootEntryHost(t *testing.T, n int) afero.Fs {
	t.Helper()
	host := afero.NewMemMapFs()
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("F%03d.TXT", i)
		if err := afero.WriteFile(host, name, []byte{0}, 0644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	return host
}

// TestScanHostDirectory_RootAtExactCapacitySucceeds mirrors the §8 boundary
// test: a floppy root (224 entries) holding exactly root_entries worth of
// directory entries (223 files + the volume label) must open successfully.
func TestScanHostDirectory_RootAtExactCapacitySucceeds(t *testing.T) {
	host := buildRootEntryHost(t, 223)
	scanned, err := scanHostDirectory(Options{HostDir: host, VolumeLabel: defaultVolumeLabel})
	if err != nil {
		t.Fatalf("scanHostDirectory: %v", err)
	}
	if got, want := scanned.geom.RootEntryCount, uint32(224); got != want {
		t.Fatalf("RootEntryCount = %d, want %d (test assumes floppy geometry)", got, want)
	}
}

// TestScanHostDirectory_RootOverCapacityFails is the root_entries+1 half of
// the same §8 boundary test: one file over budget must fail open rather than
// silently truncate the root directory.
func TestScanHostDirectory_RootOverCapacityFails(t *testing.T) {
	host := buildRootEntryHost(t, 224)
	_, err := scanHostDirectory(Options{HostDir: host, VolumeLabel: defaultVolumeLabel})
	if err == nil {
		t.Fatalf("scanHostDirectory succeeded, want an error for a root directory one entry over capacity")
	}
}

func TestScanHostDirectory_FATChainCoversMultiClusterFile(t *testing.T) {
	host := afero.NewMemMapFs()
	clusterBytes := 512 // floppy: one sector per cluster
	payload := make([]byte, clusterBytes*3)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := afero.WriteFile(host, "BIG.BIN", payload, 0644); err != nil {
		t.Fatalf("seed BIG.BIN: %v", err)
	}

	scanned, err := scanHostDirectory(Options{HostDir: host, VolumeLabel: defaultVolumeLabel})
	if err != nil {
		t.Fatalf("scanHostDirectory: %v", err)
	}

	idx, ok := scanned.mappings.FindForPath("BIG.BIN")
	if !ok {
		t.Fatalf("no mapping for BIG.BIN")
	}
	m := scanned.mappings.Get(idx)
	if got, want := m.ClusterCount(), uint32(3); got != want {
		t.Fatalf("BIG.BIN cluster count = %d, want %d", got, want)
	}

	chain := scanned.fat.Chain(m.Begin)
	if len(chain) != 3 {
		t.Fatalf("FAT chain from %d has %d clusters, want 3: %v", m.Begin, len(chain), chain)
	}
	last := scanned.fat.Get(chain[len(chain)-1])
	if !last.IsEOF() {
		t.Errorf("BIG.BIN's last cluster %d is not marked EOF", chain[len(chain)-1])
	}
}
