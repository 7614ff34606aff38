package geometry

import "testing"

func TestPlan_FloppySizeUsesFAT12(t *testing.T) {
	g, err := Plan(256*1024, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if g.FATType != FAT12 {
		t.Errorf("FATType = %v, want FAT12", g.FATType)
	}
	if g.TotalSectors != floppySectors {
		t.Errorf("TotalSectors = %d, want %d", g.TotalSectors, floppySectors)
	}
}

func TestPlan_LargeVolumeUsesFAT32(t *testing.T) {
	g, err := Plan(4*1024*1024*1024, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if g.FATType != FAT32 {
		t.Errorf("FATType = %v, want FAT32", g.FATType)
	}
	if g.RootEntryCount != 0 {
		t.Errorf("RootEntryCount = %d, want 0 for FAT32", g.RootEntryCount)
	}
}

func TestPlan_MidSizeVolumeUsesFAT16(t *testing.T) {
	g, err := Plan(200*1024*1024, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if g.FATType != FAT16 {
		t.Errorf("FATType = %v, want FAT16", g.FATType)
	}
	if g.RootEntryCount == 0 {
		t.Errorf("RootEntryCount = 0, want a fixed root directory size for FAT16")
	}
}

func TestPlan_JustOverFAT16ClusterRungStaysFAT16(t *testing.T) {
	// ~1187MB after slack: past fat16Steps' 1023MB cluster-size rung (which
	// only bumps SectorsPerCluster to 64) but well under the 2047MB cutoff
	// where the type itself switches to FAT32.
	g, err := Plan(1150*1024*1024, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if g.FATType != FAT16 {
		t.Errorf("FATType = %v, want FAT16", g.FATType)
	}
	if g.RootEntryCount == 0 {
		t.Errorf("RootEntryCount = 0, want a fixed root directory size for FAT16")
	}
}

func TestPlan_OffsetsAreOrdered(t *testing.T) {
	g, err := Plan(32*1024*1024, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !(g.OffsetToFAT < g.OffsetToRootDir && g.OffsetToRootDir <= g.OffsetToData) {
		t.Errorf("offsets not ordered: fat=%d root=%d data=%d", g.OffsetToFAT, g.OffsetToRootDir, g.OffsetToData)
	}
	if g.OffsetToData >= g.TotalSectors {
		t.Errorf("OffsetToData %d >= TotalSectors %d", g.OffsetToData, g.TotalSectors)
	}
}

func TestPlan_ForcedTypeHonored(t *testing.T) {
	forced := FAT32
	g, err := Plan(8*1024*1024, &forced)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if g.FATType != FAT32 {
		t.Errorf("FATType = %v, want forced FAT32", g.FATType)
	}
}

func TestSectorsPerFAT_GrowsWithClusterCount(t *testing.T) {
	small := sectorsPerFAT(FAT16, 1000, 2)
	large := sectorsPerFAT(FAT16, 100000, 2)
	if large <= small {
		t.Errorf("sectorsPerFAT did not grow with cluster count: small=%d large=%d", small, large)
	}
}
