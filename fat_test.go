package vvfat

import "testing"

func TestFATTable_ChainFollowsLinks(t *testing.T) {
	tbl := NewFATTable(10, FAT16)
	tbl.SetNext(2, 3)
	tbl.SetNext(3, 4)
	tbl.SetEOF(4)

	got := tbl.Chain(2)
	want := []uint32{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Chain() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Chain() = %v, want %v", got, want)
		}
	}
}

func TestFATTable_BytesRoundTripsThroughLoadFAT(t *testing.T) {
	tests := []struct {
		name    string
		fatType FATType
	}{
		{"FAT12", FAT12},
		{"FAT16", FAT16},
		{"FAT32", FAT32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := NewFATTable(20, tt.fatType)
			tbl.SetNext(2, 5)
			tbl.SetNext(5, 9)
			tbl.SetEOF(9)

			data := tbl.Bytes()
			reloaded := LoadFAT(data, 20, tt.fatType)

			if reloaded.Get(2).Value() != 5 {
				t.Errorf("reloaded entry 2 = %d, want 5", reloaded.Get(2).Value())
			}
			if reloaded.Get(5).Value() != 9 {
				t.Errorf("reloaded entry 5 = %d, want 9", reloaded.Get(5).Value())
			}
			if !reloaded.Get(9).IsEOF() {
				t.Errorf("reloaded entry 9 is not EOF")
			}
		})
	}
}

func TestFATTable_ReservedEntriesSignature(t *testing.T) {
	tbl := NewFATTable(5, FAT16)
	if tbl.Get(1).Value() != maxFATValue(FAT16) {
		t.Errorf("entry 1 = %#x, want max value", tbl.Get(1).Value())
	}
}
