package vvfat

import "testing"

func newMapping(path string, begin, end uint32) Mapping {
	return Mapping{
		Path:              path,
		Begin:             begin,
		End:               end,
		ParentMapping:     -1,
		FirstMappingIndex: -1,
	}
}

func TestMappings_FindForCluster(t *testing.T) {
	m := NewMappings()
	m.Add(newMapping("/a", 2, 5))
	m.Add(newMapping("/b", 5, 8))
	m.Add(newMapping("/c", 8, 20))

	tests := []struct {
		cluster uint32
		want    string
		wantOK  bool
	}{
		{cluster: 2, want: "/a", wantOK: true},
		{cluster: 4, want: "/a", wantOK: true},
		{cluster: 5, want: "/b", wantOK: true},
		{cluster: 19, want: "/c", wantOK: true},
		{cluster: 1, wantOK: false},
		{cluster: 20, wantOK: false},
	}
	for _, tt := range tests {
		idx, ok := m.FindForCluster(tt.cluster)
		if ok != tt.wantOK {
			t.Errorf("FindForCluster(%d) ok = %v, want %v", tt.cluster, ok, tt.wantOK)
			continue
		}
		if ok && m.Get(idx).Path != tt.want {
			t.Errorf("FindForCluster(%d) = %q, want %q", tt.cluster, m.Get(idx).Path, tt.want)
		}
	}
}

func TestMappings_FindForPath(t *testing.T) {
	m := NewMappings()
	m.Add(newMapping("/a", 2, 5))
	m.Add(newMapping("/b", 5, 8))

	idx, ok := m.FindForPath("/b")
	if !ok {
		t.Fatalf("FindForPath(/b) not found")
	}
	if m.Get(idx).Begin != 5 {
		t.Errorf("FindForPath(/b).Begin = %d, want 5", m.Get(idx).Begin)
	}

	if _, ok := m.FindForPath("/missing"); ok {
		t.Errorf("FindForPath(/missing) unexpectedly found")
	}
}

func TestMappings_FindForPathSkipsSecondaryMappings(t *testing.T) {
	m := NewMappings()
	primary := newMapping("/shared", 2, 5)
	m.Add(primary)
	secondary := newMapping("/shared", 2, 5)
	secondary.FirstMappingIndex = 0
	m.Add(secondary)

	idx, ok := m.FindForPath("/shared")
	if !ok || idx != 0 {
		t.Errorf("FindForPath(/shared) = (%d, %v), want (0, true)", idx, ok)
	}
}
