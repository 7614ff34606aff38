package redolog

import (
	"errors"
	"io"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
)

// memBacking is a minimal in-memory Backing for tests, avoiding a real
// temp-file round trip for pure logic assertions.
type memBacking struct {
	buf []byte
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memBacking) Truncate(size int64) error {
	if size > int64(len(m.buf)) {
		grown := make([]byte, size)
		copy(grown, m.buf)
		m.buf = grown
	} else {
		m.buf = m.buf[:size]
	}
	return nil
}

func (m *memBacking) Close() error { return nil }

func TestOverlay_WriteThenReadRoundTrips(t *testing.T) {
	backing := &memBacking{}
	o, err := Create(backing, SubtypeVolatile, 16*1024*1024)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	block := int64(1234)
	payload := make([]byte, BlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := o.WriteBlock(block, payload); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	got, hit, err := o.ReadBlock(block)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !hit {
		t.Fatalf("ReadBlock hit = false, want true")
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Errorf("ReadBlock mismatch (-want +got):\n%s", diff)
	}
}

func TestOverlay_ReadMissBeforeWrite(t *testing.T) {
	backing := &memBacking{}
	o, err := Create(backing, SubtypeVolatile, 16*1024*1024)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, hit, err := o.ReadBlock(42)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if hit {
		t.Fatalf("ReadBlock hit = true on untouched block, want false")
	}
}

func TestOverlay_OpenRestoresCatalog(t *testing.T) {
	backing := &memBacking{}
	o, err := Create(backing, SubtypeVolatile, 16*1024*1024)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	payload := make([]byte, BlockSize)
	payload[0] = 0xAB
	if err := o.WriteBlock(5, payload); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	reopened, err := Open(backing)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, hit, err := reopened.ReadBlock(5)
	if err != nil {
		t.Fatalf("ReadBlock after reopen: %v", err)
	}
	if !hit {
		t.Fatalf("ReadBlock after reopen hit = false, want true")
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Errorf("ReadBlock after reopen mismatch (-want +got):\n%s", diff)
	}
}

type recordingBase struct {
	writes map[int64][]byte
}

func (r *recordingBase) WriteSector(sector int64, data []byte) error {
	if r.writes == nil {
		r.writes = make(map[int64][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.writes[sector] = cp
	return nil
}

func TestOverlay_CommitAppliesOnlyDirtyBlocks(t *testing.T) {
	backing := &memBacking{}
	o, err := Create(backing, SubtypeVolatile, 16*1024*1024)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := make([]byte, BlockSize)
	a[0] = 1
	b := make([]byte, BlockSize)
	b[0] = 2
	if err := o.WriteBlock(0, a); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := o.WriteBlock(9000, b); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	base := &recordingBase{}
	if err := o.Commit(base); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if len(base.writes) != 2 {
		t.Fatalf("Commit wrote %d sectors, want 2", len(base.writes))
	}
	if diff := cmp.Diff(a, base.writes[0]); diff != "" {
		t.Errorf("sector 0 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(b, base.writes[9000]); diff != "" {
		t.Errorf("sector 9000 mismatch (-want +got):\n%s", diff)
	}
}

func TestCreate_PropagatesHeaderWriteFailure(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	backing := NewMockBacking(mockCtrl)

	writeErr := errors.New("disk full")
	backing.EXPECT().WriteAt(gomock.Any(), gomock.Any()).Return(0, writeErr).Times(1)

	_, err := Create(backing, SubtypeVolatile, 16*1024*1024)

	mockCtrl.Finish()

	if !errors.Is(err, writeErr) {
		t.Fatalf("Create() error = %v, want to wrap %v", err, writeErr)
	}
}

func TestSizeExtents_CoversRequestedDiskSize(t *testing.T) {
	tests := []struct {
		name     string
		diskSize int64
	}{
		{name: "floppy", diskSize: 1440 * 1024},
		{name: "small hdd image", diskSize: 64 * 1024 * 1024},
		{name: "large image", diskSize: 2 * 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, bitmapSize := sizeExtents(tt.diskSize)
			covered := int64(entries) * extentSizeFor(bitmapSize)
			if covered < tt.diskSize {
				t.Errorf("sizeExtents(%d) covers only %d bytes", tt.diskSize, covered)
			}
		})
	}
}
