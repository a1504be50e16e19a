package arena

import "testing"

func TestTableAppendAndAt(t *testing.T) {
	var tbl Table[int]
	for i := 0; i < 3; i++ {
		idx := tbl.Append(i * 10)
		if idx != i {
			t.Fatalf("Append returned index %d, want %d", idx, i)
		}
	}
	if tbl.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tbl.Len())
	}
	*tbl.At(1) = 999
	if got := tbl.Slice()[1]; got != 999 {
		t.Errorf("mutation through At() not reflected, got %d", got)
	}
}

func TestTableGrowthByGranule(t *testing.T) {
	var tbl Table[int]
	for i := 0; i < Granule+1; i++ {
		tbl.Append(i)
	}
	if cap(tbl.items) < Granule+1 {
		t.Fatalf("capacity %d did not grow past one granule", cap(tbl.items))
	}
}

func TestTableShrink(t *testing.T) {
	var tbl Table[int]
	tbl.Append(1)
	if cap(tbl.items) != Granule {
		t.Fatalf("expected initial growth to one granule, got cap=%d", cap(tbl.items))
	}
	tbl.Shrink()
	if cap(tbl.items) != 1 {
		t.Errorf("Shrink() left cap=%d, want 1", cap(tbl.items))
	}
	if len(tbl.items) != 1 {
		t.Errorf("Shrink() changed length to %d, want 1", len(tbl.items))
	}
}
