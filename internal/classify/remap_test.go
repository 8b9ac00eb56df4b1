package classify

import "testing"

func TestRemapperAssignsSequentialIds(t *testing.T) {
	r := NewRemapper(4)
	r.Add(10)
	r.Add(20)
	r.Add(10) // repeat keeps its first id
	r.Add(30)
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}

	in := RankedVector[float64]{{Value: 1, Index: 30}, {Value: 2, Index: 10}, {Value: 3, Index: 20}}
	var out RankedVector[float64]
	Remap(r, in, &out)
	want := RankedVector[float64]{{Value: 1, Index: 2}, {Value: 2, Index: 0}, {Value: 3, Index: 1}}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got %v, want %v", out, want)
		}
	}
}

func TestRemapDropsUnknownIndices(t *testing.T) {
	r := NewRemapper(2)
	r.Add(10)
	r.Add(30)

	in := RankedVector[float64]{
		{Value: 0.5, Index: 20},
		{Value: 1.5, Index: 10},
		{Value: 2.5, Index: 40},
		{Value: 3.5, Index: 30},
	}
	var out RankedVector[float64]
	Remap(r, in, &out)

	// Order is preserved, so a value-sorted input stays value-sorted.
	want := RankedVector[float64]{{Value: 1.5, Index: 0}, {Value: 3.5, Index: 1}}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got %v, want %v", out, want)
		}
	}
}

func TestRemapTruncatesOutput(t *testing.T) {
	r := NewRemapper(1)
	r.Add(5)

	out := make(RankedVector[float64], 0, 8)
	Remap(r, RankedVector[float64]{{Value: 1, Index: 5}, {Value: 2, Index: 6}}, &out)
	Remap(r, RankedVector[float64]{{Value: 9, Index: 5}}, &out)
	if len(out) != 1 || out[0].Value != 9 || out[0].Index != 0 {
		t.Fatalf("second remap must start fresh, got %v", out)
	}
}

func TestRemapperReset(t *testing.T) {
	r := NewRemapper(2)
	r.Add(1)
	r.Add(2)
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("Len after Reset = %d, want 0", r.Len())
	}
	r.Add(7)
	var out RankedVector[float64]
	Remap(r, RankedVector[float64]{{Value: 1, Index: 1}, {Value: 2, Index: 7}}, &out)
	if len(out) != 1 || out[0].Index != 0 {
		t.Fatalf("stale ids survived Reset: %v", out)
	}
}
