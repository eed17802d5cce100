package registry

import "testing"

func TestClampBoundsPassesValidBoundsThrough(t *testing.T) {
	in := [4]float64{-122.5, 37.7, -122.3, 37.9}
	got := clampBounds(in)
	if got != in {
		t.Errorf("clampBounds(%v) = %v, want unchanged", in, got)
	}
}

func TestClampBoundsClipsOutOfRangeLatitude(t *testing.T) {
	in := [4]float64{-10, -95, 10, 95}
	got := clampBounds(in)
	want := [4]float64{-10, -90, 10, 90}
	if got != want {
		t.Errorf("clampBounds(%v) = %v, want %v", in, got, want)
	}
}

func TestClampBoundsFallsBackToWorldOnDisjointInput(t *testing.T) {
	in := [4]float64{200, 100, 210, 110}
	got := clampBounds(in)
	want := [4]float64{-180, -90, 180, 90}
	if got != want {
		t.Errorf("clampBounds(%v) = %v, want whole-world fallback %v", in, got, want)
	}
}
