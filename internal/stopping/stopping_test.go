package stopping_test

import (
	"testing"

	"github.com/dmscope/diamondminer/internal/stopping"
)

func TestStoppingPointMatchesHardCodedTable95(t *testing.T) {
	want := []int{
		0, 1, 6, 11, 16, 21, 27, 33, 38, 44, 51, 57, 63, 70, 76, 83,
		90, 96, 103, 110, 117, 124, 131, 138, 145, 152, 159, 167, 174,
		181, 189, 196, 203, 211, 218, 226, 233, 241, 248, 256, 264,
		271, 279, 287, 294, 302, 310, 318, 326, 333, 341, 349, 357,
		365, 373, 381, 389, 397, 405, 413, 421, 429, 437, 445,
	}
	// The table is indexed by K = k+1 interfaces: entry k+1 is
	// StoppingPoint(k, p), for k in [0, 62].
	for k := 0; k+1 < len(want); k++ {
		if got, w := stopping.StoppingPoint(k, 0.05), want[k+1]; got != w {
			t.Errorf("StoppingPoint(%d, 0.05) = %d, want %d", k, got, w)
		}
	}
}

func TestStoppingPointMatchesHardCodedTable99(t *testing.T) {
	want := []int{
		0, 1, 8, 15, 21, 28, 36, 43, 51, 58, 66, 74, 82, 90, 98, 106,
		115, 123, 132, 140, 149, 157, 166, 175, 183, 192, 201, 210,
		219, 228, 237, 246, 255, 264, 273, 282, 291, 300, 309, 319,
		328, 337, 347, 356, 365, 375, 384, 393, 403, 412, 422, 431,
		441, 450, 460, 470, 479, 489, 499, 508, 518, 528, 537, 547,
	}
	for k := 0; k+1 < len(want); k++ {
		if got, w := stopping.StoppingPoint(k, 0.01), want[k+1]; got != w {
			t.Errorf("StoppingPoint(%d, 0.01) = %d, want %d", k, got, w)
		}
	}
}

// TestStoppingPointGeneralTableAgreesWithHardCoded checks that bypassing
// the hard-coded fast path (via a p value that differs only in the
// eighth decimal, forcing the general lazily-built table) still
// reproduces values extremely close to the curated table for a sample of
// k, within one probe of slack for floating-point boundary effects.
func TestStoppingPointGeneralTableAgreesWithHardCoded(t *testing.T) {
	for _, k := range []int{0, 1, 5, 10, 30, 62} {
		hard := stopping.StoppingPoint(k, 0.05)
		general := stopping.StoppingPoint(k, 0.05000001)
		diff := hard - general
		if diff < -1 || diff > 1 {
			t.Errorf("k=%d: hard-coded=%d general=%d, want within 1", k, hard, general)
		}
	}
}

func TestEstimateTotalInterfacesRange(t *testing.T) {
	for _, tt := range []struct {
		nProbes, observed, want int
	}{
		{2, 1, 1}, {3, 1, 1}, {3, 2, 2},
		{4, 1, 1}, {4, 2, 2}, {4, 3, 5},
		{5, 1, 1}, {5, 2, 2}, {5, 3, 3}, {5, 4, 8},
		{6, 1, 1}, {6, 2, 2}, {6, 3, 3}, {6, 4, 6}, {6, 5, 13},
		{7, 1, 1}, {7, 2, 2}, {7, 3, 3}, {7, 4, 5}, {7, 5, 8}, {7, 6, 19},
		{8, 1, 1}, {8, 2, 2}, {8, 3, 3}, {8, 4, 4}, {8, 5, 7}, {8, 6, 11}, {8, 7, 25},
		{9, 1, 1}, {9, 2, 2}, {9, 3, 3}, {9, 4, 4}, {9, 5, 6}, {9, 6, 9}, {9, 7, 15}, {9, 8, 33},
	} {
		got := stopping.EstimateTotalInterfaces(tt.nProbes, tt.observed, stopping.LikelihoodThreshold)
		if got != tt.want {
			t.Errorf("EstimateTotalInterfaces(%d, %d, 0.95) = %d, want %d", tt.nProbes, tt.observed, got, tt.want)
		}
	}
}

func TestEstimateTotalInterfacesPanicsWhenObservedExceedsProbes(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when observed > nProbes")
		}
	}()
	stopping.EstimateTotalInterfaces(2, 5, stopping.LikelihoodThreshold)
}

func TestStoppingPointMonotonicInK(t *testing.T) {
	prev := -1
	for k := 0; k <= 62; k++ {
		got := stopping.StoppingPoint(k, 0.05)
		if got < prev {
			t.Errorf("StoppingPoint(%d, 0.05) = %d, want >= previous value %d", k, got, prev)
		}
		prev = got
	}
}
