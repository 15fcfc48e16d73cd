package stopping

// stoppingPoint95 and stoppingPoint99 are the hard-coded first 64 values
// of the stopping point for p=0.05 and p=0.01 respectively, indexed by
// the number of interfaces K = k+1 (so stopping_point(k, p) is entry
// k+1), carried over verbatim from the reference implementation. These
// arrays must be reproduced exactly; they define the protocol's target
// power.
var stoppingPoint95 = [64]int{
	0, 1, 6, 11, 16, 21, 27, 33, 38, 44, 51, 57, 63, 70, 76, 83,
	90, 96, 103, 110, 117, 124, 131, 138, 145, 152, 159, 167, 174,
	181, 189, 196, 203, 211, 218, 226, 233, 241, 248, 256, 264,
	271, 279, 287, 294, 302, 310, 318, 326, 333, 341, 349, 357,
	365, 373, 381, 389, 397, 405, 413, 421, 429, 437, 445,
}

var stoppingPoint99 = [64]int{
	0, 1, 8, 15, 21, 28, 36, 43, 51, 58, 66, 74, 82, 90, 98, 106,
	115, 123, 132, 140, 149, 157, 166, 175, 183, 192, 201, 210,
	219, 228, 237, 246, 255, 264, 273, 282, 291, 300, 309, 319,
	328, 337, 347, 356, 365, 375, 384, 393, 403, 412, 422, 431,
	441, 450, 460, 470, 479, 489, 499, 508, 518, 528, 537, 547,
}

// hardCodedFailureProbEpsilon bounds how close an arbitrary p must be to
// 0.05 or 0.01 to reuse the hard-coded arrays instead of the general
// lazily-built table.
const hardCodedFailureProbEpsilon = 1e-12

func hardCodedTable(p float64) ([64]int, bool) {
	switch {
	case approxEqual(p, 0.05):
		return stoppingPoint95, true
	case approxEqual(p, 0.01):
		return stoppingPoint99, true
	default:
		return [64]int{}, false
	}
}

func approxEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < hardCodedFailureProbEpsilon
}
