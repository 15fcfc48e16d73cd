// Package stopping implements the stopping-point oracle: given an
// observed number of successor interfaces and a target failure
// probability, the minimum number of distinct flows that must traverse
// a hop so that all its successors are discovered with the required
// confidence.
//
// Grounded on original_source/src/algorithms/utils/stopping_point.rs.
// The reference implementation memoizes a Stirling-2 ratio table built
// by a third-party crate; this package reaches the same coverage
// probabilities via the equivalent, numerically stable coupon-collector
// recurrence below (the exact-coverage distribution after n draws over
// K equally likely bins), memoized per K behind a mutex guarding the
// lazily-built table.
package stopping

import (
	"fmt"
	"sync"
)

// Bounds on the lazily-built general table.
const (
	MaxNProbes    = 722
	MaxNInterfaces = 1024
)

// LikelihoodThreshold is the default threshold used by
// EstimateTotalInterfaces.
const LikelihoodThreshold = 0.95

// PreconditionError reports a violated algorithmic precondition: an
// internal inconsistency that can only arise from a programming error
// upstream, never from network conditions.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("stopping: %s: %s", e.Op, e.Reason)
}

var (
	coverageMu    sync.Mutex
	coverageByK   = map[int][]float64{} // K -> P(cover all K bins | n draws), n=0..len-1
)

// coverageRow returns (and caches) the exact-coverage probability row
// for K bins, covering n = 0..MaxNProbes.
func coverageRow(K int) []float64 {
	coverageMu.Lock()
	defer coverageMu.Unlock()
	if row, ok := coverageByK[K]; ok {
		return row
	}
	row := buildCoverageRow(K, MaxNProbes)
	coverageByK[K] = row
	return row
}

// buildCoverageRow computes, for K equally likely bins, the probability
// that all K have been hit after n draws, for n = 0..upToN. It tracks
// the full distribution of "number of distinct bins hit so far" and
// advances it one draw at a time: a closed-form of the Stirling-2 ratio
// without the catastrophic cancellation a direct inclusion-exclusion sum
// would suffer for large K.
func buildCoverageRow(K, upToN int) []float64 {
	if K == 0 {
		row := make([]float64, upToN+1)
		for i := range row {
			row[i] = 1
		}
		return row
	}

	dist := make([]float64, K+1) // dist[j] = P(exactly j distinct bins hit)
	dist[0] = 1
	row := make([]float64, upToN+1)
	row[0] = dist[K]

	for n := 1; n <= upToN; n++ {
		next := make([]float64, K+1)
		for j := 0; j <= K; j++ {
			var v float64
			if dist[j] != 0 {
				v += dist[j] * float64(j) / float64(K)
			}
			if j > 0 && dist[j-1] != 0 {
				v += dist[j-1] * float64(K-j+1) / float64(K)
			}
			next[j] = v
		}
		dist = next
		row[n] = dist[K]
	}
	return row
}

// StoppingPoint returns the minimum number of probes n such that the
// probability of discovering all K = k+1 interfaces (the observed k plus
// at least one hypothetical additional) is at least 1-p.
//
// For p equal to 0.05 or 0.01 and k in [0,62], the hard-coded arrays
// in tables.go are consulted directly (at index K). Otherwise the general lazily cached
// table is used. If no n up to MaxNProbes reaches the target
// probability, MaxNProbes is returned (matching the reference
// implementation's fallback).
func StoppingPoint(k int, p float64) int {
	if k < 0 {
		panic(&PreconditionError{Op: "StoppingPoint", Reason: "k must be non-negative"})
	}
	if table, ok := hardCodedTable(p); ok && k+1 < len(table) {
		return table[k+1]
	}
	K := k + 1
	if K > MaxNInterfaces {
		panic(&PreconditionError{Op: "StoppingPoint", Reason: fmt.Sprintf("observed interfaces %d exceeds oracle table bound %d", k, MaxNInterfaces-1)})
	}
	row := coverageRow(K)
	target := 1.0 - p
	for n := K; n < len(row); n++ {
		if row[n] >= target {
			return n
		}
	}
	return MaxNProbes
}

// binomial computes C(n, k) via the stable iterative product form used
// by the reference implementation.
func binomial(n, k int) float64 {
	result := 1.0
	for i := 0; i < k; i++ {
		result *= float64(n-i) / float64(k-i)
	}
	return result
}

// eventProbability returns the probability of observing exactly
// observedInterfaces distinct interfaces after nProbes draws, given
// totalInterfaces equally likely interfaces in total.
func eventProbability(totalInterfaces, nProbes, observedInterfaces int) float64 {
	if totalInterfaces < observedInterfaces {
		panic(&PreconditionError{Op: "eventProbability", Reason: "observed_interfaces must be less than or equal to total_interfaces"})
	}
	if nProbes < observedInterfaces {
		return 0
	}
	row := coverageRow(observedInterfaces)
	// row[n] is P(all `observedInterfaces` bins hit | n draws from
	// exactly `observedInterfaces` bins); rescale it to the probability
	// of hitting exactly `observedInterfaces` distinct bins out of
	// `totalInterfaces`, by the ratio-of-ratios technique the reference
	// implementation applies to its Stirling-2 table.
	kRatio := float64(observedInterfaces) / float64(totalInterfaces)
	current := row[nProbes]
	for i := 0; i < nProbes; i++ {
		current *= kRatio
	}
	return current * binomial(totalInterfaces, observedInterfaces)
}

// EstimateTotalInterfaces returns the smallest K >= observed such that
// P(observe = observed | K, nProbes) > likelihoodThreshold. When
// nProbes > observed and that likelihood starts decreasing in K before
// exceeding the threshold, it returns the K just before the decrease;
// if no K up to MaxNInterfaces qualifies either way, it returns observed.
func EstimateTotalInterfaces(nProbes, observed int, likelihoodThreshold float64) int {
	if nProbes < observed {
		panic(&PreconditionError{Op: "EstimateTotalInterfaces", Reason: fmt.Sprintf("observed_interfaces must be less than or equal to n_probes: %d < %d", nProbes, observed)})
	}

	if nProbes == observed {
		for total := observed; total <= MaxNInterfaces; total++ {
			if eventProbability(total, nProbes, observed) > likelihoodThreshold {
				return total
			}
		}
		return observed
	}

	prevProb := 0.0
	for total := observed; total <= MaxNInterfaces; total++ {
		prob := eventProbability(total, nProbes, observed)
		if prob > likelihoodThreshold {
			return total
		}
		if prob < prevProb {
			return total - 1
		}
		prevProb = prob
	}
	return observed
}
