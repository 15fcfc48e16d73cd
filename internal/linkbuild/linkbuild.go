// Package linkbuild implements the link inference engine: it groups
// replies by flow and TTL and enumerates the (near, far) interface pairs
// observed at each hop.
//
// Grounded on original_source/src/links.rs (get_replies_by_ttl,
// get_replies_by_flow, get_pairs_by_flow, get_links_by_ttl), generalized
// from Rust's borrow-checked reference-based ReplyPair into Go values
// stored by value, since Go has no lifetime system to make
// reference-based link observations convenient.
package linkbuild

import (
	"net/netip"

	"github.com/dmscope/diamondminer/internal/probemodel"
)

// RepliesByTTL partitions replies by probe TTL.
func RepliesByTTL(replies []probemodel.Reply) map[uint8][]probemodel.Reply {
	byTTL := make(map[uint8][]probemodel.Reply)
	for _, r := range replies {
		byTTL[r.ProbeTTL] = append(byTTL[r.ProbeTTL], r)
	}
	return byTTL
}

// RepliesByFlow partitions replies by the flow they belong to.
func RepliesByFlow(replies []probemodel.Reply) map[probemodel.Flow][]probemodel.Reply {
	byFlow := make(map[probemodel.Flow][]probemodel.Reply)
	for _, r := range replies {
		f := probemodel.FlowOf(r)
		byFlow[f] = append(byFlow[f], r)
	}
	return byFlow
}

// BuildLinks infers the links between successive hops over the full
// set of replies seen by one controller across all rounds: partition by
// flow, then by TTL
// within flow; for each TTL t in [min_ttl, max_ttl] (the min and max
// observed probe TTL across ALL replies, not just the current flow -
// a flow silent at the network's extremities still needs a None slot
// there) form the cartesian product of replies_at(t) (or {None} if
// empty) and replies_at(t+1), keeping pairs where at least one side is
// present. Duplicate link observations are retained, never
// deduplicated, since downstream accounting depends on counts, not on
// set cardinality.
func BuildLinks(replies []probemodel.Reply) map[uint8][]probemodel.Link {
	linksByTTL := make(map[uint8][]probemodel.Link)
	if len(replies) == 0 {
		return linksByTTL
	}

	minTTL, maxTTL := int(replies[0].ProbeTTL), int(replies[0].ProbeTTL)
	for _, r := range replies {
		if int(r.ProbeTTL) < minTTL {
			minTTL = int(r.ProbeTTL)
		}
		if int(r.ProbeTTL) > maxTTL {
			maxTTL = int(r.ProbeTTL)
		}
	}

	for _, flowReplies := range RepliesByFlow(replies) {
		byTTL := RepliesByTTL(flowReplies)

		for nearTTL := minTTL; nearTTL <= maxTTL; nearTTL++ {
			near := addrsAt(byTTL, uint8(nearTTL))
			far := addrsAt(byTTL, uint8(nearTTL+1))

			for _, n := range near {
				for _, f := range far {
					if n == nil && f == nil {
						continue
					}
					linksByTTL[uint8(nearTTL)] = append(linksByTTL[uint8(nearTTL)], probemodel.Link{
						TTL:    uint8(nearTTL),
						NearIP: n,
						FarIP:  f,
					})
				}
			}
		}
	}

	return linksByTTL
}

// addrsAt returns the set of "present" reply-source-address slots at
// ttl, or a single nil slot ("None") when there are no replies at that
// TTL.
func addrsAt(byTTL map[uint8][]probemodel.Reply, ttl uint8) []*netip.Addr {
	replies, ok := byTTL[ttl]
	if !ok || len(replies) == 0 {
		return []*netip.Addr{nil}
	}
	out := make([]*netip.Addr, 0, len(replies))
	for i := range replies {
		addr := replies[i].ReplySrcAddr
		out = append(out, &addr)
	}
	return out
}
