// Package output renders a completed traceroute into one of the wire
// formats downstream tooling expects, grounded on the reporting idiom
// the rest of this tree uses (bufio.Writer + fmt.Fprintf, one function
// per presentation) generalized from a single best-path report into
// the per-flow hop-by-hop structure a multipath traceroute produces.
package output

import (
	"fmt"
	"io"
	"net/netip"
	"sort"
	"time"

	"github.com/dmscope/diamondminer/internal/linkbuild"
	"github.com/dmscope/diamondminer/internal/probemodel"
)

// ErrUnsupportedFormat is returned by NewWriter for a format name this
// package does not implement.
var ErrUnsupportedFormat = fmt.Errorf("output: unsupported format")

// Writer renders one completed Traceroute.
type Writer interface {
	WriteTraceroute(tr Traceroute) error
}

// Hop pairs the replies observed at one TTL within one flow with the
// (near, far) link pairs the link builder derived at that TTL.
type Hop struct {
	TTL     uint8
	Replies []probemodel.Reply
	Links   []probemodel.Link
}

// FlowResult is one flow's hop-by-hop results, ordered by ascending
// TTL.
type FlowResult struct {
	Flow probemodel.Flow
	Hops []Hop
}

// Traceroute aggregates every flow result toward one destination over
// one run; this is the output writers' common input shape.
type Traceroute struct {
	SrcAddr   netip.Addr
	DstAddr   netip.Addr
	Protocol  probemodel.L4Protocol
	StartTime time.Time
	EndTime   time.Time
	Flows     []FlowResult
}

// Build assembles a Traceroute from the full reply history a run
// accumulated, grouping by flow and TTL the way
// original_source/src/links.rs does before handing off to a reporter.
func Build(src, dst netip.Addr, protocol probemodel.L4Protocol, start, end time.Time, replies []probemodel.Reply) Traceroute {
	tr := Traceroute{SrcAddr: src, DstAddr: dst, Protocol: protocol, StartTime: start, EndTime: end}

	linksByTTL := linkbuild.BuildLinks(replies)
	byFlow := linkbuild.RepliesByFlow(replies)

	flows := make([]probemodel.Flow, 0, len(byFlow))
	for f := range byFlow {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flowLess(flows[i], flows[j]) })

	for _, flow := range flows {
		flowReplies := byFlow[flow]
		byTTL := linkbuild.RepliesByTTL(flowReplies)

		ttls := make([]uint8, 0, len(byTTL))
		for t := range byTTL {
			ttls = append(ttls, t)
		}
		sort.Slice(ttls, func(i, j int) bool { return ttls[i] < ttls[j] })

		fr := FlowResult{Flow: flow}
		for _, ttl := range ttls {
			hopReplies := byTTL[ttl]
			sort.Slice(hopReplies, func(i, j int) bool {
				return hopReplies[i].ReplySrcAddr.Less(hopReplies[j].ReplySrcAddr)
			})
			var links []probemodel.Link
			for _, l := range linksByTTL[ttl] {
				if l.NearIP != nil && belongsToFlow(flowReplies, *l.NearIP, ttl) {
					links = append(links, l)
				}
			}
			fr.Hops = append(fr.Hops, Hop{TTL: ttl, Replies: hopReplies, Links: links})
		}
		tr.Flows = append(tr.Flows, fr)
	}

	return tr
}

func belongsToFlow(flowReplies []probemodel.Reply, addr netip.Addr, ttl uint8) bool {
	for _, r := range flowReplies {
		if r.ProbeTTL == ttl && r.ReplySrcAddr == addr {
			return true
		}
	}
	return false
}

func flowLess(a, b probemodel.Flow) bool {
	if a.Protocol != b.Protocol {
		return a.Protocol < b.Protocol
	}
	if a.DstAddr != b.DstAddr {
		return a.DstAddr.Less(b.DstAddr)
	}
	if a.SrcPort != b.SrcPort {
		return a.SrcPort < b.SrcPort
	}
	return a.DstPort < b.DstPort
}

// NewWriter builds the Writer for the named format (atlas, iris, flat,
// internal, traceroute, scamper, quiet). w receives every byte the
// chosen format writes.
func NewWriter(format string, w io.Writer) (Writer, error) {
	switch format {
	case "traceroute", "":
		return &ClassicWriter{W: w}, nil
	case "flat":
		return &FlatWriter{W: w}, nil
	case "internal":
		return &InternalWriter{W: w}, nil
	case "quiet":
		return QuietWriter{}, nil
	case "iris":
		return &IrisWriter{W: w}, nil
	case "atlas":
		return &AtlasWriter{W: w}, nil
	case "scamper":
		return nil, fmt.Errorf("%w: %q (warts binary format)", ErrUnsupportedFormat, format)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
