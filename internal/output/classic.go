package output

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/dmscope/diamondminer/internal/probemodel"
)

// ClassicWriter renders one line per TTL, ascending, aggregating every
// interface seen at that hop across flows with its mean RTT and probe
// count, and stops after the first TTL at which the destination
// replied -- the presentation original_source/src/classic_traceroute.rs
// groups into, written through the same bufio.Writer + fmt.Fprintf
// idiom used for reporting throughout this tree.
type ClassicWriter struct {
	W io.Writer
}

func (cw *ClassicWriter) WriteTraceroute(tr Traceroute) error {
	bw := bufio.NewWriter(cw.W)

	type agg struct {
		count int
		rtt   float64 // running mean, seconds
		mpls  []probemodel.MPLSLabel
	}
	byTTL := map[uint8]map[string]*agg{}
	var ttls []uint8
	seenTTL := map[uint8]bool{}

	for _, fr := range tr.Flows {
		for _, hop := range fr.Hops {
			if !seenTTL[hop.TTL] {
				seenTTL[hop.TTL] = true
				ttls = append(ttls, hop.TTL)
			}
			m := byTTL[hop.TTL]
			if m == nil {
				m = map[string]*agg{}
				byTTL[hop.TTL] = m
			}
			for _, r := range hop.Replies {
				key := r.ReplySrcAddr.String()
				a := m[key]
				if a == nil {
					a = &agg{}
					m[key] = a
				}
				a.count++
				a.rtt += (r.RTT.Seconds() - a.rtt) / float64(a.count)
				if len(r.MPLS) > 0 && len(a.mpls) == 0 {
					a.mpls = r.MPLS
				}
			}
		}
	}

	sort.Slice(ttls, func(i, j int) bool { return ttls[i] < ttls[j] })

	fmt.Fprintf(bw, "traceroute to %s, protocol %s\n", tr.DstAddr, tr.Protocol)
	for _, ttl := range ttls {
		fmt.Fprintf(bw, "%3d  ", ttl)
		addrs := make([]string, 0, len(byTTL[ttl]))
		for a := range byTTL[ttl] {
			addrs = append(addrs, a)
		}
		sort.Strings(addrs)
		if len(addrs) == 0 {
			fmt.Fprintf(bw, "*\n")
			continue
		}
		for i, addr := range addrs {
			a := byTTL[ttl][addr]
			if i > 0 {
				fmt.Fprintf(bw, "\n     ")
			}
			fmt.Fprintf(bw, "%s  %.3fms (%d probes)", addr, a.rtt*1000, a.count)
			for _, l := range a.mpls {
				fmt.Fprintf(bw, " <label=%d tc=%x s=%t ttl=%d>", l.Label, l.Exp, l.S, l.TTL)
			}
		}
		fmt.Fprintf(bw, "\n")
		if byTTL[ttl][tr.DstAddr.String()] != nil {
			break
		}
	}

	return bw.Flush()
}
