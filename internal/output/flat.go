package output

import (
	"bufio"
	"fmt"
	"io"
)

// FlatWriter writes one tab-separated line per (flow, ttl, near, far)
// link observation -- the simplest fully-faithful dump of the link
// builder's output, meant for piping into other tools.
type FlatWriter struct {
	W io.Writer
}

func (fw *FlatWriter) WriteTraceroute(tr Traceroute) error {
	bw := bufio.NewWriter(fw.W)

	for _, fr := range tr.Flows {
		for _, hop := range fr.Hops {
			for _, l := range hop.Links {
				near, far := "*", "*"
				if l.NearIP != nil {
					near = l.NearIP.String()
				}
				if l.FarIP != nil {
					far = l.FarIP.String()
				}
				fmt.Fprintf(bw, "%s\t%d\t%d\t%s\t%d\t%s\t%s\n",
					tr.DstAddr, fr.Flow.SrcPort, fr.Flow.DstPort, fr.Flow.Protocol,
					hop.TTL, near, far)
			}
		}
	}

	return bw.Flush()
}
