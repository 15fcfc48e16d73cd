package output

import (
	"encoding/json"
	"io"
	"time"

	"github.com/dmscope/diamondminer/internal/probemodel"
)

// irisReply is one JSON object per probe/reply pair, matching the
// field names Iris (the measurement platform this engine's domain is
// modeled on) expects and mirroring probemodel.Reply/Probe field names
// from original_source's caracat::models::Reply.
type irisReply struct {
	ProbeProtocol string  `json:"probe_protocol"`
	ProbeDstAddr  string  `json:"probe_dst_addr"`
	ProbeSrcPort  uint16  `json:"probe_src_port"`
	ProbeDstPort  uint16  `json:"probe_dst_port"`
	ProbeTTL      uint8   `json:"probe_ttl"`
	ReplySrcAddr  string  `json:"reply_src_addr"`
	ReplyICMPType uint8   `json:"reply_icmp_type"`
	ReplyICMPCode uint8   `json:"reply_icmp_code"`
	RTT           float64 `json:"rtt_ms"`

	MPLSLabels []probemodel.MPLSLabel `json:"reply_mpls_labels,omitempty"`
}

// IrisWriter emits one JSON object per reply observed, newline
// delimited, the shape Iris ingests for a single traceroute result.
type IrisWriter struct {
	W io.Writer
}

func (iw *IrisWriter) WriteTraceroute(tr Traceroute) error {
	enc := json.NewEncoder(iw.W)
	for _, fr := range tr.Flows {
		for _, hop := range fr.Hops {
			for _, r := range hop.Replies {
				rec := irisReply{
					ProbeProtocol: r.ProbeProtocol.String(),
					ProbeDstAddr:  r.ProbeDstAddr.String(),
					ProbeSrcPort:  r.ProbeSrcPort,
					ProbeDstPort:  r.ProbeDstPort,
					ProbeTTL:      r.ProbeTTL,
					ReplySrcAddr:  r.ReplySrcAddr.String(),
					ReplyICMPType: r.ICMPType,
					ReplyICMPCode: r.ICMPCode,
					RTT:           float64(r.RTT) / float64(time.Millisecond),
					MPLSLabels:    r.MPLS,
				}
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
