package output

import (
	"encoding/json"
	"io"
)

// atlasHopResult and atlasHop follow RIPE Atlas's traceroute result
// shape closely enough for tooling already consuming Atlas measurement
// results to read this engine's output, but this is a reduced
// best-effort rendering: Atlas's full schema additionally carries
// per-measurement metadata (probe ID, address family, firmware
// version, ...) this engine has no equivalent of, so it is omitted
// rather than faked.
type atlasHopResult struct {
	From string  `json:"from,omitempty"`
	RTT  float64 `json:"rtt,omitempty"`
	TTL  uint8   `json:"ttl"`
}

type atlasHop struct {
	Hop    int              `json:"hop"`
	Result []atlasHopResult `json:"result"`
}

type atlasResult struct {
	From   string     `json:"from,omitempty"`
	To     string     `json:"to"`
	Proto  string     `json:"proto"`
	Result []atlasHop `json:"result"`
}

// AtlasWriter emits the reduced Atlas-style shape described above, one
// JSON object per flow.
type AtlasWriter struct {
	W io.Writer
}

func (aw *AtlasWriter) WriteTraceroute(tr Traceroute) error {
	enc := json.NewEncoder(aw.W)
	for _, fr := range tr.Flows {
		res := atlasResult{
			To:    tr.DstAddr.String(),
			Proto: fr.Flow.Protocol.String(),
		}
		if tr.SrcAddr.IsValid() {
			res.From = tr.SrcAddr.String()
		}
		for i, hop := range fr.Hops {
			h := atlasHop{Hop: i + 1}
			if len(hop.Replies) == 0 {
				h.Result = append(h.Result, atlasHopResult{TTL: hop.TTL})
			}
			for _, r := range hop.Replies {
				h.Result = append(h.Result, atlasHopResult{
					From: r.ReplySrcAddr.String(),
					RTT:  float64(r.RTT.Microseconds()) / 1000,
					TTL:  hop.TTL,
				})
			}
			res.Result = append(res.Result, h)
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return nil
}
