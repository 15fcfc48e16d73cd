package probemodel

// Wire encoding note: nothing pins down how a probe's TTL survives the
// round trip on the wire (routers quote the
// original IP header back in an ICMP error, but its TTL field reflects
// the hop count AT the router, not the value the prober chose). This
// engine tags every outbound packet's payload with the TTL it was sent
// at and reads the same tag back out of whatever the probe elicits:
// the ICMP error's quoted payload (UDP/ICMP probes) or the echoed Data
// of an Echo Reply (ICMP probes). The tag is one byte; a short fixed
// suffix makes stray zero-length payloads easy to reject.

var tagSuffix = [3]byte{'d', 'm', 'r'}

// ProbeTag returns the payload an outbound probe carries so its TTL can
// be recovered from whatever the probe elicits.
func ProbeTag(ttl uint8) []byte {
	return []byte{ttl, tagSuffix[0], tagSuffix[1], tagSuffix[2]}
}

// ParseProbeTag recovers the TTL from a tagged payload (or a quoted
// copy of one), reporting ok=false if b is too short or doesn't carry
// the tag suffix.
func ParseProbeTag(b []byte) (ttl uint8, ok bool) {
	if len(b) < 4 {
		return 0, false
	}
	if b[1] != tagSuffix[0] || b[2] != tagSuffix[1] || b[3] != tagSuffix[2] {
		return 0, false
	}
	return b[0], true
}
