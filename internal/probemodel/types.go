// Package probemodel defines the wire-independent data model shared by
// the diamond-miner algorithms and the surrounding transport code: the
// probe a round emits, the reply a probe elicits, the flow the two are
// grouped by, and the link observations the link builder derives from
// them.
package probemodel

import (
	"fmt"
	"net/netip"
	"time"
)

// L4Protocol identifies the transport-layer protocol of a probe.
type L4Protocol int

const (
	ICMP L4Protocol = iota
	ICMPv6
	UDP
)

func (p L4Protocol) String() string {
	switch p {
	case ICMP:
		return "icmp"
	case ICMPv6:
		return "icmpv6"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("L4Protocol(%d)", int(p))
	}
}

// Normalize promotes ICMP to ICMPv6 when dst is an IPv6 address, per
// invariant 5: the protocol field is normalized on construction.
func Normalize(protocol L4Protocol, dst netip.Addr) L4Protocol {
	if protocol == ICMP && dst.Is6() && !dst.Is4In6() {
		return ICMPv6
	}
	return protocol
}

// MPLSLabel is a single entry of an MPLS label stack carried by an ICMP
// extension object.
type MPLSLabel struct {
	Label uint32
	Exp   uint8
	S     bool
	TTL   uint8
}

// Probe is the tuple (destination address, source port, destination
// port, L4 protocol, TTL) sent by the prober.
type Probe struct {
	DstAddr  netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol L4Protocol
	TTL      uint8
}

// ReplyKind classifies a Reply's ICMP semantics for the link builder.
type ReplyKind int

const (
	ReplyTimeExceeded ReplyKind = iota
	ReplyEchoOrUnreachable
	ReplyOther
)

// Reply is an observation recording everything the link builder and
// output writers need about one inbound packet matched to an earlier
// probe.
type Reply struct {
	ProbeTTL      uint8
	ProbeDstAddr  netip.Addr
	ProbeSrcPort  uint16
	ProbeDstPort  uint16
	ProbeProtocol L4Protocol

	ReplySrcAddr netip.Addr
	ICMPType     uint8
	ICMPCode     uint8

	CapturedAt time.Time
	RTT        time.Duration
	MPLS       []MPLSLabel

	Kind ReplyKind
}

// Flow is the 4-tuple (protocol, destination, src port, dst port) that
// ECMP routers hash on. Two replies share a flow iff these four fields
// match.
type Flow struct {
	Protocol L4Protocol
	DstAddr  netip.Addr
	SrcPort  uint16
	DstPort  uint16
}

// FlowOf extracts the Flow a Reply belongs to.
func FlowOf(r Reply) Flow {
	return Flow{
		Protocol: r.ProbeProtocol,
		DstAddr:  r.ProbeDstAddr,
		SrcPort:  r.ProbeSrcPort,
		DstPort:  r.ProbeDstPort,
	}
}

// Link is a (near, far) interface pair observed at adjacent TTLs within
// one flow. Either endpoint may be absent.
type Link struct {
	TTL    uint8
	NearIP *netip.Addr
	FarIP  *netip.Addr
}

// Complete reports whether both endpoints of the link were observed.
func (l Link) Complete() bool {
	return l.NearIP != nil && l.FarIP != nil
}

func (l Link) String() string {
	near, far := "None", "None"
	if l.NearIP != nil {
		near = l.NearIP.String()
	}
	if l.FarIP != nil {
		far = l.FarIP.String()
	}
	return fmt.Sprintf("Link(ttl=%d, near=%s, far=%s)", l.TTL, near, far)
}
