// Package receiver drains inbound ICMP/ICMPv6 packets into the reply
// history the controller consumes, adapting a monitor-goroutine plus
// buffered-report-channel design into an owned-slice drain-on-demand
// cache (original_source/src/receiver.rs's stop()->Vec<Reply>
// contract).
//
// Diamond-miner flows aren't single-cookie (a single-hop prober tracks
// at most one in-flight probe at a time); a round has many outstanding
// flows across many TTLs, so this cache does no cookie filtering at
// all, the same permissive path a Linux non-raw socket takes by
// necessity (the kernel hands back every ICMP datagram regardless of
// which process's probe elicited it). Every inbound packet this
// process's ICMP sockets see is decoded; packets that do not carry this
// engine's probe tag are dropped, and a tagged packet is kept without
// checking it against the probes actually sent.
package receiver

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/dmscope/diamondminer/internal/probemodel"
	"github.com/dmscope/diamondminer/internal/transport"
)

// Cache accumulates decoded replies from one or more connections, each
// drained by its own goroutine, and hands ownership of the accumulated
// slice to the caller on Drain.
type Cache struct {
	conns  []*transport.Conn
	logger *slog.Logger

	mu      sync.Mutex
	replies []probemodel.Reply

	wg sync.WaitGroup
}

// New starts a draining goroutine per connection. Connections are
// typically the process's raw ICMP and ICMPv6 sockets: every probe
// protocol (ICMP, ICMPv6, or UDP) elicits its terminal or transit
// replies as ICMP, so these are the only sockets ever read from.
func New(conns ...*transport.Conn) *Cache {
	c := &Cache{conns: conns}
	for _, conn := range conns {
		c.wg.Add(1)
		go c.drain(conn)
	}
	return c
}

// SetLogger attaches a logger for decode diagnostics; nil (the
// default) keeps the cache silent -- logging configuration lives in
// cmd/, not in this library.
func (c *Cache) SetLogger(logger *slog.Logger) { c.logger = logger }

func (c *Cache) drain(conn *transport.Conn) {
	defer c.wg.Done()
	buf := make([]byte, 1<<16-1)
	for {
		in, err := conn.ReadFrom(buf)
		if err != nil {
			if c.logger != nil {
				c.logger.Debug("receiver: connection closed", "protocol", conn.Protocol(), "error", err)
			}
			return
		}
		if r, ok := decode(conn.Protocol(), in); ok {
			c.mu.Lock()
			c.replies = append(c.replies, r)
			c.mu.Unlock()
		}
	}
}

// Drain returns every reply accumulated since the last Drain call and
// resets the cache to empty.
func (c *Cache) Drain() []probemodel.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.replies
	c.replies = nil
	return out
}

// Stop closes every underlying connection, which unblocks and
// terminates each draining goroutine, and waits for them to exit.
func (c *Cache) Stop() error {
	var firstErr error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.wg.Wait()
	return firstErr
}

// decode turns one inbound packet into a Reply, or reports ok=false
// for anything that isn't a reply to a probe this engine could have
// sent (malformed packets, unrelated ICMP chatter).
func decode(protocol probemodel.L4Protocol, in transport.Inbound) (probemodel.Reply, bool) {
	var ianaProto int
	switch protocol {
	case probemodel.ICMP:
		ianaProto = 1
	case probemodel.ICMPv6:
		ianaProto = 58
	default:
		return probemodel.Reply{}, false
	}

	m, err := icmp.ParseMessage(ianaProto, in.Payload)
	if err != nil {
		return probemodel.Reply{}, false
	}

	if m.Type == ipv4.ICMPTypeEchoReply || m.Type == ipv6.ICMPTypeEchoReply {
		return decodeEchoReply(protocol, in, m)
	}
	return decodeICMPError(protocol, in, m)
}

func decodeEchoReply(protocol probemodel.L4Protocol, in transport.Inbound, m *icmp.Message) (probemodel.Reply, bool) {
	echo, ok := m.Body.(*icmp.Echo)
	if !ok {
		return probemodel.Reply{}, false
	}
	ttl, ok := probemodel.ParseProbeTag(echo.Data)
	if !ok {
		return probemodel.Reply{}, false
	}
	return probemodel.Reply{
		ProbeTTL:      ttl,
		ProbeDstAddr:  in.Src,
		ProbeSrcPort:  uint16(echo.ID),
		ProbeDstPort:  uint16(echo.Seq),
		ProbeProtocol: protocol,
		ReplySrcAddr:  in.Src,
		ICMPType:      uint8(protoTypeCode(m.Type)),
		ICMPCode:      uint8(m.Code),
		CapturedAt:    time.Now(),
		Kind:          probemodel.ReplyEchoOrUnreachable,
	}, true
}

func decodeICMPError(protocol probemodel.L4Protocol, in transport.Inbound, m *icmp.Message) (probemodel.Reply, bool) {
	var quoted []byte
	var exts []icmp.Extension
	switch body := m.Body.(type) {
	case *icmp.DstUnreach:
		quoted, exts = body.Data, body.Extensions
	case *icmp.PacketTooBig:
		quoted, exts = body.Data, body.Extensions
	case *icmp.TimeExceeded:
		quoted, exts = body.Data, body.Extensions
	case *icmp.ParamProb:
		quoted, exts = body.Data, body.Extensions
	default:
		return probemodel.Reply{}, false
	}

	origDst, origProto, payload, ok := parseQuotedIPHeader(protocol, quoted)
	if !ok {
		return probemodel.Reply{}, false
	}

	var srcPort, dstPort uint16
	var ttl uint8
	switch origProto {
	case 17: // UDP
		if len(payload) < 8 {
			return probemodel.Reply{}, false
		}
		srcPort = uint16(payload[0])<<8 | uint16(payload[1])
		dstPort = uint16(payload[2])<<8 | uint16(payload[3])
		var tagged bool
		ttl, tagged = probemodel.ParseProbeTag(payload[8:])
		if !tagged {
			return probemodel.Reply{}, false
		}
	case 1, 58: // ICMP / ICMPv6 echo
		em, err := icmp.ParseMessage(origProto, payload)
		if err != nil {
			return probemodel.Reply{}, false
		}
		echo, ok := em.Body.(*icmp.Echo)
		if !ok {
			return probemodel.Reply{}, false
		}
		srcPort, dstPort = uint16(echo.ID), uint16(echo.Seq)
		var tagged bool
		ttl, tagged = probemodel.ParseProbeTag(echo.Data)
		if !tagged {
			return probemodel.Reply{}, false
		}
	default:
		return probemodel.Reply{}, false
	}

	kind := probemodel.ReplyEchoOrUnreachable
	if m.Type == ipv4.ICMPTypeTimeExceeded || m.Type == ipv6.ICMPTypeTimeExceeded {
		kind = probemodel.ReplyTimeExceeded
	}

	return probemodel.Reply{
		ProbeTTL:      ttl,
		ProbeDstAddr:  origDst,
		ProbeSrcPort:  srcPort,
		ProbeDstPort:  dstPort,
		ProbeProtocol: protocol,
		ReplySrcAddr:  in.Src,
		ICMPType:      uint8(protoTypeCode(m.Type)),
		ICMPCode:      uint8(m.Code),
		CapturedAt:    time.Now(),
		MPLS:          extractMPLS(exts),
		Kind:          kind,
	}, true
}

// extractMPLS pulls the MPLS label stack out of an ICMP error's
// extension objects by type-switching on *icmp.MPLSLabelStack, the same
// extension type carried in a standard RFC 4950 ICMP extension.
func extractMPLS(exts []icmp.Extension) []probemodel.MPLSLabel {
	var out []probemodel.MPLSLabel
	for _, ext := range exts {
		stack, ok := ext.(*icmp.MPLSLabelStack)
		if !ok {
			continue
		}
		for _, l := range stack.Labels {
			out = append(out, probemodel.MPLSLabel{
				Label: uint32(l.Label),
				Exp:   uint8(l.TC),
				S:     l.S,
				TTL:   uint8(l.TTL),
			})
		}
	}
	return out
}

// parseQuotedIPHeader parses the IP header ICMP quotes back in an
// error message body, returning the original destination address, the
// original header's next-protocol number, and the payload following
// it.
func parseQuotedIPHeader(protocol probemodel.L4Protocol, b []byte) (dst netip.Addr, nextProto int, payload []byte, ok bool) {
	switch protocol {
	case probemodel.ICMP:
		h, err := icmp.ParseIPv4Header(b)
		if err != nil {
			return netip.Addr{}, 0, nil, false
		}
		hlen := ipv4.HeaderLen + len(h.Options)
		if len(b) < hlen {
			return netip.Addr{}, 0, nil, false
		}
		d, ok := netip.AddrFromSlice(h.Dst)
		if !ok {
			return netip.Addr{}, 0, nil, false
		}
		return d.Unmap(), h.Protocol, b[hlen:], true
	case probemodel.ICMPv6:
		h, err := ipv6.ParseHeader(b)
		if err != nil {
			return netip.Addr{}, 0, nil, false
		}
		if len(b) < ipv6.HeaderLen {
			return netip.Addr{}, 0, nil, false
		}
		d, ok := netip.AddrFromSlice(h.Dst)
		if !ok {
			return netip.Addr{}, 0, nil, false
		}
		return d.Unmap(), h.NextHeader, b[ipv6.HeaderLen:], true
	default:
		return netip.Addr{}, 0, nil, false
	}
}

func protoTypeCode(t icmp.Type) int {
	switch v := t.(type) {
	case ipv4.ICMPType:
		return int(v)
	case ipv6.ICMPType:
		return int(v)
	default:
		return 0
	}
}
