// Package transport dispatches the raw-ICMP vs. UDP-datagram socket
// setup and per-packet TTL-tagged send/receive path the prober and
// receiver packages share.
//
// Grounded on a raw-socket send/receive path generalized in two ways a
// single-hop OAM tool doesn't need: every write carries an explicit
// per-packet TTL/hop-limit (a single-hop prober can set TTL once on the
// whole connection before a burst of sends; here a round mixes probes
// at many TTLs, so the TTL travels in the per-packet control message
// instead) and addresses are net/netip.Addr rather than net.IP
// throughout.
package transport

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/dmscope/diamondminer/internal/probemodel"
)

// Conn is a probe or receive connection endpoint: either a raw IP
// socket (when the process can open one) or a UDP/ICMP datagram
// socket.
type Conn struct {
	protocol  probemodel.L4Protocol
	rawSocket bool
	localAddr netip.Addr
	srcPort   uint16

	pc net.PacketConn // underlying net.IPConn, net.UDPConn or icmp.PacketConn
	r4 *ipv4.RawConn
	p4 *ipv4.PacketConn
	p6 *ipv6.PacketConn
}

// LocalAddr returns the connection's local address.
func (c *Conn) LocalAddr() netip.Addr { return c.localAddr }

// SrcPort returns the connection's local UDP port, or 0 for a raw ICMP
// socket.
func (c *Conn) SrcPort() uint16 { return c.srcPort }

// Protocol returns the connection's L4 protocol.
func (c *Conn) Protocol() probemodel.L4Protocol { return c.protocol }

// Close closes the underlying socket.
func (c *Conn) Close() error {
	if c == nil || c.pc == nil {
		return fmt.Errorf("transport: connection not initialized")
	}
	return c.pc.Close()
}

// Listen opens a probe or maintenance socket for protocol on address
// (which may be the unspecified address for the family).
//
// Listen prefers a raw IP socket: for ICMP/ICMPv6 it falls back to a
// non-privileged datagram-oriented ICMP endpoint when the raw socket
// cannot be opened; for UDP see listenUDP (raw IPv4 for per-probe source
// ports, otherwise a bound UDP socket).
func Listen(protocol probemodel.L4Protocol, address netip.Addr) (*Conn, error) {
	switch protocol {
	case probemodel.ICMP, probemodel.ICMPv6:
		return listenICMP(protocol, address)
	case probemodel.UDP:
		return listenUDP(address)
	default:
		return nil, fmt.Errorf("transport: unknown protocol %v", protocol)
	}
}

func listenICMP(protocol probemodel.L4Protocol, address netip.Addr) (*Conn, error) {
	c := &Conn{protocol: protocol}

	var rawNetwork, dgramNetwork, laddr string
	switch protocol {
	case probemodel.ICMP:
		rawNetwork, dgramNetwork = "ip4:icmp", "udp4"
		if address.IsValid() {
			laddr = address.String()
		} else {
			laddr = net.IPv4zero.String()
		}
	case probemodel.ICMPv6:
		rawNetwork, dgramNetwork = "ip6:ipv6-icmp", "udp6"
		if address.IsValid() {
			laddr = address.String()
		} else {
			laddr = net.IPv6unspecified.String()
		}
	}

	var err error
	c.pc, err = net.ListenPacket(rawNetwork, laddr)
	if err != nil {
		c.pc, err = icmp.ListenPacket(dgramNetwork, laddr)
		if err != nil {
			return nil, err
		}
		c.rawSocket = false
	} else {
		c.rawSocket = true
	}

	if err := c.setup(); err != nil {
		c.pc.Close()
		return nil, err
	}
	return c, nil
}

// listenUDP opens a UDP probe socket. For an IPv4 destination it
// prefers a raw IPv4 socket (protocol 17): writeUDP then crafts the
// full UDP header itself, so every probe's source port can be set to
// whatever the flow mapper chose, the same way Paris-traceroute-style
// tools vary UDP source port for ECMP diversity. Falling back to a
// bound *net.UDPConn means every probe shares that socket's one
// ephemeral source port; flow diversity then rests entirely on
// destination address.
//
// IPv6 has no equivalent of ipv4.RawConn's header-construction API in
// golang.org/x/net/ipv6, so IPv6 UDP probing always uses the bound
// *net.UDPConn path.
func listenUDP(address netip.Addr) (*Conn, error) {
	if !address.IsValid() || address.Is4() {
		if c, err := listenRawUDP4(address); err == nil {
			return c, nil
		}
	}

	laddr := "0.0.0.0:0"
	if address.IsValid() {
		laddr = net.JoinHostPort(address.String(), "0")
	} else if address.Is6() {
		laddr = "[::]:0"
	}

	pc, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return nil, err
	}
	c := &Conn{protocol: probemodel.UDP, pc: pc}
	if err := c.setup(); err != nil {
		pc.Close()
		return nil, err
	}
	return c, nil
}

func listenRawUDP4(address netip.Addr) (*Conn, error) {
	laddr := net.IPv4zero.String()
	if address.IsValid() {
		laddr = address.String()
	}
	pc, err := net.ListenPacket("ip4:17", laddr)
	if err != nil {
		return nil, err
	}
	c := &Conn{protocol: probemodel.UDP, pc: pc, rawSocket: true}
	r4, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}
	c.r4 = r4
	if la, ok := pc.LocalAddr().(*net.IPAddr); ok {
		c.localAddr, _ = netip.AddrFromSlice(la.IP)
		c.localAddr = c.localAddr.Unmap()
	}
	return c, nil
}

func (c *Conn) setup() error {
	switch la := c.pc.LocalAddr().(type) {
	case *net.UDPAddr:
		c.localAddr, _ = netip.AddrFromSlice(la.IP)
		c.localAddr = c.localAddr.Unmap()
		c.srcPort = uint16(la.Port)
	case *net.IPAddr:
		c.localAddr, _ = netip.AddrFromSlice(la.IP)
		c.localAddr = c.localAddr.Unmap()
	}

	switch c.protocol {
	case probemodel.ICMP:
		if c.rawSocket {
			r4, err := ipv4.NewRawConn(c.pc)
			if err != nil {
				return err
			}
			c.r4 = r4
		} else {
			c.p4 = c.pc.(*icmp.PacketConn).IPv4PacketConn()
		}
		if c.p4 != nil {
			c.p4.SetControlMessage(ipv4.FlagTTL|ipv4.FlagSrc|ipv4.FlagDst|ipv4.FlagInterface, true)
		}
	case probemodel.ICMPv6:
		if c.rawSocket {
			c.p6 = ipv6.NewPacketConn(c.pc)
		} else {
			c.p6 = c.pc.(*icmp.PacketConn).IPv6PacketConn()
		}
		c.p6.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagSrc|ipv6.FlagDst|ipv6.FlagInterface, true)
	case probemodel.UDP:
		if c.localAddr.Is4() {
			c.p4 = ipv4.NewPacketConn(c.pc)
			c.p4.SetControlMessage(ipv4.FlagTTL|ipv4.FlagSrc|ipv4.FlagDst|ipv4.FlagInterface, true)
		} else {
			c.p6 = ipv6.NewPacketConn(c.pc)
			c.p6.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagSrc|ipv6.FlagDst|ipv6.FlagInterface, true)
		}
	}
	return nil
}

// WriteTo sends b to dst with the given TTL/hop-limit, via the UDP
// destination port dstPort (ignored for ICMP/ICMPv6) and an ICMP
// echo id/seq (ignored for UDP).
func (c *Conn) WriteTo(b []byte, dst netip.Addr, ttl uint8, dstPort uint16, icmpID, icmpSeq int) (int, error) {
	switch c.protocol {
	case probemodel.ICMP, probemodel.ICMPv6:
		return c.WriteICMP(b, dst, ttl, icmpID, icmpSeq)
	case probemodel.UDP:
		return c.WriteUDP(b, dst, ttl, c.srcPort, dstPort)
	default:
		return 0, fmt.Errorf("transport: unknown protocol %v", c.protocol)
	}
}

// WriteICMP sends an ICMP/ICMPv6 echo request carrying b as its data,
// with the given id/seq and TTL/hop-limit.
func (c *Conn) WriteICMP(b []byte, dst netip.Addr, ttl uint8, id, seq int) (int, error) {
	echo := icmp.Echo{ID: id, Seq: seq, Data: b}
	msgType := ipv4.ICMPTypeEcho
	if c.protocol == probemodel.ICMPv6 {
		msgType = ipv6.ICMPTypeEchoRequest
	}
	m := icmp.Message{Type: msgType, Code: 0, Body: &echo}
	wb, err := m.Marshal(nil)
	if err != nil {
		return 0, err
	}

	if c.protocol == probemodel.ICMP {
		if c.r4 != nil {
			h := &ipv4.Header{
				Version:  ipv4.Version,
				Len:      ipv4.HeaderLen,
				TotalLen: ipv4.HeaderLen + len(wb),
				TTL:      int(ttl),
				Protocol: 1,
				Dst:      net.IP(dst.AsSlice()),
			}
			if err := c.r4.WriteTo(h, wb, nil); err != nil {
				return 0, err
			}
			return len(wb), nil
		}
		cm := &ipv4.ControlMessage{TTL: int(ttl)}
		return c.p4.WriteTo(wb, cm, &net.IPAddr{IP: net.IP(dst.AsSlice())})
	}

	cm := &ipv6.ControlMessage{HopLimit: int(ttl)}
	return c.p6.WriteTo(wb, cm, &net.IPAddr{IP: net.IP(dst.AsSlice())})
}

// WriteUDP sends b as a UDP datagram to (dst, dstPort) at the given
// TTL/hop-limit. On a raw IPv4 socket, srcPort is encoded into a
// hand-built UDP header so it can differ from the socket's own bound
// port (needed for ECMP flow diversity); otherwise the connection's own
// bound source port is used regardless of srcPort.
func (c *Conn) WriteUDP(b []byte, dst netip.Addr, ttl uint8, srcPort, dstPort uint16) (int, error) {
	if c.rawSocket && c.r4 != nil {
		return c.writeRawUDP4(b, dst, ttl, srcPort, dstPort)
	}

	udst := &net.UDPAddr{IP: net.IP(dst.AsSlice()), Port: int(dstPort)}
	if dst.Is4() {
		cm := &ipv4.ControlMessage{TTL: int(ttl)}
		return c.p4.WriteTo(b, cm, udst)
	}
	cm := &ipv6.ControlMessage{HopLimit: int(ttl)}
	return c.p6.WriteTo(b, cm, udst)
}

// writeRawUDP4 hand-builds the 8-byte UDP header (checksum left at 0,
// which RFC 768 permits for IPv4) and writes it through the raw IPv4
// socket, the same ipv4.RawConn.WriteTo path WriteICMP uses for raw
// ICMP sends.
func (c *Conn) writeRawUDP4(b []byte, dst netip.Addr, ttl uint8, srcPort, dstPort uint16) (int, error) {
	udpLen := 8 + len(b)
	seg := make([]byte, udpLen)
	seg[0], seg[1] = byte(srcPort>>8), byte(srcPort)
	seg[2], seg[3] = byte(dstPort>>8), byte(dstPort)
	seg[4], seg[5] = byte(udpLen>>8), byte(udpLen)
	copy(seg[8:], b)

	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + udpLen,
		TTL:      int(ttl),
		Protocol: 17,
		Dst:      net.IP(dst.AsSlice()),
	}
	if err := c.r4.WriteTo(h, seg, nil); err != nil {
		return 0, err
	}
	return udpLen, nil
}

// Inbound is one received packet, parsed just enough for the receiver
// to match it to a Reply: the IP-layer metadata the control message
// carried plus the raw payload for ICMP parsing.
type Inbound struct {
	Payload   []byte
	Src       netip.Addr
	TTLOrHops int
	Interface string
}

// ReadFrom blocks for the next inbound packet.
func (c *Conn) ReadFrom(b []byte) (Inbound, error) {
	switch c.protocol {
	case probemodel.ICMP:
		if c.r4 != nil {
			h, p, cm, err := c.r4.ReadFrom(b)
			if err != nil {
				return Inbound{}, err
			}
			in := Inbound{Payload: p}
			if h != nil {
				in.Src, _ = netip.AddrFromSlice(h.Src)
				in.Src = in.Src.Unmap()
			}
			if cm != nil {
				in.TTLOrHops = cm.TTL
				in.Interface = ifaceName(cm.IfIndex)
			}
			return in, nil
		}
		n, cm, peer, err := c.p4.ReadFrom(b)
		if err != nil {
			return Inbound{}, err
		}
		in := Inbound{Payload: b[:n]}
		in.Src = udpAddrToNetip(peer)
		if cm != nil {
			in.TTLOrHops = cm.TTL
			in.Interface = ifaceName(cm.IfIndex)
		}
		return in, nil
	case probemodel.ICMPv6:
		n, cm, peer, err := c.p6.ReadFrom(b)
		if err != nil {
			return Inbound{}, err
		}
		in := Inbound{Payload: b[:n]}
		in.Src = udpAddrToNetip(peer)
		if cm != nil {
			in.TTLOrHops = cm.HopLimit
			in.Interface = ifaceName(cm.IfIndex)
		}
		return in, nil
	case probemodel.UDP:
		if c.r4 != nil {
			h, p, cm, err := c.r4.ReadFrom(b)
			if err != nil {
				return Inbound{}, err
			}
			in := Inbound{Payload: udpPayload(p)}
			if h != nil {
				in.Src, _ = netip.AddrFromSlice(h.Src)
				in.Src = in.Src.Unmap()
			}
			if cm != nil {
				in.TTLOrHops = cm.TTL
				in.Interface = ifaceName(cm.IfIndex)
			}
			return in, nil
		}
		if c.localAddr.Is4() {
			n, cm, peer, err := c.p4.ReadFrom(b)
			if err != nil {
				return Inbound{}, err
			}
			in := Inbound{Payload: b[:n], Src: udpAddrToNetip(peer)}
			if cm != nil {
				in.TTLOrHops = cm.TTL
				in.Interface = ifaceName(cm.IfIndex)
			}
			return in, nil
		}
		n, cm, peer, err := c.p6.ReadFrom(b)
		if err != nil {
			return Inbound{}, err
		}
		in := Inbound{Payload: b[:n], Src: udpAddrToNetip(peer)}
		if cm != nil {
			in.TTLOrHops = cm.HopLimit
			in.Interface = ifaceName(cm.IfIndex)
		}
		return in, nil
	default:
		return Inbound{}, fmt.Errorf("transport: unknown protocol %v", c.protocol)
	}
}

// udpPayload strips the 8-byte UDP header a raw IPv4 socket hands back
// along with the IP payload, returning just the datagram body.
func udpPayload(p []byte) []byte {
	if len(p) < 8 {
		return nil
	}
	return p[8:]
}

func ifaceName(index int) string {
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return ""
	}
	return ifi.Name
}

func udpAddrToNetip(peer net.Addr) netip.Addr {
	switch a := peer.(type) {
	case *net.UDPAddr:
		ip, _ := netip.AddrFromSlice(a.IP)
		return ip.Unmap()
	case *net.IPAddr:
		ip, _ := netip.AddrFromSlice(a.IP)
		return ip.Unmap()
	}
	return netip.Addr{}
}
