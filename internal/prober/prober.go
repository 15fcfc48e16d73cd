// Package prober sends a round's probe batch and returns every reply
// the receiver cache captured within the configured wait window.
//
// Grounded on a blocking probe-send path generalized from "one packet,
// one blocking answer" into a batch sender that paces sends through
// internal/ratelimit and lets internal/receiver accumulate replies
// concurrently.
package prober

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dmscope/diamondminer/internal/probemodel"
	"github.com/dmscope/diamondminer/internal/ratelimit"
	"github.com/dmscope/diamondminer/internal/receiver"
	"github.com/dmscope/diamondminer/internal/transport"
)

// Config configures the connections a Prober opens and how it paces
// sends.
type Config struct {
	SrcAddr netip.Addr

	// ReceiverWaitTime is how long Send waits after transmitting the
	// batch before draining the receiver cache, matching the driver
	// loop's emit -> transmit -> sleep -> drain -> NextRound cadence.
	ReceiverWaitTime time.Duration

	// ProbingRate bounds transmissions to this many probes per second;
	// 0 means unlimited.
	ProbingRate float64
	ProbeBurst  int

	// Logger receives per-round diagnostics; nil disables logging --
	// logging configuration lives in cmd/, not in this library.
	Logger *slog.Logger
}

// Prober owns the probe and maintenance sockets for one run: a UDP
// socket for UDP probes (always opened, paired with the ICMP maintenance
// connections, since UDP probes elicit ICMP errors, never UDP replies),
// plus the ICMP/ICMPv6 sockets every protocol's replies arrive on.
type Prober struct {
	cfg     Config
	limiter *ratelimit.Limiter

	icmp4, icmp6, udp *transport.Conn
	cache             *receiver.Cache
}

// New opens the sockets needed to send protocol probes and receive
// their replies, and starts the receiver cache draining them.
func New(cfg Config) (*Prober, error) {
	limiter, err := ratelimit.New(cfg.ProbingRate, cfg.ProbeBurst)
	if err != nil {
		return nil, err
	}

	icmp4, err := transport.Listen(probemodel.ICMP, v4Or(cfg.SrcAddr))
	if err != nil {
		return nil, fmt.Errorf("prober: opening icmp4 socket: %w", err)
	}
	icmp6, err := transport.Listen(probemodel.ICMPv6, v6Or(cfg.SrcAddr))
	if err != nil {
		icmp4.Close()
		return nil, fmt.Errorf("prober: opening icmp6 socket: %w", err)
	}
	udp, err := transport.Listen(probemodel.UDP, cfg.SrcAddr)
	if err != nil {
		icmp4.Close()
		icmp6.Close()
		return nil, fmt.Errorf("prober: opening udp socket: %w", err)
	}

	cache := receiver.New(icmp4, icmp6)
	cache.SetLogger(cfg.Logger)

	return &Prober{
		cfg:     cfg,
		limiter: limiter,
		icmp4:   icmp4,
		icmp6:   icmp6,
		udp:     udp,
		cache:   cache,
	}, nil
}

// v4Or returns addr if it's an IPv4 address, else the unspecified IPv4
// address (so the ICMPv4 socket always opens regardless of the
// configured source family).
func v4Or(addr netip.Addr) netip.Addr {
	if addr.Is4() {
		return addr
	}
	return netip.IPv4Unspecified()
}

func v6Or(addr netip.Addr) netip.Addr {
	if addr.Is6() && !addr.Is4In6() {
		return addr
	}
	return netip.IPv6Unspecified()
}

// Close releases every socket this Prober opened.
func (p *Prober) Close() error {
	err := p.cache.Stop()
	if uerr := p.udp.Close(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// Send transmits every probe, waits cfg.ReceiverWaitTime (or until ctx
// is done), and returns everything the receiver cache accumulated
// since the previous Send.
func (p *Prober) Send(ctx context.Context, probes []probemodel.Probe) ([]probemodel.Reply, error) {
	for _, probe := range probes {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if err := p.sendOne(probe); err != nil {
			return nil, fmt.Errorf("prober: sending probe %+v: %w", probe, err)
		}
	}
	if p.cfg.Logger != nil {
		p.cfg.Logger.Debug("sent probe batch", "count", len(probes), "wait", p.cfg.ReceiverWaitTime)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.cfg.ReceiverWaitTime):
	}

	replies := p.cache.Drain()
	if p.cfg.Logger != nil {
		p.cfg.Logger.Debug("drained replies", "count", len(replies))
	}
	return replies, nil
}

func (p *Prober) sendOne(probe probemodel.Probe) error {
	payload := probemodel.ProbeTag(probe.TTL)

	switch probe.Protocol {
	case probemodel.ICMP:
		_, err := p.icmp4.WriteICMP(payload, probe.DstAddr, probe.TTL, int(probe.SrcPort), int(probe.DstPort))
		return err
	case probemodel.ICMPv6:
		_, err := p.icmp6.WriteICMP(payload, probe.DstAddr, probe.TTL, int(probe.SrcPort), int(probe.DstPort))
		return err
	case probemodel.UDP:
		_, err := p.udp.WriteUDP(payload, probe.DstAddr, probe.TTL, probe.SrcPort, probe.DstPort)
		return err
	default:
		return fmt.Errorf("unknown protocol %v", probe.Protocol)
	}
}
