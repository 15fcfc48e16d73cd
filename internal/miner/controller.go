// Package miner implements the adaptive probing controller: the
// round-based state machine that decides which hops still need more
// flows, how many, and emits the next probe batch.
//
// Grounded on original_source/src/algorithms/diamond_miner/mod.rs (the
// per-round next_round / unresolved-hop loop) and original_source's
// stopping-point/link-builder collaborators already ported into
// internal/stopping and internal/linkbuild. The controller itself is
// single-threaded and synchronous: a blocking call that returns a
// fully formed result rather than streaming one.
package miner

import (
	"fmt"
	"math"
	"net/netip"
	"sort"

	"github.com/dmscope/diamondminer/internal/flowmap"
	"github.com/dmscope/diamondminer/internal/linkbuild"
	"github.com/dmscope/diamondminer/internal/probemodel"
	"github.com/dmscope/diamondminer/internal/stopping"
)

// minNodeWeight avoids division blow-up on flukes when a hop's observed
// weight is vanishingly small.
const minNodeWeight = 0.001

// ConfigError reports an invalid Config, a fatal condition detected at
// construction time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("miner: invalid config field %s: %s", e.Field, e.Reason)
}

// Config is the controller's immutable configuration.
type Config struct {
	DstAddr netip.Addr
	MinTTL  uint8
	MaxTTL  uint8

	SrcPort  uint16
	DstPort  uint16
	Protocol probemodel.L4Protocol

	// Confidence is the target confidence percentage (e.g. 99.0); it is
	// converted to FailureProb = 1 - Confidence/100 at construction.
	Confidence float64

	MaxRound uint32

	// EstimateSuccessors selects the conservative total-interfaces
	// estimator mode of unresolvedNodesAtTTL.
	EstimateSuccessors bool

	// V4PrefixSize / V4AddrStride / V6AddrStride parameterize the flow
	// mappers; zero means "use the package default" (flowmap.NewV4 /
	// flowmap.NewV6).
	V4PrefixSize uint64
	V4AddrStride uint64
	V6AddrStride uint64

	// DestPrefixLenV4 / DestPrefixLenV6 bound the "destination prefix"
	// test: a node inside this prefix around DstAddr is never pushed to
	// the unresolved set. Zero means the package defaults (/24, /64).
	DestPrefixLenV4 int
	DestPrefixLenV6 int
}

func (c Config) validate() error {
	if !c.DstAddr.IsValid() {
		return &ConfigError{Field: "DstAddr", Reason: "must be a valid address"}
	}
	if c.MinTTL == 0 {
		return &ConfigError{Field: "MinTTL", Reason: "must be at least 1"}
	}
	if c.MinTTL > c.MaxTTL {
		return &ConfigError{Field: "MaxTTL", Reason: "must be >= MinTTL"}
	}
	if c.Confidence <= 0 || c.Confidence >= 100 {
		return &ConfigError{Field: "Confidence", Reason: "must be in (0, 100)"}
	}
	if c.MaxRound == 0 {
		return &ConfigError{Field: "MaxRound", Reason: "must be at least 1"}
	}
	return nil
}

// failureProb is p = 1 - confidence/100.
func (c Config) failureProb() float64 {
	return 1 - c.Confidence/100
}

// Controller holds the per-round reply history and emits the next
// probe batch. The zero value is invalid; use NewController.
type Controller struct {
	cfg Config
	p   float64

	v4Mapper *flowmap.Mapper
	v6Mapper *flowmap.Mapper

	destPrefixV4 netip.Prefix
	destPrefixV6 netip.Prefix

	currentRound uint32
	probesSent   map[uint8]uint64

	allReplies     []probemodel.Reply
	repliesByRound map[uint32][]probemodel.Reply
}

// NewController validates cfg and builds a Controller ready for round 1.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Protocol = probemodel.Normalize(cfg.Protocol, cfg.DstAddr)

	v4PrefixSize := cfg.V4PrefixSize
	if v4PrefixSize == 0 {
		v4PrefixSize = flowmap.DefaultPrefixSizeV4
	}
	v4AddrStride := cfg.V4AddrStride
	if v4AddrStride == 0 {
		v4AddrStride = flowmap.DefaultAddrStrideV4
	}
	v6AddrStride := cfg.V6AddrStride
	if v6AddrStride == 0 {
		v6AddrStride = flowmap.DefaultAddrStrideV6
	}

	v4Mapper, err := flowmap.New(v4PrefixSize, v4AddrStride)
	if err != nil {
		return nil, &ConfigError{Field: "V4PrefixSize", Reason: err.Error()}
	}
	v6Mapper := flowmap.NewV6()
	if cfg.V6AddrStride != 0 {
		v6Mapper = flowmap.NewV6WithStride(v6AddrStride)
	}

	destPrefixLenV4 := cfg.DestPrefixLenV4
	if destPrefixLenV4 == 0 {
		destPrefixLenV4 = flowmap.DefaultPrefixLenV4
	}
	destPrefixLenV6 := cfg.DestPrefixLenV6
	if destPrefixLenV6 == 0 {
		destPrefixLenV6 = flowmap.DefaultPrefixLenV6
	}

	var destPrefixV4, destPrefixV6 netip.Prefix
	if cfg.DstAddr.Is4() {
		p, err := cfg.DstAddr.Prefix(destPrefixLenV4)
		if err != nil {
			return nil, &ConfigError{Field: "DestPrefixLenV4", Reason: err.Error()}
		}
		destPrefixV4 = p
	} else {
		p, err := cfg.DstAddr.Prefix(destPrefixLenV6)
		if err != nil {
			return nil, &ConfigError{Field: "DestPrefixLenV6", Reason: err.Error()}
		}
		destPrefixV6 = p
	}

	probesSent := make(map[uint8]uint64, int(cfg.MaxTTL)-int(cfg.MinTTL)+1)
	for t := int(cfg.MinTTL); t <= int(cfg.MaxTTL); t++ {
		probesSent[uint8(t)] = 0
	}

	return &Controller{
		cfg:            cfg,
		p:              cfg.failureProb(),
		v4Mapper:       v4Mapper,
		v6Mapper:       v6Mapper,
		destPrefixV4:   destPrefixV4,
		destPrefixV6:   destPrefixV6,
		probesSent:     probesSent,
		repliesByRound: make(map[uint32][]probemodel.Reply),
	}, nil
}

// CurrentRound returns the number of the last completed round (0 before
// the first call to NextRound).
func (c *Controller) CurrentRound() uint32 { return c.currentRound }

// ProbesSentAt returns the number of probes emitted so far at ttl.
func (c *Controller) ProbesSentAt(ttl uint8) uint64 { return c.probesSent[ttl] }

// mapperFor returns the flow mapper appropriate for the controller's
// destination address family.
func (c *Controller) mapperFor() *flowmap.Mapper {
	if c.cfg.DstAddr.Is4() {
		return c.v4Mapper
	}
	return c.v6Mapper
}

// isInDestPrefix reports whether n is never pushed to the unresolved
// set because it equals DstAddr or lies in its configured /24 (v4) /
// /64 (v6).
func (c *Controller) isInDestPrefix(n netip.Addr) bool {
	if n == c.cfg.DstAddr {
		return true
	}
	if n.Is4() && c.destPrefixV4.IsValid() {
		return c.destPrefixV4.Contains(n)
	}
	if !n.Is4() && c.destPrefixV6.IsValid() {
		return c.destPrefixV6.Contains(n)
	}
	return false
}

// NextRound ingests newReplies, recomputes per-hop successor counts,
// and returns the next probe batch. An empty (nil) slice signals a
// terminal state (round cap hit, or every hop resolved); the caller
// should stop looping.
func (c *Controller) NextRound(newReplies []probemodel.Reply) ([]probemodel.Probe, error) {
	c.currentRound++
	c.repliesByRound[c.currentRound] = newReplies
	c.allReplies = append(c.allReplies, newReplies...)

	if c.currentRound >= c.cfg.MaxRound {
		return nil, nil
	}

	maxFlowsByTTL := make(map[uint8]uint64, int(c.cfg.MaxTTL)-int(c.cfg.MinTTL)+1)

	if c.currentRound == 1 {
		bootstrap := uint64(stopping.StoppingPoint(1, c.p))
		for t := int(c.cfg.MinTTL); t <= int(c.cfg.MaxTTL); t++ {
			maxFlowsByTTL[uint8(t)] = bootstrap
		}
	} else {
		for t := int(c.cfg.MinTTL); t <= int(c.cfg.MaxTTL); t++ {
			_, required := c.unresolvedNodesAtTTL(uint8(t))
			maxFlowsByTTL[uint8(t)] = required
		}
	}

	combinedMaxFlow := make(map[uint8]uint64, len(maxFlowsByTTL))
	var prevTTLMax uint64
	for t := int(c.cfg.MinTTL); t <= int(c.cfg.MaxTTL); t++ {
		v := maxFlowsByTTL[uint8(t)]
		if t > int(c.cfg.MinTTL) && prevTTLMax > v {
			v = prevTTLMax
		}
		combinedMaxFlow[uint8(t)] = v
		prevTTLMax = v
	}

	mapper := c.mapperFor()

	var probes []probemodel.Probe
	for t := int(c.cfg.MinTTL); t <= int(c.cfg.MaxTTL); t++ {
		ttl := uint8(t)
		start := c.probesSent[ttl]
		end := combinedMaxFlow[ttl]
		if end <= start {
			continue
		}

		seen := make(map[probemodel.Flow]bool, end-start)
		for flowID := start; flowID < end; flowID++ {
			addrOffset, portOffset := mapper.Offset(flowID)
			dstAddr := mapper.ApplyAddr(c.cfg.DstAddr, addrOffset)
			srcPort := c.cfg.SrcPort + uint16(portOffset)

			probe := probemodel.Probe{
				DstAddr:  dstAddr,
				SrcPort:  srcPort,
				DstPort:  c.cfg.DstPort,
				Protocol: c.cfg.Protocol,
				TTL:      ttl,
			}
			flow := probemodel.Flow{Protocol: probe.Protocol, DstAddr: probe.DstAddr, SrcPort: probe.SrcPort, DstPort: probe.DstPort}
			if seen[flow] {
				return nil, &stopping.PreconditionError{Op: "NextRound", Reason: fmt.Sprintf("duplicate (dst_addr, src_port) at ttl %d", ttl)}
			}
			seen[flow] = true

			probes = append(probes, probe)
		}
		c.probesSent[ttl] = end
	}

	// Sorted by (ttl, flow_id): within a TTL, flow id increases the
	// destination address first (while still inside the prefix) and
	// only then the source port, so (dst_addr, src_port) is the correct
	// tiebreak order for deterministic output.
	sort.Slice(probes, func(i, j int) bool {
		if probes[i].TTL != probes[j].TTL {
			return probes[i].TTL < probes[j].TTL
		}
		if probes[i].DstAddr != probes[j].DstAddr {
			return probes[i].DstAddr.Less(probes[j].DstAddr)
		}
		return probes[i].SrcPort < probes[j].SrcPort
	})

	return probes, nil
}

// unresolvedNodesAtTTL computes, for one TTL, which observed nodes
// still need more flows and the weighted threshold the next round's
// flow count is derived from.
func (c *Controller) unresolvedNodesAtTTL(ttl uint8) (unresolved map[netip.Addr]bool, maxWeightedThreshold uint64) {
	unresolved = make(map[netip.Addr]bool)

	var repliesAtTTL []probemodel.Reply
	nodeCount := make(map[netip.Addr]int)
	for _, r := range c.allReplies {
		if r.ProbeTTL == ttl {
			repliesAtTTL = append(repliesAtTTL, r)
			nodeCount[r.ReplySrcAddr]++
		}
	}
	total := len(repliesAtTTL)
	if total == 0 {
		return unresolved, 0
	}

	linksAtTTL := linkbuild.BuildLinks(c.allReplies)[ttl]

	for n := range nodeCount {
		if c.isInDestPrefix(n) {
			continue
		}

		successors := make(map[netip.Addr]bool)
		nProbes := 0
		for _, l := range linksAtTTL {
			if l.NearIP == nil || *l.NearIP != n || l.FarIP == nil {
				continue
			}
			successors[*l.FarIP] = true
			nProbes++
		}

		k := len(successors)
		nK := stopping.StoppingPoint(k, c.p)

		if nProbes >= nK {
			continue
		}
		if k > 0 {
			unresolved[n] = true
		}

		weight := float64(nodeCount[n]) / float64(total)
		if weight < minNodeWeight {
			continue
		}

		var threshold uint64
		if c.cfg.EstimateSuccessors {
			kHat := stopping.EstimateTotalInterfaces(nProbes, k, 0.95)
			estimated := stopping.StoppingPoint(kHat, c.p)
			threshold = uint64(nK)
			if uint64(estimated) > threshold {
				threshold = uint64(estimated)
			}
		} else {
			threshold = uint64(nK)
		}

		pushed := uint64(math.Ceil(float64(threshold) / weight))
		if pushed > maxWeightedThreshold {
			maxWeightedThreshold = pushed
		}
	}

	return unresolved, maxWeightedThreshold
}
