package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmscope/diamondminer/internal/miner"
	"github.com/dmscope/diamondminer/internal/output"
	"github.com/dmscope/diamondminer/internal/prefixfilter"
	"github.com/dmscope/diamondminer/internal/probemodel"
	"github.com/dmscope/diamondminer/internal/prober"
)

var traceUsageTmpl = `Usage:
	dminer {{.Name}} [flags]

`

var (
	cmdTrace = &Command{
		Func:      traceMain,
		Usage:     cmdUsage,
		UsageTmpl: traceUsageTmpl,
		CanonName: "trace",
		Aliases:   []string{"run"},
		Descr:     "Run a diamond-miner multipath traceroute",
	}

	traceDstAddr            string
	traceMinTTL             uint
	traceMaxTTL             uint
	traceSrcPort            uint
	traceDstPort            uint
	traceConfidence         float64
	traceMaxRound           uint
	traceEstimateSuccessors bool
	traceProtocol           string
	traceReceiverWaitTime   time.Duration
	traceProbingRate        int
	traceInterface          string
	traceID                 uint
	traceOutputFormat       string
	traceAllowedPrefixFile  string
	traceBlockedPrefixFile  string
	traceLogLevel           string
)

func init() {
	cmdTrace.Flag.StringVar(&traceDstAddr, "dst-addr", "", "Destination IP address to trace (required)")
	cmdTrace.Flag.UintVar(&traceMinTTL, "min-ttl", 1, "Minimum TTL/hop-limit to probe")
	cmdTrace.Flag.UintVar(&traceMaxTTL, "max-ttl", 32, "Maximum TTL/hop-limit to probe")
	cmdTrace.Flag.UintVar(&traceSrcPort, "src-port", 24000, "Base source port")
	cmdTrace.Flag.UintVar(&traceDstPort, "dst-port", 33434, "Destination port (UDP) or unused (ICMP)")
	cmdTrace.Flag.Float64Var(&traceConfidence, "confidence", 99.0, "Target confidence percentage in (0, 100)")
	cmdTrace.Flag.UintVar(&traceMaxRound, "max-round", 100, "Maximum number of probing rounds")
	cmdTrace.Flag.BoolVar(&traceEstimateSuccessors, "estimate-successors", false, "Use the conservative total-interfaces estimator")
	cmdTrace.Flag.StringVar(&traceProtocol, "protocol", "icmp", "Probe protocol: icmp or udp")
	cmdTrace.Flag.DurationVar(&traceReceiverWaitTime, "receiver-wait-time", time.Second, "Time to wait for replies after transmitting a round")
	cmdTrace.Flag.IntVar(&traceProbingRate, "probing-rate", 100, "Maximum probes per second (0 = unlimited)")
	cmdTrace.Flag.StringVar(&traceInterface, "interface", "", "Outbound interface name (its first address of the destination's family becomes the probe source address)")
	cmdTrace.Flag.UintVar(&traceID, "id", 0, "Measurement identifier, recorded in logs only")
	cmdTrace.Flag.StringVar(&traceOutputFormat, "output-format", "traceroute", "Output format: atlas, iris, flat, internal, traceroute, scamper, quiet")
	cmdTrace.Flag.StringVar(&traceAllowedPrefixFile, "allowed-prefixes-file", "", "Newline-delimited CIDR allow-list file")
	cmdTrace.Flag.StringVar(&traceBlockedPrefixFile, "blocked-prefixes-file", "", "Newline-delimited CIDR block-list file")
	cmdTrace.Flag.StringVar(&traceLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func traceMain(cmd *Command, args []string) {
	level, err := parseLogLevel(traceLogLevel)
	if err != nil {
		cmd.fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if traceDstAddr == "" {
		cmd.fatal(fmt.Errorf("--dst-addr is required"))
	}
	dst, err := netip.ParseAddr(traceDstAddr)
	if err != nil {
		cmd.fatal(fmt.Errorf("--dst-addr: %w", err))
	}

	var protocol probemodel.L4Protocol
	switch traceProtocol {
	case "icmp":
		protocol = probemodel.ICMP
	case "udp":
		protocol = probemodel.UDP
	default:
		cmd.fatal(fmt.Errorf("--protocol: unknown protocol %q", traceProtocol))
	}

	srcAddr, err := resolveSrcAddr(traceInterface, dst)
	if err != nil {
		cmd.fatal(err)
	}

	if traceID != 0 {
		logger.Info("starting measurement", "id", traceID, "dst", dst, "protocol", traceProtocol)
	}

	filter, err := loadPrefixFilter(traceAllowedPrefixFile, traceBlockedPrefixFile)
	if err != nil {
		cmd.fatal(err)
	}

	controller, err := miner.NewController(miner.Config{
		DstAddr:            dst,
		MinTTL:             uint8(traceMinTTL),
		MaxTTL:             uint8(traceMaxTTL),
		SrcPort:            uint16(traceSrcPort),
		DstPort:            uint16(traceDstPort),
		Protocol:           protocol,
		Confidence:         traceConfidence,
		MaxRound:           uint32(traceMaxRound),
		EstimateSuccessors: traceEstimateSuccessors,
	})
	if err != nil {
		cmd.fatal(err)
	}

	prb, err := prober.New(prober.Config{
		SrcAddr:          srcAddr,
		ReceiverWaitTime: traceReceiverWaitTime,
		ProbingRate:      float64(traceProbingRate),
		ProbeBurst:       traceProbingRate,
		Logger:           logger,
	})
	if err != nil {
		cmd.fatal(fmt.Errorf("opening probe sockets: %w", err))
	}
	defer func() {
		if err := prb.Close(); err != nil {
			logger.Warn("closing probe sockets", "error", err)
		}
	}()

	w, err := output.NewWriter(traceOutputFormat, os.Stdout)
	if err != nil {
		cmd.fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("received interrupt, abandoning the current round")
		cancel()
	}()

	startTime := time.Now()
	var allReplies []probemodel.Reply
	var lastReplies []probemodel.Reply

	for {
		probes, err := controller.NextRound(lastReplies)
		if err != nil {
			cmd.fatal(fmt.Errorf("computing next round: %w", err))
		}
		if len(probes) == 0 {
			break
		}

		sendable := probes[:0]
		for _, p := range probes {
			if filter.Allowed(p.DstAddr) {
				sendable = append(sendable, p)
			}
		}

		logger.Debug("round", "number", controller.CurrentRound(), "probes", len(sendable))
		replies, err := prb.Send(ctx, sendable)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			cmd.fatal(fmt.Errorf("sending round %d: %w", controller.CurrentRound(), err))
		}

		allReplies = append(allReplies, replies...)
		lastReplies = replies
	}

	tr := output.Build(srcAddr, dst, protocol, startTime, time.Now(), allReplies)
	if err := w.WriteTraceroute(tr); err != nil {
		cmd.fatal(fmt.Errorf("writing output: %w", err))
	}
}

func loadPrefixFilter(allowFile, blockFile string) (*prefixfilter.Filter, error) {
	f := prefixfilter.New()
	if allowFile != "" {
		r, err := os.Open(allowFile)
		if err != nil {
			return nil, fmt.Errorf("--allowed-prefixes-file: %w", err)
		}
		defer r.Close()
		if err := f.LoadAllow(r); err != nil {
			return nil, fmt.Errorf("--allowed-prefixes-file: %w", err)
		}
	}
	if blockFile != "" {
		r, err := os.Open(blockFile)
		if err != nil {
			return nil, fmt.Errorf("--blocked-prefixes-file: %w", err)
		}
		defer r.Close()
		if err := f.LoadBlock(r); err != nil {
			return nil, fmt.Errorf("--blocked-prefixes-file: %w", err)
		}
	}
	return f, nil
}
