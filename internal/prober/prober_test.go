package prober_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/dmscope/diamondminer/internal/probemodel"
	"github.com/dmscope/diamondminer/internal/prober"
)

// New requires opening a raw ICMP socket for both address families plus
// a UDP socket; like tester_test.go's GlobalUnicast cases, it tolerates
// lacking that privilege instead of failing the suite.
func newOrSkip(t *testing.T) *prober.Prober {
	t.Helper()
	p, err := prober.New(prober.Config{
		SrcAddr:          netip.IPv4Unspecified(),
		ReceiverWaitTime: 50 * time.Millisecond,
	})
	if err != nil {
		t.Log(err)
		t.Skip("raw sockets unavailable")
	}
	return p
}

func TestSendUDPLoopbackWithoutAResponderReturnsAtMostOneReply(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}

	p := newOrSkip(t)
	defer p.Close()

	probes := []probemodel.Probe{
		{
			DstAddr:  netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			SrcPort:  33434,
			DstPort:  33435,
			Protocol: probemodel.UDP,
			TTL:      1,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	replies, err := p.Send(ctx, probes)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Nothing listens on the probed port, so the kernel itself may answer
	// with an ICMP port-unreachable; either zero or one reply is valid,
	// but Send must not error or hang past ReceiverWaitTime.
	if len(replies) > 1 {
		t.Errorf("got %d replies, want at most 1", len(replies))
	}
}

func TestSendRespectsContextCancellation(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}

	p := newOrSkip(t)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	probes := []probemodel.Probe{
		{
			DstAddr:  netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			SrcPort:  33434,
			DstPort:  33435,
			Protocol: probemodel.UDP,
			TTL:      1,
		},
	}

	if _, err := p.Send(ctx, probes); err == nil {
		t.Fatal("expected error for already-canceled context")
	}
}

func TestSendRejectsUnknownProtocol(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}

	p := newOrSkip(t)
	defer p.Close()

	probes := []probemodel.Probe{
		{
			DstAddr:  netip.AddrFrom4([4]byte{127, 0, 0, 1}),
			Protocol: probemodel.L4Protocol(99),
			TTL:      1,
		},
	}

	if _, err := p.Send(context.Background(), probes); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}
