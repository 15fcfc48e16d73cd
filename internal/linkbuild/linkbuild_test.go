package linkbuild_test

import (
	"net/netip"
	"testing"

	"github.com/dmscope/diamondminer/internal/linkbuild"
	"github.com/dmscope/diamondminer/internal/probemodel"
)

// ip returns the fixture addresses used by original_source/src/links/tests.rs,
// 192.168.0.2 through 192.168.0.11 indexed 0..9.
func ip(i int) netip.Addr {
	addrs := [10]string{
		"192.168.0.2", "192.168.0.3", "192.168.0.4", "192.168.0.5", "192.168.0.6",
		"192.168.0.7", "192.168.0.8", "192.168.0.9", "192.168.0.10", "192.168.0.11",
	}
	return netip.MustParseAddr(addrs[i])
}

// reply mirrors the Rust test helper reply(ttl, reply_src_addr, probe_dst_addr):
// a TimeExceeded/ICMP reply whose flow is determined solely by probe_dst_addr
// (protocol and ports are left at their zero values in both fixtures).
func reply(ttl uint8, replySrc, probeDst netip.Addr) probemodel.Reply {
	return probemodel.Reply{
		ProbeTTL:     ttl,
		ProbeDstAddr: probeDst,
		ReplySrcAddr: replySrc,
		Kind:         probemodel.ReplyTimeExceeded,
	}
}

func repliesEqual(t *testing.T, got, want []probemodel.Reply) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len(got)=%d, len(want)=%d", len(got), len(want))
	}
	for _, w := range want {
		found := false
		for _, g := range got {
			if g.ProbeTTL == w.ProbeTTL && g.ReplySrcAddr == w.ReplySrcAddr && g.ProbeDstAddr == w.ProbeDstAddr {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("want reply ttl=%d src=%s not found in got", w.ProbeTTL, w.ReplySrcAddr)
		}
	}
}

func TestRepliesByTTL(t *testing.T) {
	replies := []probemodel.Reply{
		reply(1, ip(0), ip(9)),
		reply(2, ip(1), ip(9)),
		reply(1, ip(2), ip(9)),
		reply(3, ip(3), ip(9)),
		reply(2, ip(4), ip(9)),
	}

	got := linkbuild.RepliesByTTL(replies)
	if len(got) != 3 {
		t.Fatalf("len(got)=%d, want 3", len(got))
	}
	repliesEqual(t, got[1], []probemodel.Reply{replies[0], replies[2]})
	repliesEqual(t, got[2], []probemodel.Reply{replies[1], replies[4]})
	repliesEqual(t, got[3], []probemodel.Reply{replies[3]})
}

func TestRepliesByFlow(t *testing.T) {
	replies := []probemodel.Reply{
		reply(1, ip(0), ip(9)),
		reply(2, ip(1), ip(8)),
		reply(1, ip(2), ip(9)),
		reply(3, ip(3), ip(8)),
		reply(2, ip(4), ip(9)),
	}

	got := linkbuild.RepliesByFlow(replies)
	if len(got) != 2 {
		t.Fatalf("len(got)=%d, want 2", len(got))
	}

	flow1 := probemodel.FlowOf(replies[0])
	flow2 := probemodel.FlowOf(replies[1])

	repliesEqual(t, got[flow1], []probemodel.Reply{replies[0], replies[2], replies[4]})
	repliesEqual(t, got[flow2], []probemodel.Reply{replies[1], replies[3]})
}

// wantLink describes one expected (near, far) pair at a TTL, using nil for
// an absent side, mirroring ReplyPair's Option<&Reply> fields in
// original_source/src/links/tests.rs's test_get_pairs_by_flow.
type wantLink struct {
	ttl        uint8
	near, far  *netip.Addr
}

func addrPtr(a netip.Addr) *netip.Addr { return &a }

func TestBuildLinksPairsByFlow(t *testing.T) {
	// Mirrors test_get_pairs_by_flow: the near/far TTL window iterated
	// for every flow is [min_ttl, max_ttl] across ALL replies (1..3
	// here), not just the flow's own observed TTLs - so flow 2, silent
	// at TTL 1, still contributes a (None, src1) pair there.
	// flow_1 = dst ip(9): replies 0 (ttl1,src0), 2 (ttl1,src2), 4 (ttl2,src4)
	// flow_2 = dst ip(8): replies 1 (ttl2,src1), 3 (ttl3,src3)
	replies := []probemodel.Reply{
		reply(1, ip(0), ip(9)),
		reply(2, ip(1), ip(8)),
		reply(1, ip(2), ip(9)),
		reply(3, ip(3), ip(8)),
		reply(2, ip(4), ip(9)),
	}

	links := linkbuild.BuildLinks(replies)

	want := []wantLink{
		// flow 1 (dst ip(9))
		{1, addrPtr(ip(0)), addrPtr(ip(4))},
		{1, addrPtr(ip(2)), addrPtr(ip(4))},
		{2, addrPtr(ip(4)), nil},
		// flow 2 (dst ip(8))
		{1, nil, addrPtr(ip(1))},
		{2, addrPtr(ip(1)), addrPtr(ip(3))},
		{3, addrPtr(ip(3)), nil},
	}

	var all []probemodel.Link
	for _, ls := range links {
		all = append(all, ls...)
	}

	if len(all) != len(want) {
		t.Fatalf("total links = %d, want %d", len(all), len(want))
	}

	for _, w := range want {
		found := false
		for _, l := range all {
			if l.TTL != w.ttl {
				continue
			}
			if addrEqual(l.NearIP, w.near) && addrEqual(l.FarIP, w.far) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected link not found: ttl=%d near=%v far=%v", w.ttl, w.near, w.far)
		}
	}
}

func addrEqual(a, b *netip.Addr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
