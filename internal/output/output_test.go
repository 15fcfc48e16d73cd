package output_test

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/dmscope/diamondminer/internal/output"
	"github.com/dmscope/diamondminer/internal/probemodel"
)

func sampleReplies() []probemodel.Reply {
	dst := netip.MustParseAddr("198.51.100.1")
	hop1 := netip.MustParseAddr("192.0.2.1")
	hop2 := netip.MustParseAddr("192.0.2.2")
	return []probemodel.Reply{
		{
			ProbeTTL: 1, ProbeDstAddr: dst, ProbeSrcPort: 24000, ProbeDstPort: 33434,
			ProbeProtocol: probemodel.UDP, ReplySrcAddr: hop1, Kind: probemodel.ReplyTimeExceeded,
			RTT: 5 * time.Millisecond,
		},
		{
			ProbeTTL: 2, ProbeDstAddr: dst, ProbeSrcPort: 24000, ProbeDstPort: 33434,
			ProbeProtocol: probemodel.UDP, ReplySrcAddr: hop2, Kind: probemodel.ReplyTimeExceeded,
			RTT: 9 * time.Millisecond,
		},
	}
}

func TestNewWriterDispatchesKnownFormats(t *testing.T) {
	for _, format := range []string{"traceroute", "", "flat", "internal", "quiet", "iris", "atlas"} {
		var buf bytes.Buffer
		w, err := output.NewWriter(format, &buf)
		if err != nil {
			t.Fatalf("NewWriter(%q): %v", format, err)
		}
		tr := output.Build(netip.Addr{}, netip.MustParseAddr("198.51.100.1"), probemodel.UDP, time.Time{}, time.Time{}, sampleReplies())
		if err := w.WriteTraceroute(tr); err != nil {
			t.Fatalf("WriteTraceroute(%q): %v", format, err)
		}
	}
}

func TestNewWriterRejectsScamper(t *testing.T) {
	_, err := output.NewWriter("scamper", &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for scamper format")
	}
}

func TestNewWriterRejectsUnknownFormat(t *testing.T) {
	_, err := output.NewWriter("bogus", &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestFlatWriterEmitsOneLinePerLink(t *testing.T) {
	var buf bytes.Buffer
	w := &output.FlatWriter{W: &buf}
	tr := output.Build(netip.Addr{}, netip.MustParseAddr("198.51.100.1"), probemodel.UDP, time.Time{}, time.Time{}, sampleReplies())
	if err := w.WriteTraceroute(tr); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatal("expected at least one output line")
	}
	for _, line := range lines {
		if strings.Count(line, "\t") != 6 {
			t.Errorf("line %q: want 6 tabs, got %d", line, strings.Count(line, "\t"))
		}
	}
}

func TestQuietWriterWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	w, err := output.NewWriter("quiet", &buf)
	if err != nil {
		t.Fatal(err)
	}
	tr := output.Build(netip.Addr{}, netip.MustParseAddr("198.51.100.1"), probemodel.UDP, time.Time{}, time.Time{}, sampleReplies())
	if err := w.WriteTraceroute(tr); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("quiet writer wrote %d bytes, want 0", buf.Len())
	}
}

func TestBuildGroupsByFlowAndTTL(t *testing.T) {
	tr := output.Build(netip.Addr{}, netip.MustParseAddr("198.51.100.1"), probemodel.UDP, time.Time{}, time.Time{}, sampleReplies())
	if len(tr.Flows) != 1 {
		t.Fatalf("got %d flows, want 1", len(tr.Flows))
	}
	if len(tr.Flows[0].Hops) != 2 {
		t.Fatalf("got %d hops, want 2", len(tr.Flows[0].Hops))
	}
	if tr.Flows[0].Hops[0].TTL != 1 || tr.Flows[0].Hops[1].TTL != 2 {
		t.Errorf("hops not ordered by ascending TTL: %+v", tr.Flows[0].Hops)
	}
}
