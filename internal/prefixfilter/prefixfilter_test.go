package prefixfilter_test

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/dmscope/diamondminer/internal/prefixfilter"
)

func TestEmptyFilterAllowsEverything(t *testing.T) {
	f := prefixfilter.New()
	for _, s := range []string{"192.0.2.1", "2001:db8::1", "10.0.0.1"} {
		if !f.Allowed(netip.MustParseAddr(s)) {
			t.Errorf("Allowed(%s) = false, want true for empty filter", s)
		}
	}
}

func TestAllowListRestricts(t *testing.T) {
	f := prefixfilter.New()
	f.AddAllow(netip.MustParsePrefix("192.0.2.0/24"))

	if !f.Allowed(netip.MustParseAddr("192.0.2.5")) {
		t.Error("192.0.2.5 should be allowed: inside the allow prefix")
	}
	if f.Allowed(netip.MustParseAddr("198.51.100.5")) {
		t.Error("198.51.100.5 should be rejected: outside the only allow prefix")
	}
}

func TestBlockListOverridesAllow(t *testing.T) {
	f := prefixfilter.New()
	f.AddAllow(netip.MustParsePrefix("192.0.2.0/24"))
	f.AddBlock(netip.MustParsePrefix("192.0.2.128/25"))

	if !f.Allowed(netip.MustParseAddr("192.0.2.5")) {
		t.Error("192.0.2.5 should be allowed: in allow, not in block")
	}
	if f.Allowed(netip.MustParseAddr("192.0.2.200")) {
		t.Error("192.0.2.200 should be rejected: inside the block prefix")
	}
}

func TestLoadAllowParsesCIDRsAndBareAddrs(t *testing.T) {
	f := prefixfilter.New()
	input := "# comment\n\n192.0.2.0/24\n203.0.113.7\n"
	if err := f.LoadAllow(strings.NewReader(input)); err != nil {
		t.Fatal(err)
	}

	if !f.Allowed(netip.MustParseAddr("192.0.2.9")) {
		t.Error("192.0.2.9 should be allowed via the loaded CIDR")
	}
	if !f.Allowed(netip.MustParseAddr("203.0.113.7")) {
		t.Error("203.0.113.7 should be allowed via the loaded bare address")
	}
	if f.Allowed(netip.MustParseAddr("203.0.113.8")) {
		t.Error("203.0.113.8 should be rejected: not covered by any allow entry")
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	f := prefixfilter.New()
	err := f.LoadAllow(strings.NewReader("192.0.2.0/24\nnot-a-prefix\n"))
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
	var perr *prefixfilter.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if perr.Line != 2 {
		t.Errorf("ParseError.Line = %d, want 2", perr.Line)
	}
}
