package flowmap_test

import (
	"net/netip"
	"testing"

	"github.com/dmscope/diamondminer/internal/flowmap"
)

func TestOffsetRoundTrip(t *testing.T) {
	for _, tt := range []struct {
		name       string
		prefixSize uint64
	}{
		{"small", 4},
		{"v4-default", flowmap.DefaultPrefixSizeV4},
		{"one", 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			m, err := flowmap.New(tt.prefixSize, 1)
			if err != nil {
				t.Fatal(err)
			}
			for flowID := uint64(0); flowID < tt.prefixSize*4; flowID++ {
				addrOff, portOff := m.Offset(flowID)
				got := m.FlowID(addrOff, portOff)
				if got != flowID {
					t.Fatalf("flowID=%d -> offset(%d,%d) -> flowID=%d, want round trip", flowID, addrOff, portOff, got)
				}
			}
		})
	}
}

func TestOffsetBoundary(t *testing.T) {
	m, err := flowmap.New(256, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, tt := range []struct {
		flowID      uint64
		addrOffset  uint64
		portOffset  uint64
	}{
		{0, 0, 0},
		{1, 1, 0},
		{255, 255, 0},
		{256, 255, 1},
		{257, 255, 2},
		{1000, 255, 745},
	} {
		gotAddr, gotPort := m.Offset(tt.flowID)
		if gotAddr != tt.addrOffset || gotPort != tt.portOffset {
			t.Errorf("Offset(%d) = (%d,%d), want (%d,%d)", tt.flowID, gotAddr, gotPort, tt.addrOffset, tt.portOffset)
		}
	}
}

func TestNewRejectsNonPositivePrefixSize(t *testing.T) {
	if _, err := flowmap.New(0, 1); err == nil {
		t.Fatal("expected error for zero prefix size")
	}
}

func TestNewV4Defaults(t *testing.T) {
	m := flowmap.NewV4()
	if m.PrefixSize() != 256 {
		t.Errorf("PrefixSize() = %d, want 256", m.PrefixSize())
	}
	if m.AddrStride() != 2 {
		t.Errorf("AddrStride() = %d, want 2", m.AddrStride())
	}
}

func TestApplyAddrV4Stride(t *testing.T) {
	m := flowmap.NewV4()
	base := netip.MustParseAddr("192.170.0.2")

	for _, tt := range []struct {
		offset uint64
		want   string
	}{
		{0, "192.170.0.2"},
		{1, "192.170.0.4"},
		{2, "192.170.0.6"},
		{10, "192.170.0.22"},
	} {
		got := m.ApplyAddr(base, tt.offset)
		want := netip.MustParseAddr(tt.want)
		if got != want {
			t.Errorf("ApplyAddr(%s, %d) = %s, want %s", base, tt.offset, got, want)
		}
	}
}

func TestApplyAddrV6Stride(t *testing.T) {
	m := flowmap.NewV6()
	base := netip.MustParseAddr("2001:db8::1")

	got := m.ApplyAddr(base, 3)
	want := netip.MustParseAddr("2001:db8::4")
	if got != want {
		t.Errorf("ApplyAddr(%s, 3) = %s, want %s", base, got, want)
	}
}

func TestNewV6AlwaysWithinPrefix(t *testing.T) {
	m := flowmap.NewV6()
	for _, flowID := range []uint64{0, 1, 1 << 20, 1 << 40} {
		addrOff, portOff := m.Offset(flowID)
		if addrOff != flowID || portOff != 0 {
			t.Errorf("Offset(%d) = (%d,%d), want (%d,0)", flowID, addrOff, portOff, flowID)
		}
	}
}
