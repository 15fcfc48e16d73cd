package main

import (
	"fmt"
	"net"
	"net/netip"
)

// resolveSrcAddr implements --interface: when set, it picks the named
// interface's first unicast address matching dst's family, the same
// net.InterfaceByName + Addrs() walk used for zone resolution. An
// empty --interface leaves the source address unspecified, letting the
// kernel route pick it.
func resolveSrcAddr(ifaceName string, dst netip.Addr) (netip.Addr, error) {
	if ifaceName == "" {
		return netip.Addr{}, nil
	}

	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("--interface: %w", err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("--interface: %w", err)
	}

	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipn.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() == dst.Is4() {
			return addr, nil
		}
	}

	return netip.Addr{}, fmt.Errorf("--interface: %s has no address matching destination family", ifaceName)
}
