// Package prefixfilter implements the optional allow/block CIDR lists
// consumed by the prober: newline-delimited prefix files that gate
// which destinations a probing run is allowed to touch.
//
// Grounded on github.com/gaissmai/bart.Table, the longest-prefix-match
// routing table carried by the example pack, rather than a linear CIDR
// scan; membership here is a pure LPM lookup, not a route, so the
// payload type is struct{}.
package prefixfilter

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/gaissmai/bart"
)

// Filter decides whether a destination address may be probed: allowed
// if the allow table is empty or the address matches it, and not
// rejected by the block table.
//
// The zero value rejects nothing and allows everything (empty tables on
// both sides); use New or the Allow/Block builder methods to populate
// it.
type Filter struct {
	allow *bart.Table[struct{}]
	block *bart.Table[struct{}]
}

// New returns an empty Filter ready for AddAllow/AddBlock calls.
func New() *Filter {
	return &Filter{allow: new(bart.Table[struct{}]), block: new(bart.Table[struct{}])}
}

// AddAllow inserts pfx into the allow table. Once non-empty, only
// addresses matching some allowed prefix pass Allowed.
func (f *Filter) AddAllow(pfx netip.Prefix) {
	f.allow.Insert(pfx, struct{}{})
}

// AddBlock inserts pfx into the block table. An address matching a
// blocked prefix is always rejected, even if it also matches an allow
// entry.
func (f *Filter) AddBlock(pfx netip.Prefix) {
	f.block.Insert(pfx, struct{}{})
}

// Allowed reports whether addr may be probed: true unless either the
// allow table is non-empty and addr matches nothing in it, or addr
// matches something in the block table.
func (f *Filter) Allowed(addr netip.Addr) bool {
	if f.allow.Size() > 0 && !f.allow.Contains(addr) {
		return false
	}
	if f.block.Contains(addr) {
		return false
	}
	return true
}

// ParseError reports a malformed line in a prefix list file.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("prefixfilter: line %d (%q): %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LoadAllow reads newline-delimited CIDRs from r and adds each to the
// allow table.
func (f *Filter) LoadAllow(r io.Reader) error {
	return f.load(r, f.AddAllow)
}

// LoadBlock reads newline-delimited CIDRs from r and adds each to the
// block table.
func (f *Filter) LoadBlock(r io.Reader) error {
	return f.load(r, f.AddBlock)
}

func (f *Filter) load(r io.Reader, add func(netip.Prefix)) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pfx, err := parsePrefixOrAddr(line)
		if err != nil {
			return &ParseError{Line: lineNo, Text: line, Err: err}
		}
		add(pfx)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("prefixfilter: reading prefix list: %w", err)
	}
	return nil
}

// parsePrefixOrAddr accepts either CIDR notation or a bare address,
// which is treated as a host prefix (/32 or /128).
func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	if pfx, err := netip.ParsePrefix(s); err == nil {
		return pfx, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a prefix or address: %w", err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
