//  Copyright © 2025 United Security Providers AG, Switzerland
//  SPDX-License-Identifier: Apache-2.0

package naxsi

import (
	"net/netip"

	"github.com/phemmer/go-iptrie"
)

// ignoreSet holds the IgnoreIP and IgnoreCIDR entries of a scope. Single
// addresses are stored as full length prefixes in the same trie.
type ignoreSet struct {
	trie  *iptrie.Trie
	ips   []string
	cidrs []string
}

func newIgnoreSet() *ignoreSet {
	return &ignoreSet{trie: iptrie.NewTrie()}
}

func parseIgnoreIP(literal string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(literal)
	if err != nil {
		return netip.Addr{}, invalid(literal, "not an IPv4 or IPv6 address")
	}
	if addr.Zone() != "" {
		return netip.Addr{}, invalid(literal, "zoned addresses are not supported")
	}
	return addr.Unmap(), nil
}

func parseIgnoreCIDR(literal string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(literal)
	if err != nil {
		return netip.Prefix{}, invalid(literal, "not a CIDR range")
	}
	addr := prefix.Addr()
	if addr.Is4In6() {
		bits := prefix.Bits() - 96
		if bits < 0 {
			return netip.Prefix{}, invalid(literal, "mapped prefix shorter than /96")
		}
		prefix = netip.PrefixFrom(addr.Unmap(), bits)
	}
	return prefix.Masked(), nil
}

func (s *ignoreSet) addIP(literal string, addr netip.Addr) {
	s.trie.Insert(netip.PrefixFrom(addr, addr.BitLen()), literal)
	s.ips = append(s.ips, literal)
}

func (s *ignoreSet) addCIDR(literal string, prefix netip.Prefix) {
	s.trie.Insert(prefix, literal)
	s.cidrs = append(s.cidrs, literal)
}

func (s *ignoreSet) contains(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	return s.trie.Find(addr.Unmap()) != nil
}

func (s *ignoreSet) empty() bool {
	return len(s.ips) == 0 && len(s.cidrs) == 0
}

// IsIgnored reports whether addr is covered by an IgnoreIP or IgnoreCIDR
// entry of this scope.
func (n *Naxsi) IsIgnored(addr netip.Addr) bool {
	return n.ignore.contains(addr)
}

// IgnoredIPs returns the IgnoreIP literals in declaration order.
func (n *Naxsi) IgnoredIPs() []string {
	return append([]string(nil), n.ignore.ips...)
}

// IgnoredCIDRs returns the IgnoreCIDR literals in declaration order.
func (n *Naxsi) IgnoredCIDRs() []string {
	return append([]string(nil), n.ignore.cidrs...)
}
