// Package aggregate collapses address sets into the minimal ordered list
// of CIDR prefixes covering exactly the same addresses.
package aggregate

import (
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// Addrs returns the minimal prefix cover of addrs. Duplicates are allowed.
func Addrs(addrs []netip.Addr) []netip.Prefix {
	var b netipx.IPSetBuilder
	for _, a := range addrs {
		b.Add(a)
	}
	return build(&b)
}

// Prefixes returns the minimal prefix cover of the union of pfxs.
func Prefixes(pfxs []netip.Prefix) []netip.Prefix {
	var b netipx.IPSetBuilder
	for _, p := range pfxs {
		b.AddPrefix(p.Masked())
	}
	return build(&b)
}

func build(b *netipx.IPSetBuilder) []netip.Prefix {
	// The builder only fails on invalid input, which Add/AddPrefix ignore.
	set, _ := b.IPSet()
	return set.Prefixes()
}

// Expand lists every address covered by pfxs, in prefix order.
func Expand(pfxs []netip.Prefix) []netip.Addr {
	var out []netip.Addr
	for _, p := range pfxs {
		p = p.Masked()
		r := netipx.RangeOfPrefix(p)
		for a := r.From(); a.IsValid() && a.Compare(r.To()) <= 0; a = a.Next() {
			out = append(out, a)
		}
	}
	return out
}

// ParseScope parses a query scope: a prefix, masked to its network, or a
// bare address taken as a host route.
func ParseScope(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(a, a.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}
