package index

import (
	"context"
	"net/netip"
	"strings"
	"testing"

	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
)

func prefixes(ss ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParsePrefix(s)
	}
	return out
}

func TestBuildSlash30(t *testing.T) {
	s, err := Build(prefixes("10.0.0.0/30"), DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 4 || s.DarkLen() != 1 {
		t.Fatalf("Len=%d DarkLen=%d, want 4 and 1", s.Len(), s.DarkLen())
	}
	for i, want := range []string{"10.0.0.0", "10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if got := s.Addr(uint32(i)); got.String() != want {
			t.Errorf("Addr(%d) = %s, want %s", i, got, want)
		}
	}
	if i, ok := s.DarkIndex(netip.MustParsePrefix("10.0.0.0/24")); !ok || i != 0 {
		t.Errorf("DarkIndex(10.0.0.0/24) = %d, %v", i, ok)
	}
	b := s.Blocks()[0]
	if b.BaseIndex != 0 || b.Count != 4 || b.DarkBaseIndex != 0 || b.DarkCount != 1 {
		t.Errorf("block = %+v", b)
	}
}

func TestBuildInputOrder(t *testing.T) {
	s, err := Build(prefixes("192.168.1.0/24", "10.0.0.0/23", "172.16.0.8/29"), DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	blocks := s.Blocks()
	want := []Block{
		{Prefix: netip.MustParsePrefix("192.168.1.0/24"), BaseIndex: 0, Count: 256, DarkBaseIndex: 0, DarkCount: 1},
		{Prefix: netip.MustParsePrefix("10.0.0.0/23"), BaseIndex: 256, Count: 512, DarkBaseIndex: 1, DarkCount: 2},
		{Prefix: netip.MustParsePrefix("172.16.0.8/29"), BaseIndex: 768, Count: 8, DarkBaseIndex: 3, DarkCount: 1},
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("block %d = %+v, want %+v", i, blocks[i], want[i])
		}
	}
	if got := s.DarkPrefix(2).String(); got != "10.0.1.0/24" {
		t.Errorf("DarkPrefix(2) = %s", got)
	}
}

// Every index maps to a unique covered address and back.
func TestCoverage(t *testing.T) {
	s, err := Build(prefixes("10.1.0.0/22", "10.2.0.0/28", "10.2.0.64/27", "100.64.0.0/24"), DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[netip.Addr]bool)
	for i := uint32(0); i < s.Len(); i++ {
		a := s.Addr(i)
		if seen[a] {
			t.Fatalf("address %s assigned twice", a)
		}
		seen[a] = true
		j, ok := s.Lookup(a)
		if !ok || j != i {
			t.Fatalf("Lookup(Addr(%d)=%s) = %d, %v", i, a, j, ok)
		}
		d, ok := s.DarkIndex(netip.PrefixFrom(a, 32))
		if !ok || s.DarkPrefix(d) != DarkKey(a) {
			t.Fatalf("dark index of %s = %d (%v)", a, d, ok)
		}
	}
	if len(seen) != 1024+16+32+256 {
		t.Errorf("covered %d addresses", len(seen))
	}
	if _, ok := s.Lookup(netip.MustParseAddr("10.2.0.32")); ok {
		t.Error("unmonitored address resolved")
	}
}

func TestSubSlash24ShareDarkIndex(t *testing.T) {
	s, err := Build(prefixes("10.0.0.0/30", "10.0.0.128/25", "10.0.1.0/30"), DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	if s.DarkLen() != 2 {
		t.Fatalf("DarkLen = %d, want 2", s.DarkLen())
	}
	b := s.Blocks()
	if b[0].DarkBaseIndex != b[1].DarkBaseIndex {
		t.Errorf("blocks in 10.0.0.0/24 got dark indices %d and %d", b[0].DarkBaseIndex, b[1].DarkBaseIndex)
	}
	if b[2].DarkBaseIndex != 1 {
		t.Errorf("10.0.1.0/30 dark index = %d, want 1", b[2].DarkBaseIndex)
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		in     []netip.Prefix
		limits Limits
		want   string
	}{
		{"ipv6", prefixes("2001:db8::/64"), DefaultLimits, "not IPv4"},
		{"host bits", prefixes("10.0.0.1/24"), DefaultLimits, "host bits"},
		{"overlap inner", prefixes("10.0.0.0/16", "10.0.5.0/24"), DefaultLimits, "overlaps"},
		{"overlap outer", prefixes("10.0.5.0/24", "10.0.0.0/16"), DefaultLimits, "overlaps"},
		{"duplicate", prefixes("10.0.0.0/24", "10.0.0.0/24"), DefaultLimits, "overlaps"},
		{"addresses", prefixes("10.0.0.0/24", "10.0.1.0/24"), Limits{Addresses: 300, DarkBlocks: 10}, "address index space exhausted"},
		{"dark", prefixes("10.0.0.0/22"), Limits{Addresses: 4096, DarkBlocks: 3}, "dark index space exhausted"},
		{"dark small", prefixes("10.0.0.0/30", "10.0.1.0/30"), Limits{Addresses: 16, DarkBlocks: 1}, "dark index space exhausted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.in, tt.limits)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestCovered(t *testing.T) {
	s, err := Build(prefixes("10.0.0.0/24", "10.0.2.0/30", "192.168.0.0/24"), DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	count := func(p string) int {
		n := 0
		for i, a := range s.Covered(netip.MustParsePrefix(p)) {
			if s.Addr(i) != a {
				t.Fatalf("Covered yielded %d/%s, Addr=%s", i, a, s.Addr(i))
			}
			n++
		}
		return n
	}
	tests := []struct {
		prefix string
		want   int
	}{
		{"10.0.0.0/16", 256 + 4},
		{"10.0.0.0/24", 256},
		{"10.0.0.128/25", 128},
		{"10.0.0.7/32", 1},
		{"10.0.1.0/24", 0},
		{"0.0.0.0/0", 256 + 4 + 256},
		{"2001:db8::/32", 0},
	}
	for _, tt := range tests {
		if got := count(tt.prefix); got != tt.want {
			t.Errorf("Covered(%s) yielded %d, want %d", tt.prefix, got, tt.want)
		}
	}
}

func TestPopulate(t *testing.T) {
	s, err := Build(prefixes("10.0.0.0/30", "10.1.0.0/23"), DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	mem := dataplane.NewMemory("s1")
	ctx := context.Background()
	if err := s.Populate(ctx, mem); err != nil {
		t.Fatal(err)
	}
	entries := mem.Entries(dataplane.TableMonitored)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	byKey := make(map[string]dataplane.TableEntry)
	for _, e := range entries {
		byKey[e.Key.String()] = e
	}
	e := byKey["10.1.0.0/23"]
	if e.Action != dataplane.ActionCalcIdx {
		t.Errorf("action = %s", e.Action)
	}
	if want := []uint64{4, 511, 1}; len(e.Params) != 3 || e.Params[0] != want[0] || e.Params[1] != want[1] || e.Params[2] != want[2] {
		t.Errorf("params = %v, want %v", e.Params, want)
	}

	// Second run against the same switch is idempotent.
	if err := s.Populate(ctx, mem); err != nil {
		t.Fatalf("repeat populate: %v", err)
	}
}

func TestPopulateConflict(t *testing.T) {
	mem := dataplane.NewMemory("s1")
	ctx := context.Background()
	old, _ := Build(prefixes("10.9.0.0/24", "10.0.0.0/30"), DefaultLimits)
	if err := old.Populate(ctx, mem); err != nil {
		t.Fatal(err)
	}
	// Same prefix, different indices: not ignorable.
	s, _ := Build(prefixes("10.0.0.0/30"), DefaultLimits)
	if err := s.Populate(ctx, mem); err == nil {
		t.Fatal("expected conflict error")
	}
}
