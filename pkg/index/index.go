// Package index assigns dense register indices to the monitored IPv4
// address space: one index per address and one dark index per /24.
package index

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"
	"sort"

	"github.com/InetIntel/dynamic-telescope/pkg/dataplane"
	"github.com/gaissmai/bart"
)

// Limits bounds the index spaces to the register and meter array sizes of
// the data plane.
type Limits struct {
	Addresses  uint32 // global_table / flag_table size
	DarkBlocks uint32 // dark_meter / dark_counter size
}

// DefaultLimits match the register sizes of the reference P4 program.
var DefaultLimits = Limits{Addresses: 4194304, DarkBlocks: 16384}

// Block is one monitored prefix and the index ranges assigned to it.
// A block narrower than /24 has DarkCount 1 and may share its dark index
// with other blocks in the same /24.
type Block struct {
	Prefix        netip.Prefix
	BaseIndex     uint32
	Count         uint32
	DarkBaseIndex uint32
	DarkCount     uint32
}

// Contains reports whether address index i belongs to the block.
func (b Block) Contains(i uint32) bool {
	return i >= b.BaseIndex && i-b.BaseIndex < b.Count
}

// Space is the immutable index assignment for a monitored address list.
type Space struct {
	blocks   []Block
	trie     bart.Table[int] // block prefix -> position in blocks
	dark     map[netip.Prefix]uint32
	darkKeys []netip.Prefix
	n        uint32
}

// Build assigns indices to prefixes in input order. It fails on non-IPv4
// or non-canonical prefixes, on a prefix overlapping an earlier one and
// when either index space is exhausted.
func Build(prefixes []netip.Prefix, limits Limits) (*Space, error) {
	s := &Space{dark: make(map[netip.Prefix]uint32)}
	var next, nextDark uint64

	for _, p := range prefixes {
		if !p.IsValid() || !p.Addr().Is4() {
			return nil, fmt.Errorf("monitored prefix %s: not IPv4", p)
		}
		if p != p.Masked() {
			return nil, fmt.Errorf("monitored prefix %s: host bits set (did you mean %s?)", p, p.Masked())
		}
		if s.trie.OverlapsPrefix(p) {
			return nil, fmt.Errorf("monitored prefix %s overlaps an earlier prefix", p)
		}

		size := uint64(1) << (32 - p.Bits())
		if next+size > uint64(limits.Addresses) {
			return nil, fmt.Errorf("monitored prefix %s: address index space exhausted (%d + %d > %d)",
				p, next, size, limits.Addresses)
		}
		blk := Block{Prefix: p, BaseIndex: uint32(next), Count: uint32(size)}

		if p.Bits() > 24 {
			key := DarkKey(p.Addr())
			idx, ok := s.dark[key]
			if !ok {
				if nextDark+1 > uint64(limits.DarkBlocks) {
					return nil, fmt.Errorf("monitored prefix %s: dark index space exhausted", p)
				}
				idx = uint32(nextDark)
				s.dark[key] = idx
				s.darkKeys = append(s.darkKeys, key)
				nextDark++
			}
			blk.DarkBaseIndex, blk.DarkCount = idx, 1
		} else {
			darkCount := uint64(1) << (24 - p.Bits())
			if nextDark+darkCount > uint64(limits.DarkBlocks) {
				return nil, fmt.Errorf("monitored prefix %s: dark index space exhausted (%d + %d > %d)",
					p, nextDark, darkCount, limits.DarkBlocks)
			}
			blk.DarkBaseIndex, blk.DarkCount = uint32(nextDark), uint32(darkCount)
			for i := uint64(0); i < darkCount; i++ {
				key := netip.PrefixFrom(addrAt(p.Addr(), uint32(i<<8)), 24)
				s.dark[key] = uint32(nextDark + i)
				s.darkKeys = append(s.darkKeys, key)
			}
			nextDark += darkCount
		}

		s.trie.Insert(p, len(s.blocks))
		s.blocks = append(s.blocks, blk)
		next += size
	}
	s.n = uint32(next)
	return s, nil
}

func addrAt(base netip.Addr, offset uint32) netip.Addr {
	b := base.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v += offset
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func offsetOf(base, addr netip.Addr) uint32 {
	a, b := base.As4(), addr.As4()
	va := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	vb := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return vb - va
}

// DarkKey returns the /24 that carries the dark counter for addr.
func DarkKey(addr netip.Addr) netip.Prefix {
	p, _ := addr.Prefix(24)
	return p
}

// Len returns the number of address indices assigned.
func (s *Space) Len() uint32 { return s.n }

// DarkLen returns the number of dark indices assigned.
func (s *Space) DarkLen() uint32 { return uint32(len(s.darkKeys)) }

// Blocks returns the monitored blocks in index order.
func (s *Space) Blocks() []Block { return s.blocks }

// Addr returns the address with index i. It panics if i >= Len().
func (s *Space) Addr(i uint32) netip.Addr {
	b := s.blockOf(i)
	return addrAt(b.Prefix.Addr(), i-b.BaseIndex)
}

func (s *Space) blockOf(i uint32) Block {
	if i >= s.n {
		panic(fmt.Sprintf("index %d out of range [0, %d)", i, s.n))
	}
	k := sort.Search(len(s.blocks), func(k int) bool {
		return s.blocks[k].BaseIndex+s.blocks[k].Count > i
	})
	return s.blocks[k]
}

// Lookup returns the index of a monitored address.
func (s *Space) Lookup(addr netip.Addr) (uint32, bool) {
	if !addr.Is4() {
		return 0, false
	}
	k, ok := s.trie.Lookup(addr)
	if !ok {
		return 0, false
	}
	b := s.blocks[k]
	return b.BaseIndex + offsetOf(b.Prefix.Addr(), addr), true
}

// DarkIndex returns the dark index of the /24 containing prefix.
func (s *Space) DarkIndex(prefix netip.Prefix) (uint32, bool) {
	if !prefix.Addr().Is4() || prefix.Bits() < 24 {
		return 0, false
	}
	i, ok := s.dark[DarkKey(prefix.Addr())]
	return i, ok
}

// DarkPrefix returns the /24 with dark index i.
func (s *Space) DarkPrefix(i uint32) netip.Prefix {
	return s.darkKeys[i]
}

// Covered yields the index and address of every monitored address inside
// prefix, visiting only the blocks that intersect it.
func (s *Space) Covered(prefix netip.Prefix) iter.Seq2[uint32, netip.Addr] {
	return func(yield func(uint32, netip.Addr) bool) {
		prefix = prefix.Masked()
		if !prefix.Addr().Is4() {
			return
		}
		// Prefix inside a single block.
		if k, ok := s.trie.Lookup(prefix.Addr()); ok && s.blocks[k].Prefix.Bits() <= prefix.Bits() {
			b := s.blocks[k]
			first := b.BaseIndex + offsetOf(b.Prefix.Addr(), prefix.Addr())
			size := uint32(1) << (32 - prefix.Bits())
			for j := uint32(0); j < size; j++ {
				if !yield(first+j, addrAt(prefix.Addr(), j)) {
					return
				}
			}
			return
		}
		// Prefix covering zero or more whole blocks.
		for _, k := range s.trie.Subnets(prefix) {
			b := s.blocks[k]
			for j := uint32(0); j < b.Count; j++ {
				if !yield(b.BaseIndex+j, addrAt(b.Prefix.Addr(), j)) {
					return
				}
			}
		}
	}
}

// Populate programs one monitored table entry per block. Entries already
// present from an earlier run are accepted.
func (s *Space) Populate(ctx context.Context, dp dataplane.DataPlane) error {
	var existing int
	for _, b := range s.blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := dp.AddTableEntry(ctx, dataplane.TableEntry{
			Table:  dataplane.TableMonitored,
			Key:    dataplane.MatchKey{Prefix: b.Prefix},
			Action: dataplane.ActionCalcIdx,
			Params: dataplane.MonitoredParams(b.Prefix, b.BaseIndex, b.DarkBaseIndex),
		})
		if dataplane.IsAlreadyExists(err) {
			existing++
			continue
		}
		if err != nil {
			return fmt.Errorf("populate %s: %w", b.Prefix, err)
		}
	}
	slog.Info("monitored table populated", "blocks", len(s.blocks),
		"already_present", existing, "addresses", s.n, "dark_blocks", s.DarkLen())
	return nil
}
