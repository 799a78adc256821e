package dataplane

import (
	"fmt"
	"strconv"

	"github.com/vishvananda/netlink"
)

// ResolvePort turns a port role value into a table key. Numeric values are
// switch port numbers and used as-is; anything else is an interface name
// resolved to its ifindex, which is how the eBPF software switch keys its
// ports map.
func ResolvePort(port string) (uint64, error) {
	if n, err := strconv.ParseUint(port, 10, 32); err == nil {
		return n, nil
	}
	link, err := netlink.LinkByName(port)
	if err != nil {
		return 0, fmt.Errorf("resolve port %q: %w", port, err)
	}
	return uint64(link.Attrs().Index), nil
}
