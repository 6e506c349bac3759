package isolation

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// setupLoopback brings up lo in a fresh network namespace, leaving the
// container with loopback-only networking.
func setupLoopback() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("find lo: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("set lo up: %w", err)
	}
	return nil
}
