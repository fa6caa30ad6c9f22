package kalamari

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidACLEntry is returned when an ACL network is not valid CIDR
// notation. ACL construction failures are fatal configuration errors.
var ErrInvalidACLEntry = errors.New("invalid IP ACL entry")

// ACL restricts which client addresses may use the proxy. Networks are
// given in CIDR notation. An ACL is immutable after construction and safe
// for unlimited concurrent reads.
type ACL struct {
	networks []netip.Prefix
}

// NewACL builds an ACL from CIDR network strings. Any entry that is not
// valid CIDR fails construction with ErrInvalidACLEntry.
func NewACL(networks []string) (*ACL, error) {
	acl := &ACL{networks: make([]netip.Prefix, 0, len(networks))}
	for _, net := range networks {
		net = strings.TrimSpace(net)
		if net == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(net)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidACLEntry, net)
		}
		acl.networks = append(acl.networks, prefix)
	}
	return acl, nil
}

// Allowed reports whether ip falls inside any configured network. An
// absent or unparsable address is treated as not allowed rather than as
// an error.
func (a *ACL) Allowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return a.AllowedAddr(addr)
}

// AllowedAddr is Allowed for an already-parsed address.
func (a *ACL) AllowedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, net := range a.networks {
		if net.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of configured networks.
func (a *ACL) Len() int {
	return len(a.networks)
}
