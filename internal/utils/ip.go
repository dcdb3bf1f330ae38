package utils

import (
	"fmt"
	"net"
)

// AllowList matches addresses against a fixed set of CIDR blocks.
type AllowList struct {
	blocks []*net.IPNet
}

// NewAllowList parses cidrs. An invalid block is an error rather than
// being skipped.
func NewAllowList(cidrs []string) (*AllowList, error) {
	a := &AllowList{blocks: make([]*net.IPNet, 0, len(cidrs))}
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		a.blocks = append(a.blocks, block)
	}
	return a, nil
}

func (a *AllowList) Contains(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, block := range a.blocks {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}
