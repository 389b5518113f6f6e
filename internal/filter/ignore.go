package filter

import (
	"fmt"
	"net"
	"strings"
)

// IgnoreSet holds addresses and CIDR ranges that never produce failure
// events. A nil set matches nothing.
type IgnoreSet struct {
	nets []*net.IPNet
}

func NewIgnoreSet(entries []string) (*IgnoreSet, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	s := &IgnoreSet{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("ignore list: bad address %q", entry)
			}
			bits := 128
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
				bits = 32
			}
			s.nets = append(s.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("ignore list: bad cidr %q: %w", entry, err)
		}
		s.nets = append(s.nets, ipnet)
	}
	return s, nil
}

func (s *IgnoreSet) Contains(ip net.IP) bool {
	if s == nil || ip == nil {
		return false
	}
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
