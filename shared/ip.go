package shared

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// DefaultIPv6PrefixLength is the allocation most ISPs hand to a single subscriber.
const DefaultIPv6PrefixLength = 64

// IsIPv4 reports whether ip is a literal IPv4 address.
func IsIPv4(ip string) bool {
	if ip == "" {
		return false
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && !strings.Contains(ip, ":") && parsed.To4() != nil
}

// IsIPv6 reports whether ip is a literal IPv6 address. IPv4-mapped forms
// such as ::ffff:192.168.1.1 count as IPv6.
func IsIPv6(ip string) bool {
	if ip == "" {
		return false
	}
	return strings.Contains(ip, ":") && net.ParseIP(ip) != nil
}

// NormalizeIPv6ToPrefix zeroes every bit of ip past prefixLength and returns
// the canonical form of the result, e.g. with 64:
//
//	2001:db8:1234:5678:aaaa:bbbb:cccc:dddd -> 2001:db8:1234:5678::
//
// prefixLength is clamped to [1,128]. The second return is false when ip is
// not a valid IPv6 address.
func NormalizeIPv6ToPrefix(ip string, prefixLength int) (string, bool) {
	if !IsIPv6(ip) {
		return "", false
	}

	if prefixLength < 1 {
		prefixLength = 1
	}
	if prefixLength > 128 {
		prefixLength = 128
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}

	// Masked IPv4-mapped prefixes keep their IPv6 form.
	prefix, err := addr.Prefix(prefixLength)
	if err != nil {
		return "", false
	}
	return prefix.Addr().String(), true
}

// GetTrackableIP returns the address used for counting and classification:
// IPv4 unchanged, IPv6 collapsed to its prefix. Anything that does not parse
// (a hostname, a unix socket name) is passed through so the caller still has
// an identifier. An empty input yields "".
func GetTrackableIP(ip string, ipv6PrefixLength int) string {
	if ip == "" {
		return ""
	}

	if IsIPv4(ip) {
		return ip
	}

	if IsIPv6(ip) {
		prefix, ok := NormalizeIPv6ToPrefix(ip, ipv6PrefixLength)
		if !ok {
			return ip
		}
		return prefix
	}

	return ip
}

// ExpandIPv6 returns the full eight group form of ip, e.g.
// 2001:db8::1 -> 2001:0db8:0000:0000:0000:0000:0000:0001.
func ExpandIPv6(ip string) (string, bool) {
	if !IsIPv6(ip) {
		return "", false
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	return addr.StringExpanded(), true
}

// IsSameIPv6Prefix reports whether both addresses are valid IPv6 and share
// the first prefixLength bits.
func IsSameIPv6Prefix(ip1, ip2 string, prefixLength int) bool {
	p1, ok1 := NormalizeIPv6ToPrefix(ip1, prefixLength)
	p2, ok2 := NormalizeIPv6ToPrefix(ip2, prefixLength)
	if !ok1 || !ok2 {
		return false
	}
	return p1 == p2
}

// IPInCIDR reports whether ip falls inside cidr. A cidr without a slash is
// compared literally. Mixed address families never match.
func IPInCIDR(ip, cidr string) bool {
	if !strings.Contains(cidr, "/") {
		return ip == cidr
	}

	parts := strings.SplitN(cidr, "/", 2)
	rangeIP := parts[0]
	prefix, err := strconv.Atoi(parts[1])
	if err != nil || prefix < 0 {
		return false
	}

	switch {
	case IsIPv4(ip) && IsIPv4(rangeIP):
		if prefix > 32 {
			return false
		}
		return ipv4InCIDR(ip, rangeIP, prefix)
	case IsIPv6(ip) && IsIPv6(rangeIP):
		if prefix > 128 {
			return false
		}
		if prefix == 0 {
			return true
		}
		return IsSameIPv6Prefix(ip, rangeIP, prefix)
	}

	return false
}

// IPInAnyCIDR reports whether ip matches at least one entry of cidrs.
func IPInAnyCIDR(ip string, cidrs []string) bool {
	for _, cidr := range cidrs {
		if IPInCIDR(ip, cidr) {
			return true
		}
	}
	return false
}

func ipv4InCIDR(ip, rangeIP string, prefix int) bool {
	a := ipv4ToUint32(net.ParseIP(ip).To4())
	b := ipv4ToUint32(net.ParseIP(rangeIP).To4())

	var mask uint32
	if prefix > 0 {
		mask = ^uint32(0) << (32 - prefix)
	}
	return a&mask == b&mask
}

func ipv4ToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}
