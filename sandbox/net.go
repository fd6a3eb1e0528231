package sandbox

import (
	"fmt"
	"net"
	"strings"

	"github.com/pithecene-io/kilnbox/types"
)

// CheckHost decides outbound access to host. The port is recorded for
// audit only; grants are host-scoped. Deny wins over allow; CIDR allow
// lists are consulted only for IPv4 literals; default is deny.
func (g *Guard) CheckHost(host string, port int) error {
	h := types.NormalizeHost(host)
	target := h
	if port > 0 {
		target = fmt.Sprintf("%s:%d", h, port)
	}
	if h == "" {
		return g.deny("net", "fetch", host, "empty host")
	}

	// Deny wins over any allow.
	for _, d := range g.perms.Net.DenyHosts {
		if hostMatches(d, h) {
			return g.deny("net", "fetch", target,
				fmt.Sprintf("host matches deny pattern %q", d))
		}
	}

	reason := ""
	switch {
	case g.perms.Net.Mode == types.NetNone:
		reason = "network access is not declared"
	case g.hostAllowed(h):
	default:
		reason = "host matches no allow pattern"
	}

	if reason != "" {
		return g.deny("net", "fetch", target, reason)
	}
	return nil
}

func (g *Guard) hostAllowed(host string) bool {
	for _, a := range g.perms.Net.AllowHosts {
		if hostMatches(a, host) {
			return true
		}
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		for _, c := range g.perms.Net.AllowCIDRs {
			_, ipnet, err := net.ParseCIDR(c)
			if err == nil && ipnet.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// hostMatches reports whether pattern covers host. A "*.suffix" pattern
// matches on a trailing dot boundary and never the bare suffix itself;
// anything else matches exactly.
func hostMatches(pattern, host string) bool {
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return host == pattern
}
