package delivery

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// BlockedError marks a destination that must never be contacted.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return "SSRF blocked: " + e.Reason }

type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var blockedNets = mustParseCIDRs(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"198.18.0.0/15",
	"240.0.0.0/4",
	"64:ff9b::/96",
)

// Hosts made only of digits, dots and hex markers are non-canonical IP
// spellings ("2130706433", "0x7f.1") that some resolvers map to addresses.
var numericHost = regexp.MustCompile(`^(0x[0-9a-f]+|[0-9]+)(\.(0x[0-9a-f]+|[0-9]+))*$`)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func blockedIP(ip net.IP) (string, bool) {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	switch {
	case ip.IsLoopback():
		return "loopback address", true
	case ip.IsPrivate():
		return "private address", true
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local address", true
	case ip.IsUnspecified():
		return "unspecified address", true
	case ip.IsMulticast(), ip.IsInterfaceLocalMulticast():
		return "multicast address", true
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return "reserved address " + n.String(), true
		}
	}
	return "", false
}

// ValidateDestination returns a *BlockedError for destinations that are not
// plain http(s) or that point at loopback, private, link-local or other
// internal ranges. Resolution failures come back as ordinary errors so the
// caller can retry them.
func ValidateDestination(ctx context.Context, resolver Resolver, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return &BlockedError{Reason: "invalid url"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &BlockedError{Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return &BlockedError{Reason: "missing host"}
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return &BlockedError{Reason: "localhost"}
	}
	if ip := net.ParseIP(host); ip != nil {
		if reason, blocked := blockedIP(ip); blocked {
			return &BlockedError{Reason: fmt.Sprintf("%s (%s)", reason, host)}
		}
		return nil
	}
	if numericHost.MatchString(host) {
		return &BlockedError{Reason: fmt.Sprintf("non-canonical ip literal %q", host)}
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, a := range addrs {
		if reason, blocked := blockedIP(a.IP); blocked {
			return &BlockedError{Reason: fmt.Sprintf("%s resolves to %s (%s)", host, a.IP, reason)}
		}
	}
	return nil
}
