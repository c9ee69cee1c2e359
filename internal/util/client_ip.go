package util

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyAllowlist lists the peers whose forwarding headers are believed.
type ProxyAllowlist []netip.Prefix

// ParseProxyAllowlist accepts CIDR ranges or bare addresses. Nil means no
// forwarding header is trusted.
func ParseProxyAllowlist(entries []string) (ProxyAllowlist, error) {
	var out ProxyAllowlist
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Trusts reports whether addr falls in any allowlisted range.
func (l ProxyAllowlist) Trusts(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range l {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// RemoteClient resolves the address used for rate-limit keys and audit logs.
// X-Forwarded-For is walked right to left and the first hop outside the
// allowlist wins; X-Real-IP is only a fallback.
func RemoteClient(r *http.Request, proxies ProxyAllowlist) string {
	peer, ok := addrOf(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !proxies.Trusts(peer) {
		return peer.String()
	}

	var hops []netip.Addr
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if a, err := netip.ParseAddr(strings.TrimSpace(part)); err == nil {
			hops = append(hops, a.Unmap())
		}
	}
	if len(hops) > 0 {
		for i := len(hops) - 1; i >= 0; i-- {
			if !proxies.Trusts(hops[i]) {
				return hops[i].String()
			}
		}
		return hops[0].String()
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return a.Unmap().String()
	}
	return peer.String()
}

func addrOf(remote string) (netip.Addr, bool) {
	remote = strings.TrimSpace(remote)
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(remote); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}
