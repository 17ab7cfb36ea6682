// Package network decides which peers are allowed to claim control of the
// flap. The policy is parsed once from configuration and consulted by the
// target service before any CLAIM is accepted.
package network

import (
	"fmt"
	"net"
	"strings"
)

// Preset peer groups
var Presets = map[string][]string{
	"localhost": {"127.0.0.0/8", "::1/128"},
	"lan":       {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
}

// Special values
const (
	AllowAll  = "all"  // Any peer may claim
	AllowNone = "none" // Claims are never accepted
)

// Policy represents claim permissions for remote peers.
type Policy struct {
	allowAll bool
	blocked  bool
	hosts    map[string]bool // literal IPs
	nets     []*net.IPNet    // CIDR ranges
}

// Parse converts peer specs like "lan", "10.0.0.5" or "192.168.1.0/24" into
// a Policy. An empty spec list blocks all claims.
//
// Examples:
//   - Parse([]string{"lan"})            -> RFC1918 ranges allowed
//   - Parse([]string{"all"})            -> every peer allowed
//   - Parse([]string{"none"})           -> no peer allowed
//   - Parse([]string{"10.1.2.3"})       -> single host
//   - Parse([]string{"10.1.0.0/16"})    -> CIDR range
func Parse(specs []string) (*Policy, error) {
	policy := &Policy{hosts: map[string]bool{}}

	if len(specs) == 0 {
		policy.blocked = true
		return policy, nil
	}

	// Special values take precedence regardless of position.
	for _, spec := range specs {
		switch strings.TrimSpace(strings.ToLower(spec)) {
		case AllowAll:
			return &Policy{allowAll: true}, nil
		case AllowNone:
			return &Policy{blocked: true}, nil
		}
	}

	for _, spec := range specs {
		spec = strings.TrimSpace(strings.ToLower(spec))
		if spec == "" {
			continue
		}

		if preset, ok := Presets[spec]; ok {
			for _, cidr := range preset {
				_, ipnet, err := net.ParseCIDR(cidr)
				if err != nil {
					return nil, fmt.Errorf("bad preset %q entry %q: %w", spec, cidr, err)
				}
				policy.nets = append(policy.nets, ipnet)
			}
			continue
		}

		if strings.Contains(spec, "/") {
			_, ipnet, err := net.ParseCIDR(spec)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", spec, err)
			}
			policy.nets = append(policy.nets, ipnet)
			continue
		}

		if ip := net.ParseIP(spec); ip == nil {
			return nil, fmt.Errorf("invalid peer address %q", spec)
		}
		policy.hosts[spec] = true
	}

	return policy, nil
}

// Allows reports whether the peer at addr (a host or host:port as returned
// by net.Conn.RemoteAddr) may claim control.
func (p *Policy) Allows(addr string) bool {
	if p.blocked {
		return false
	}
	if p.allowAll {
		return true
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	if p.hosts[strings.ToLower(host)] {
		return true
	}
	for _, ipnet := range p.nets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}
