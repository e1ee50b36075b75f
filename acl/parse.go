package acl

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/xulek/rustsocks/model"
)

// parseDestMatcher turns one ACL config string into a model.DestMatcher.
func parseDestMatcher(raw string) (model.DestMatcher, error) {
	s := strings.TrimSpace(raw)
	if s == "*" {
		return model.MatchAllDestMatcher{}, nil
	}
	if strings.Contains(s, "/") {
		ip, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		if !ip.Equal(ipnet.IP) {
			return nil, fmt.Errorf("invalid CIDR %q: host bits set", s)
		}
		return model.CIDRMatcher{Net: ipnet}, nil
	}
	if ip := net.ParseIP(s); ip != nil {
		return model.ExactIPMatcher{IP: ip}, nil
	}
	if strings.HasPrefix(s, "*.") {
		suffix := strings.ToLower(strings.TrimPrefix(s, "*."))
		if suffix == "" {
			return nil, fmt.Errorf("invalid wildcard domain %q", s)
		}
		return model.WildcardDomainMatcher{Suffix: suffix}, nil
	}
	if err := validateDomainSyntax(s); err != nil {
		return nil, err
	}
	return model.ExactDomainMatcher{Domain: strings.ToLower(s)}, nil
}

func validateDomainSyntax(s string) error {
	if len(s) == 0 || len(s) > 255 {
		return fmt.Errorf("invalid domain %q: length out of range 1..255", s)
	}
	return nil
}

// parsePortMatcher turns one ACL config string into a model.PortMatcher,
// holding the invariant 1 <= lo <= hi <= 65535.
func parsePortMatcher(raw string) (model.PortMatcher, error) {
	s := strings.TrimSpace(raw)
	if s == "*" {
		return model.MatchAllPortMatcher{}, nil
	}
	if idx := strings.IndexByte(s, '-'); idx > 0 {
		lo, err := parsePort(s[:idx])
		if err != nil {
			return nil, fmt.Errorf("invalid port range %q: %w", s, err)
		}
		hi, err := parsePort(s[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid port range %q: %w", s, err)
		}
		if lo > hi {
			return nil, fmt.Errorf("invalid port range %q: lo > hi", s)
		}
		return model.PortRangeMatcher{Lo: lo, Hi: hi}, nil
	}
	p, err := parsePort(s)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return model.ExactPortMatcher{Port: p}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range 1..65535", n)
	}
	return uint16(n), nil
}

// parseProtocols desugars the config's protocol token list into the
// rule's protocol set, expanding "both" to {tcp, udp}.
func parseProtocols(raw []string) (map[model.Transport]struct{}, error) {
	set := make(map[model.Transport]struct{}, 2)
	for _, r := range raw {
		switch model.Transport(strings.ToLower(strings.TrimSpace(r))) {
		case model.TCP:
			set[model.TCP] = struct{}{}
		case model.UDP:
			set[model.UDP] = struct{}{}
		case model.Both:
			set[model.TCP] = struct{}{}
			set[model.UDP] = struct{}{}
		default:
			return nil, fmt.Errorf("invalid protocol %q: expected tcp, udp, or both", r)
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("protocols: at least one protocol is required")
	}
	return set, nil
}
