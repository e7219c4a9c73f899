// Package scope restricts which hosts and networks the built-in tools may
// touch. Deny rules win over allow rules; an empty allow list admits every
// target that is not denied.
package scope

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
)

// ErrOutOfScope is returned for targets the guard rejects.
var ErrOutOfScope = errors.New("target out of scope")

// rule is either a CIDR network or a host pattern.
type rule struct {
	raw     string
	network *net.IPNet
}

func parseRule(raw string) (rule, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return rule{}, errors.New("empty scope rule")
	}
	if strings.Contains(raw, "/") {
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			return rule{}, fmt.Errorf("invalid scope network %q: %w", raw, err)
		}
		return rule{raw: raw, network: network}, nil
	}
	return rule{raw: strings.TrimSuffix(raw, ".")}, nil
}

func (r rule) matches(host string, ip net.IP) bool {
	if r.network != nil {
		return ip != nil && r.network.Contains(ip)
	}
	if ip != nil {
		return r.raw == ip.String()
	}
	return matchHostPattern(host, r.raw)
}

// Guard checks tool targets against allow and deny rules.
type Guard struct {
	mu    sync.RWMutex
	allow []rule
	deny  []rule
}

// New creates a guard. Rules are host patterns such as "*.example.com" or
// "**.corp.internal", literal IP addresses, or CIDR networks.
func New(allow, deny []string) (*Guard, error) {
	g := &Guard{}
	for _, raw := range allow {
		if err := g.Allow(raw); err != nil {
			return nil, err
		}
	}
	for _, raw := range deny {
		if err := g.Deny(raw); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Allow adds an allow rule.
func (g *Guard) Allow(raw string) error {
	r, err := parseRule(raw)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allow = append(g.allow, r)
	return nil
}

// Deny adds a deny rule.
func (g *Guard) Deny(raw string) error {
	r, err := parseRule(raw)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deny = append(g.deny, r)
	return nil
}

// Check returns nil if target may be touched, or an error wrapping
// ErrOutOfScope. target may be a host, host:port, IP or URL. A nil guard
// admits everything.
func (g *Guard) Check(target string) error {
	if g == nil {
		return nil
	}
	ok, reason := g.CheckWithReason(target)
	if ok {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrOutOfScope, reason)
}

// CheckWithReason reports whether target is in scope and, if not, why.
func (g *Guard) CheckWithReason(target string) (bool, string) {
	host := Host(target)
	if host == "" {
		return false, fmt.Sprintf("cannot determine host of %q", target)
	}
	ip := net.ParseIP(host)

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, r := range g.deny {
		if r.matches(host, ip) {
			return false, fmt.Sprintf("%s matches deny rule %s", host, r.raw)
		}
	}
	if len(g.allow) == 0 {
		return true, ""
	}
	for _, r := range g.allow {
		if r.matches(host, ip) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("%s matches no allow rule", host)
}

// Host extracts the lowercased host from a host, host:port, IP or URL.
func Host(target string) string {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return ""
		}
		target = u.Hostname()
	} else if h, _, err := net.SplitHostPort(target); err == nil {
		target = h
	}
	target = strings.Trim(target, "[]")
	return strings.TrimSuffix(strings.ToLower(target), ".")
}
