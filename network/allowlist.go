package network

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

var ErrBadAllowEntry = errors.New("invalid allow list entry")

// AllowList filters accepted peers by address.
//
// Entries are single addresses ("10.0.0.7"), prefixes ("10.0.0.0/8"),
// ranges ("10.0.0.1-10.0.0.20") or IPv4 wildcards ("192.168.*.*"). An
// entry starting with "!" denies. Denied addresses always lose; with no
// allowing entry every other address passes.
type AllowList struct {
	allow *netipx.IPSet
	deny  *netipx.IPSet
}

// ParseAllowList builds an AllowList. Empty entries are ignored.
func ParseAllowList(entries []string) (*AllowList, error) {
	var allow, deny netipx.IPSetBuilder
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		b := &allow
		if strings.HasPrefix(entry, "!") {
			b = &deny
			entry = strings.TrimSpace(entry[1:])
		}
		if err := addEntry(b, entry); err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrBadAllowEntry, raw, err)
		}
	}

	a := &AllowList{}
	var err error
	if a.allow, err = allow.IPSet(); err != nil {
		return nil, err
	}
	if a.deny, err = deny.IPSet(); err != nil {
		return nil, err
	}
	return a, nil
}

func addEntry(b *netipx.IPSetBuilder, entry string) error {
	switch {
	case strings.Contains(entry, "*"):
		p, err := wildcardPrefix(entry)
		if err != nil {
			return err
		}
		b.AddPrefix(p)
	case strings.Contains(entry, "/"):
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return err
		}
		b.AddPrefix(p.Masked())
	case strings.Contains(entry, "-"):
		r, err := netipx.ParseIPRange(entry)
		if err != nil {
			return err
		}
		b.AddRange(r)
	default:
		ip, err := netip.ParseAddr(entry)
		if err != nil {
			return err
		}
		b.Add(ip.Unmap())
	}
	return nil
}

// wildcardPrefix turns "a.b.*.*" into a.b.0.0/16. Wildcards must be
// trailing.
func wildcardPrefix(entry string) (netip.Prefix, error) {
	if entry == "*" {
		return netip.PrefixFrom(netip.IPv4Unspecified(), 0), nil
	}
	parts := strings.Split(entry, ".")
	if len(parts) != 4 {
		return netip.Prefix{}, errors.New("wildcards need four octets")
	}
	fixed := 0
	for fixed < 4 && parts[fixed] != "*" {
		fixed++
	}
	octets := make([]string, 4)
	for i := range parts {
		if i >= fixed {
			if parts[i] != "*" {
				return netip.Prefix{}, errors.New("wildcards must be trailing")
			}
			octets[i] = "0"
			continue
		}
		octets[i] = parts[i]
	}
	ip, err := netip.ParseAddr(strings.Join(octets, "."))
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(ip, fixed*8), nil
}

// Allowed reports whether ip may connect. A nil AllowList allows all.
func (a *AllowList) Allowed(ip netip.Addr) bool {
	if a == nil {
		return true
	}
	ip = ip.Unmap()
	if a.deny.Contains(ip) {
		return false
	}
	if len(a.allow.Ranges()) == 0 {
		return true
	}
	return a.allow.Contains(ip)
}
