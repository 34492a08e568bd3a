// Package accounts implements the Account Store & Authenticator (C1):
// parsing account records, O(1) token lookup, CIDR membership checks, and
// lease accounting, with hot reload of the YAML source file.
package accounts

import "net/netip"

// Account is an immutable account record, once loaded. Two Account values
// are never equal by pointer across reloads: leases hold a reference to the
// specific Account they were granted, not to a store generation, so an
// in-flight lease survives a reload untouched.
type Account struct {
	Name       string
	Token      string
	Reuse      bool
	Routes     map[string]struct{}
	AllowedIPs []netip.Prefix
}

// hasRoute reports whether route is one of this account's exact "host:port"
// strings.
func (a *Account) hasRoute(route string) bool {
	_, ok := a.Routes[route]
	return ok
}

// allowsIP reports whether ip falls within any of the account's CIDR ranges.
func (a *Account) allowsIP(ip netip.Addr) bool {
	for _, prefix := range a.AllowedIPs {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}
