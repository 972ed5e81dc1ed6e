package proxy

import "strings"

// Allowlist maps a toolkit slug to its reachable host patterns. It is static
// configuration and the sole authority for which hosts the proxy will reach.
type Allowlist map[string][]string

// HostAllowed reports whether a toolkit may reach a host. Patterns match
// exactly, or by subdomain when prefixed with "*.".
func (a Allowlist) HostAllowed(toolkit, host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range a[toolkit] {
		pattern = strings.ToLower(pattern)
		if pattern == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) || host == suffix {
				return true
			}
		}
	}
	return false
}
