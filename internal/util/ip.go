package util

import "net"

// IPClassification is the security class of an IP address, used when
// validating registered redirect URIs.
type IPClassification int

const (
	IPClassificationPublic IPClassification = iota
	IPClassificationLoopback
	IPClassificationPrivate
	IPClassificationLinkLocal
	IPClassificationUnspecified
)

// String returns a human-readable name for the classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of ip. A nil ip is unspecified.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// IsLoopbackHostname reports whether hostname (as returned by
// url.URL.Hostname) is "localhost" or a loopback IP literal. Plain http
// redirect URIs are only accepted for such hosts (RFC 8252 section 7.3).
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		hostname = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ClassifyIP(ip) == IPClassificationLoopback
	}
	return false
}
