// Package address parses the destination/source strings accepted on the
// command line, distinguishing a remote `user@host:/path` target from a
// plain local filesystem path.
package address

import "strings"

// Address is the parsed form of a backup source or destination.
type Address struct {
	Remote bool
	User   string
	Host   string
	Path   string
}

// Parse classifies s as remote or local.
//
// s is a remote address iff it contains '@', the portion after the first
// '@' contains ':', and the portion before the first '@' contains no '/'.
// The third condition exists so that a local path containing an '@' in a
// directory name — e.g. "./a@b.com:/hello/" — is not mistaken for a
// remote address just because a ':' happens to appear somewhere after it.
func Parse(s string) Address {
	at := strings.Index(s, "@")
	if at < 0 {
		return Address{Path: strings.TrimSpace(s)}
	}

	before := s[:at]
	if strings.Contains(before, "/") {
		return Address{Path: strings.TrimSpace(s)}
	}

	after := s[at+1:]
	colon := strings.Index(after, ":")
	if colon < 0 {
		return Address{Path: strings.TrimSpace(s)}
	}

	return Address{
		Remote: true,
		User:   strings.TrimSpace(before),
		Host:   strings.TrimSpace(after[:colon]),
		Path:   strings.TrimSpace(after[colon+1:]),
	}
}
