// Package dns parses internationalized domain names (IDNA) and provides
// resolvers that keep metrics and log their lookups.
package dns

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/mjl-/adns"
)

var (
	errTrailingDot = errors.New("dns name has trailing dot")
	errEmpty       = errors.New("empty dns name")
)

// Domain is a domain name, with at least an ASCII representation, and for IDNA
// non-ASCII domains a unicode representation. The ASCII string must be used for
// DNS lookups and as key in the directory.
type Domain struct {
	// Lower-case name with A-labels (xn--...) or plain ASCII labels.
	ASCII string

	// Name as U-labels. Empty if this is an ASCII-only domain.
	Unicode string
}

// Name returns the unicode name if set, otherwise the ASCII name.
func (d Domain) Name() string {
	if d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// XName is like Name, but only returns a unicode name when utf8 is true.
func (d Domain) XName(utf8 bool) string {
	if utf8 && d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

func (d Domain) String() string {
	return d.LogString()
}

// LogString returns a domain for logging. For IDNA names, the string contains
// both the unicode and ASCII name.
func (d Domain) LogString() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// IsZero returns if this is an empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses a domain name that can consist of ASCII-only labels or U
// labels (unicode). Names are IDN-canonicalized and lower-cased, so only
// compare parsed names, never raw strings.
func ParseDomain(s string) (Domain, error) {
	if s == "" {
		return Domain{}, errEmpty
	} else if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to ascii: %w", err)
	}
	unicode, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to unicode: %w", err)
	}
	if ascii == unicode {
		return Domain{ascii, ""}, nil
	}
	return Domain{ascii, unicode}, nil
}

// IsNotFound returns whether an error is a DNS error with IsNotFound set,
// meaning the requested type does not exist for the name (nodata or nxdomain).
func IsNotFound(err error) bool {
	var adnsErr *adns.DNSError
	var netErr *net.DNSError
	return err != nil && (errors.As(err, &adnsErr) && adnsErr.IsNotFound || errors.As(err, &netErr) && netErr.IsNotFound)
}

// IsTemporary returns whether err is a DNS error that may resolve itself when
// retried later, e.g. a servfail or a timeout.
func IsTemporary(err error) bool {
	var adnsErr *adns.DNSError
	var netErr *net.DNSError
	return err != nil && (errors.As(err, &adnsErr) && (adnsErr.IsTemporary || adnsErr.IsTimeout) || errors.As(err, &netErr) && (netErr.IsTemporary || netErr.IsTimeout))
}
