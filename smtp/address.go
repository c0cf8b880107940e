// Package smtp holds email address parsing and SMTP reply codes shared by the
// policy, queue and delivery packages.
package smtp

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mjl-/hookmta/dns"
)

var ErrBadAddress = errors.New("invalid email address")
var ErrBadLocalpart = errors.New("invalid localpart")

// Localpart is a decoded local part of an email address, before the "@".
// For quoted strings, values do not hold the double quote or escaping
// backslashes.
type Localpart string

// String returns the localpart packed for use in SMTP: as dot-string when
// possible, otherwise as quoted-string.
func (lp Localpart) String() string {
	dotstr := lp != ""
	for _, e := range strings.Split(string(lp), ".") {
		if e == "" {
			dotstr = false
			break
		}
		for _, c := range e {
			if !isatext(c) {
				dotstr = false
				break
			}
		}
	}
	if dotstr {
		return string(lp)
	}

	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// Address is a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

// NewAddress returns an address.
func NewAddress(localpart Localpart, domain dns.Domain) Address {
	return Address{localpart, domain}
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the address in string form. If smtputf8 is true, the domain is
// formatted with non-ASCII characters.
func (a Address) Pack(smtputf8 bool) string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.XName(smtputf8)
}

// String returns the address in string form with non-ASCII characters.
func (a Address) String() string {
	return a.Pack(true)
}

// Key returns the address as used for lookups in the directory. Local parts are
// matched case-insensitively, so both parts are lower case.
func (a Address) Key() string {
	if a.IsZero() {
		return ""
	}
	return strings.ToLower(string(a.Localpart)) + "@" + a.Domain.ASCII
}

// ParseAddress parses an email address. UTF-8 is allowed.
// Returns ErrBadAddress for invalid addresses.
func ParseAddress(s string) (Address, error) {
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	if !strings.HasPrefix(rem, "@") {
		return Address{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	}
	d, err := dns.ParseDomain(rem[1:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

// ParseLocalpart parses the local part. UTF-8 is allowed.
func ParseLocalpart(s string) (Localpart, error) {
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return "", err
	}
	if rem != "" {
		return "", fmt.Errorf("%w: remaining after localpart: %q", ErrBadLocalpart, rem)
	}
	return lp, nil
}

func parseLocalpart(s string) (localpart Localpart, remain string, rerr error) {
	p := &parser{s, 0}

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(parseError)
		if !ok {
			panic(x)
		}
		rerr = fmt.Errorf("%w: %s", ErrBadLocalpart, err.err)
	}()

	lp := p.xlocalpart()
	return lp, p.s[p.o:], nil
}

type parseError struct{ err error }

type parser struct {
	s string
	o int
}

func (p *parser) xerrorf(format string, args ...any) {
	panic(parseError{fmt.Errorf(format, args...)})
}

func (p *parser) take(s string) bool {
	if strings.HasPrefix(p.s[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xlocalpart() Localpart {
	var s string
	if p.take(`"`) {
		s = p.xquotedString()
	} else {
		s = p.xatom()
		for p.take(".") {
			s += "." + p.xatom()
		}
	}
	// Generated bounce addresses can have long localparts, be lenient.
	if len(s) > 128 {
		p.xerrorf("localpart longer than 128 octets")
	}
	return Localpart(s)
}

func (p *parser) xquotedString() string {
	var b strings.Builder
	var esc bool
	for {
		if p.o >= len(p.s) {
			p.xerrorf("missing end of quoted string")
		}
		c, n := utf8.DecodeRuneInString(p.s[p.o:])
		p.o += n

		switch {
		case esc:
			if c < ' ' || c == 0x7f {
				p.xerrorf("bad escaped character %q", c)
			}
			b.WriteRune(c)
			esc = false
		case c == '\\':
			esc = true
		case c == '"':
			return b.String()
		case c >= ' ' && c != 0x7f:
			b.WriteRune(c)
		default:
			p.xerrorf("invalid character %q in quoted string", c)
		}
	}
}

func (p *parser) xatom() string {
	start := p.o
	for i, c := range p.s[p.o:] {
		if !isatext(c) {
			p.o = start + i
			break
		}
		p.o = len(p.s)
	}
	if p.o == start {
		p.xerrorf("expected atom")
	}
	return p.s[start:p.o]
}

func isatext(c rune) bool {
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
		return true
	}
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f
}
