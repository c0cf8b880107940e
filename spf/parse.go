package spf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Record is a parsed SPF DNS record.
//
// An example record for example.com:
//
//	v=spf1 ip4:192.0.2.0/24 ip6:2001:db8::/32 ~all
type Record struct {
	Directives  []Directive // Evaluated left to right until one matches.
	Redirect    string      // From "redirect=". Parsed, not followed.
	Explanation string      // From "exp=". Parsed, not looked up.
	Other       []Modifier  // Unknown modifiers.
}

// Directive is a mechanism with its qualifier.
type Directive struct {
	Qualifier string     // "+", "-", "~", "?", or empty, which means "+".
	Mechanism string     // "all", "include", "a", "mx", "ptr", "ip4", "ip6", "exists". Lower case.
	Arg       string     // Text after the mechanism name, including ":" or "/", as in the record.
	Net       *net.IPNet `json:"-"` // For ip4 and ip6.
}

// String returns the directive as it would appear in a record, with lower-case
// mechanism.
func (d Directive) String() string {
	return d.Qualifier + d.Mechanism + d.Arg
}

// Status returns the result when this directive matches.
func (d Directive) Status() Status {
	switch d.Qualifier {
	case "-":
		return StatusFail
	case "~":
		return StatusSoftfail
	case "?":
		return StatusNeutral
	}
	return StatusPass
}

// Modifier is a "name=value" term other than redirect and exp.
type Modifier struct {
	Key   string
	Value string
}

// Record returns the record in text form, for use as DNS TXT record.
func (r Record) Record() string {
	var b strings.Builder
	b.WriteString("v=spf1")
	for _, d := range r.Directives {
		b.WriteString(" " + d.String())
	}
	if r.Redirect != "" {
		b.WriteString(" redirect=" + r.Redirect)
	}
	if r.Explanation != "" {
		b.WriteString(" exp=" + r.Explanation)
	}
	for _, m := range r.Other {
		b.WriteString(" " + m.Key + "=" + m.Value)
	}
	return b.String()
}

type parseError string

func (e parseError) Error() string {
	return string(e)
}

// ParseRecord parses an SPF DNS TXT record. If the text does not start with the
// "v=spf1" version, isspf is false and the text should be ignored. Otherwise
// syntax errors are returned.
func ParseRecord(s string) (r *Record, isspf bool, rerr error) {
	lower := toLower(s)
	if lower != "v=spf1" && !strings.HasPrefix(lower, "v=spf1 ") {
		return nil, false, nil
	}
	isspf = true

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(parseError); ok {
			r = nil
			rerr = err
			return
		}
		panic(x)
	}()

	r = &Record{}
	for _, t := range strings.Split(s[len("v=spf1"):], " ") {
		if t == "" {
			continue
		}
		p := &parser{s: t, lower: toLower(t)}
		p.xterm(r)
	}
	return r, isspf, nil
}

// toLower lower cases only A-Z, keeping offsets into the original intact.
func toLower(s string) string {
	r := []byte(s)
	for i, c := range r {
		if c >= 'A' && c <= 'Z' {
			r[i] = c + 0x20
		}
	}
	return string(r)
}

type parser struct {
	s     string
	lower string
	o     int
}

func (p *parser) xerrorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(parseError(fmt.Sprintf("term %q: %s", p.s, msg)))
}

func (p *parser) empty() bool {
	return p.o >= len(p.s)
}

func (p *parser) take(s string) bool {
	if strings.HasPrefix(p.lower[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %q", s)
	}
}

// takefn returns the longest prefix of characters for which fn is true.
func (p *parser) takefn(fn func(c byte) bool) string {
	start := p.o
	for !p.empty() && fn(p.s[p.o]) {
		p.o++
	}
	return p.s[start:p.o]
}

func (p *parser) xterm(r *Record) {
	var qualifier string
	if !p.empty() && strings.IndexByte("+-~?", p.s[0]) >= 0 {
		qualifier = p.s[:1]
		p.o++
	}
	name := p.takefn(func(c byte) bool {
		return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.'
	})
	if name == "" {
		p.xerrorf("expected mechanism or modifier")
	}
	lname := toLower(name)

	if qualifier == "" && p.take("=") {
		if c := lname[0]; c < 'a' || c > 'z' {
			p.xerrorf("modifier name must start with a letter")
		}
		value := p.xmacroString(true)
		switch lname {
		case "redirect", "exp":
			if value == "" {
				p.xerrorf("empty %s value", lname)
			}
			if lname == "redirect" {
				if r.Redirect != "" {
					p.xerrorf("duplicate redirect modifier")
				}
				r.Redirect = value
			} else {
				if r.Explanation != "" {
					p.xerrorf("duplicate exp modifier")
				}
				r.Explanation = value
			}
		default:
			r.Other = append(r.Other, Modifier{name, value})
		}
		return
	}

	d := Directive{Qualifier: qualifier, Mechanism: lname}
	argStart := p.o
	switch lname {
	case "all":
	case "include", "exists":
		p.xtake(":")
		p.xdomainSpec()
	case "a", "mx":
		if p.take(":") {
			p.xdomainSpec()
		}
		p.xdualCIDR()
	case "ptr":
		if p.take(":") {
			p.xdomainSpec()
		}
	case "ip4", "ip6":
		p.xtake(":")
		d.Net = p.xnetwork(lname == "ip6")
	default:
		p.xerrorf("unknown mechanism %q", name)
	}
	if !p.empty() {
		p.xerrorf("unexpected text after mechanism")
	}
	d.Arg = p.s[argStart:]
	r.Directives = append(r.Directives, d)
}

// xmacroString consumes visible ASCII characters. Macros are kept as is, they
// are not expanded.
func (p *parser) xmacroString(slash bool) string {
	return p.takefn(func(c byte) bool {
		return c > ' ' && c < 0x7f && (slash || c != '/')
	})
}

func (p *parser) xdomainSpec() string {
	s := p.xmacroString(false)
	if s == "" {
		p.xerrorf("missing domain")
	}
	if strings.HasPrefix(s, ".") || strings.Contains(s, "..") {
		p.xerrorf("bad domain %q", s)
	}
	return s
}

// xdualCIDR parses the optional "/n" and "//n" of a and mx mechanisms.
func (p *parser) xdualCIDR() {
	if p.take("//") {
		p.xcidrLen(128)
		return
	}
	if p.take("/") {
		p.xcidrLen(32)
		if p.take("//") {
			p.xcidrLen(128)
		}
	}
}

func (p *parser) xcidrLen(max int) int {
	s := p.takefn(func(c byte) bool { return c >= '0' && c <= '9' })
	if s == "" {
		p.xerrorf("expected cidr length")
	}
	if len(s) > 1 && s[0] == '0' {
		p.xerrorf("bogus leading 0 in cidr length")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > max {
		p.xerrorf("invalid cidr length %s", s)
	}
	return n
}

func (p *parser) xnetwork(ip6 bool) *net.IPNet {
	s := p.takefn(func(c byte) bool {
		return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' || c == ':' || c == '.'
	})
	ip := net.ParseIP(s)
	if ip == nil {
		p.xerrorf("invalid ip address %q", s)
	}
	bits := 32
	if ip6 {
		bits = 128
		if !strings.Contains(s, ":") {
			p.xerrorf("ip6 mechanism with ipv4 address %q", s)
		}
	} else {
		ip = ip.To4()
		if ip == nil || strings.Contains(s, ":") {
			p.xerrorf("ip4 mechanism with ipv6 address %q", s)
		}
	}
	ones := bits
	if p.take("/") {
		ones = p.xcidrLen(bits)
	}
	mask := net.CIDRMask(ones, bits)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}
}
