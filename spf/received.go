package spf

import (
	"net"
	"strings"

	"github.com/mjl-/hookmta/message"
)

// Received is a Received-SPF header with the verification result, to be
// prepended to a message.
//
// Example:
//
//	Received-SPF: pass (mx.example.org: domain of example.com designates
//		192.0.2.1 as permitted sender) client-ip=192.0.2.1;
//		envelope-from="bob@example.com"; helo=mail.example.com; mechanism=ip4:192.0.2.0/24;
//		receiver=mx.example.org; identity=mailfrom
type Received struct {
	Result       Status
	Comment      string // Free-form text, in "()".
	ClientIP     net.IP
	EnvelopeFrom string // MAIL FROM, or postmaster@<helo> for the null reverse-path.
	Helo         string
	Problem      string // Optional.
	Receiver     string
	Identity     Identity
	Mechanism    string // Matching mechanism, or "default". Optional.
}

// Identity that was verified.
type Identity string

const (
	ReceivedMailFrom Identity = "mailfrom"
	ReceivedHELO     Identity = "helo"
)

// valueEncode returns s as dot-atom if possible, otherwise as quoted string.
func valueEncode(s string) string {
	dotatom := s != "" && !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".") && !strings.Contains(s, "..")
	for _, c := range s {
		if !dotatom {
			break
		}
		dotatom = c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c > 0x7f || c == '.' || strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
	}
	if dotatom {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range s {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		if c >= ' ' && c != 0x7f {
			b.WriteRune(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Header returns the Received-SPF header, including trailing crlf.
func (r Received) Header() string {
	w := &message.HeaderWriter{}
	w.Add("", "Received-SPF: "+string(r.Result))
	if r.Comment != "" {
		w.Add(" ", "("+r.Comment+")")
	}
	if r.ClientIP != nil {
		w.Addf(" ", "client-ip=%s;", valueEncode(r.ClientIP.String()))
	}
	w.Addf(" ", "envelope-from=%s;", valueEncode(r.EnvelopeFrom))
	if r.Helo != "" {
		w.Addf(" ", "helo=%s;", valueEncode(r.Helo))
	}
	if r.Problem != "" {
		s := r.Problem
		if max := 77 - len("problem=; "); len(s) > max {
			s = s[:max]
		}
		w.Addf(" ", "problem=%s;", valueEncode(s))
	}
	if r.Mechanism != "" {
		w.Addf(" ", "mechanism=%s;", valueEncode(r.Mechanism))
	}
	w.Addf(" ", "receiver=%s;", valueEncode(r.Receiver))
	w.Addf(" ", "identity=%s", valueEncode(string(r.Identity)))
	return w.String()
}
