package dkim

import (
	"encoding/base64"
	"strings"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/message"
)

// Sig is a DKIM-Signature header as generated by this package: always version
// 1 with relaxed/relaxed canonicalization.
type Sig struct {
	AlgorithmSign string     // "rsa" or "ed25519". Hash is always sha256. Field "a".
	Domain        dns.Domain // Field "d".
	Selector      dns.Domain // Public key is at <s>._domainkey.<d>. Field "s".
	SignTime      int64      // Unix time, -1 if absent. Field "t".
	SignedHeaders []string   // Duplicates are meaningful. Field "h".
	BodyHash      []byte     // Field "bh".
	Signature     []byte     // Field "b". Empty while computing the signature.
}

// Algorithm returns the value for the "a" field, e.g. "rsa-sha256".
func (s Sig) Algorithm() string {
	return s.AlgorithmSign + "-sha256"
}

// Header returns the DKIM-Signature header field, including trailing CRLF. Lines
// are folded to stay within 78 characters where possible.
func (s Sig) Header() string {
	w := &message.HeaderWriter{}
	w.Add("", "DKIM-Signature: v=1;")
	w.Addf(" ", "a=%s;", s.Algorithm())
	w.Add(" ", "c=relaxed/relaxed;")
	// Domain names are always in ASCII.
	w.Addf(" ", "d=%s;", s.Domain.ASCII)
	w.Addf(" ", "s=%s;", s.Selector.ASCII)
	if s.SignTime >= 0 {
		w.Addf(" ", "t=%d;", s.SignTime)
	}
	for i, h := range s.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}
		if i < len(s.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}
		w.Add(sep, h)
	}
	w.Addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))
	w.Add(" ", "b=")
	if len(s.Signature) > 0 {
		w.AddWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)), false)
	}
	return w.String()
}

// signedHeadersLower returns the lower-cased names in h=.
func (s Sig) signedHeadersLower() []string {
	l := make([]string, len(s.SignedHeaders))
	for i, h := range s.SignedHeaders {
		l[i] = strings.ToLower(h)
	}
	return l
}
