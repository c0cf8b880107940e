package dkim

import (
	"bytes"
	"fmt"
	"strings"
)

var crlf = []byte("\r\n")

// RelaxedBody returns the body in "relaxed" canonical form: whitespace runs
// within lines are reduced to a single space, whitespace at the end of lines is
// removed, empty lines at the end of the body are dropped, and a non-empty body
// ends with CRLF. Applying it to its own output returns the same bytes.
func RelaxedBody(body []byte) []byte {
	var b bytes.Buffer
	var empty int // Empty lines not yet written, dropped if at the end.
	for len(body) > 0 {
		line, rest, _ := bytes.Cut(body, crlf)
		body = rest
		line = bytes.TrimRight(collapseWSP(line), " ")
		if len(line) == 0 {
			empty++
			continue
		}
		for ; empty > 0; empty-- {
			b.Write(crlf)
		}
		b.Write(line)
		b.Write(crlf)
	}
	return b.Bytes()
}

// collapseWSP replaces each run of spaces and tabs with a single space.
func collapseWSP(buf []byte) []byte {
	r := make([]byte, 0, len(buf))
	var wsp bool
	for _, c := range buf {
		if c == ' ' || c == '\t' {
			if !wsp {
				r = append(r, ' ')
			}
			wsp = true
			continue
		}
		wsp = false
		r = append(r, c)
	}
	return r
}

// relaxedHeader returns the "relaxed" canonical form of a single header field,
// without trailing CRLF: lower-case name, unfolded value with whitespace runs
// reduced to a single space, and no whitespace around the colon or at the end.
func relaxedHeader(raw string) (string, error) {
	k, v, ok := strings.Cut(raw, ":")
	if !ok {
		return "", fmt.Errorf("%w: header without colon: %q", ErrHeaderMalformed, raw)
	}
	v = strings.ReplaceAll(v, "\r\n", "")
	v = strings.Trim(string(collapseWSP([]byte(v))), " ")
	return strings.ToLower(strings.TrimRight(k, " \t")) + ":" + v, nil
}
