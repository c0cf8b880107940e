package message

import (
	"bytes"
	"errors"
	"strings"
)

var ErrHeaderSeparator = errors.New("no header separator found")

var crlf2x = []byte("\r\n\r\n")

// Split returns the header section of msg including its final CRLF, and the
// body after the empty separator line. If there is no separator, the entire
// message is considered header with an empty body, and ErrHeaderSeparator is
// returned along with it.
func Split(msg []byte) (header, body []byte, err error) {
	if bytes.HasPrefix(msg, []byte("\r\n")) {
		return nil, msg[2:], nil
	}
	i := bytes.Index(msg, crlf2x)
	if i < 0 {
		return msg, nil, ErrHeaderSeparator
	}
	return msg[:i+2], msg[i+4:], nil
}

// FixLineEndings returns buf with bare LF line endings replaced by CRLF.
func FixLineEndings(buf []byte) []byte {
	if !bytes.Contains(buf, []byte("\n")) {
		return buf
	}
	var b bytes.Buffer
	b.Grow(len(buf) + len(buf)/40)
	for i, c := range buf {
		if c == '\n' && (i == 0 || buf[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
	}
	return b.Bytes()
}

// Field is a single header field. Raw holds the field exactly as in the message
// including folding and the trailing CRLF.
type Field struct {
	Key   string // As in message.
	LKey  string // Lower case key.
	Value string // Value after the colon, with folding intact, without trailing CRLF.
	Raw   []byte
}

// ParseHeaders parses a header section as returned by Split into fields,
// keeping their order. Continuation lines are joined into the preceding field.
func ParseHeaders(header []byte) ([]Field, error) {
	var l []Field
	for len(header) > 0 {
		o := 0
		for {
			i := bytes.Index(header[o:], []byte("\r\n"))
			if i < 0 {
				return nil, errors.New("header line without crlf")
			}
			o += i + 2
			if o >= len(header) || header[o] != ' ' && header[o] != '\t' {
				break
			}
		}
		raw := header[:o]
		header = header[o:]

		k, v, ok := bytes.Cut(raw, []byte(":"))
		if !ok {
			return nil, errors.New("header line without colon")
		}
		key := strings.TrimRight(string(k), " \t")
		if key == "" || strings.ContainsAny(key, " \t\r\n") {
			return nil, errors.New("malformed header field name")
		}
		l = append(l, Field{
			Key:   key,
			LKey:  strings.ToLower(key),
			Value: string(v[:len(v)-2]),
			Raw:   raw,
		})
	}
	return l, nil
}

// HeaderValue returns the unfolded and trimmed value of the first field named
// key (case-insensitive), or the empty string.
func HeaderValue(fields []Field, key string) string {
	lk := strings.ToLower(key)
	for _, f := range fields {
		if f.LKey == lk {
			v := strings.ReplaceAll(f.Value, "\r\n", "")
			return strings.TrimSpace(v)
		}
	}
	return ""
}
