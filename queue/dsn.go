package queue

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/hookmta-"
	"github.com/mjl-/hookmta/message"
)

var errDSNNoRecipients = errors.New("no recipients for delivery status notification")

// ComposeDSN returns a multipart/report delivery status notification for the
// recipients of m that could not be delivered to, from postmaster at hostname
// to the sender of m. The header section and body are returned separately, as
// stored in a Msg.
func ComposeDSN(hostname dns.Domain, m Msg, deliverErr error, now time.Time) (header string, body []byte, rerr error) {
	if len(m.To) == 0 {
		return "", nil, errDSNNoRecipients
	}

	// We check for errors once after all the writes.
	msgw := &errWriter{w: &bytes.Buffer{}}

	hdr := func(k, v string) {
		fmt.Fprintf(msgw, "%s: %s\r\n", k, v)
	}
	line := func(w io.Writer) {
		_, _ = w.Write([]byte("\r\n"))
	}

	postmaster := "postmaster@" + hostname.ASCII
	hdr("From", fmt.Sprintf("Mail Delivery Subsystem <%s>", postmaster))
	hdr("To", fmt.Sprintf("<%s>", m.From))
	hdr("Subject", "Undelivered Mail Returned to Sender")
	hdr("Message-Id", fmt.Sprintf("<%s>", hookmta.MessageIDGen(false)))
	if fields, err := message.ParseHeaders([]byte(m.Header)); err == nil {
		if msgID := strings.TrimSpace(message.HeaderValue(fields, "Message-Id")); msgID != "" {
			hdr("References", msgID)
		}
	}
	hdr("Date", now.Format(message.RFC5322Z))
	hdr("Auto-Submitted", "auto-replied")
	hdr("MIME-Version", "1.0")
	mp := multipart.NewWriter(msgw)
	hdr("Content-Type", fmt.Sprintf(`multipart/report; report-type="delivery-status"; boundary="%s"`, mp.Boundary()))
	headerLen := msgw.w.Len()
	line(msgw)

	status, diag := dsnStatus(deliverErr)

	// Human-readable explanation.
	textHdr := textproto.MIMEHeader{}
	textHdr.Set("Content-Type", "text/plain")
	textHdr.Set("Content-Transfer-Encoding", "7BIT")
	textp, err := mp.CreatePart(textHdr)
	if err != nil {
		return "", nil, err
	}
	var text strings.Builder
	text.WriteString("Delivery has failed permanently for the following recipients:\r\n\r\n")
	for _, rcpt := range m.To {
		fmt.Fprintf(&text, "\t%s\r\n", rcpt)
	}
	fmt.Fprintf(&text, "\r\nAttempts: %d\r\nLast error: %s\r\n", m.Attempts, m.LastError)
	if _, err := textp.Write([]byte(text.String())); err != nil {
		return "", nil, err
	}

	// Machine-readable status.
	statusHdr := textproto.MIMEHeader{}
	statusHdr.Set("Content-Type", "message/delivery-status")
	statusHdr.Set("Content-Transfer-Encoding", "7BIT")
	statusp, err := mp.CreatePart(statusHdr)
	if err != nil {
		return "", nil, err
	}
	field := func(k, v string) {
		fmt.Fprintf(statusp, "%s: %s\r\n", k, v)
	}
	field("Reporting-MTA", "dns; "+hostname.ASCII)
	field("Arrival-Date", m.Created.Format(message.RFC5322Z))
	for _, rcpt := range m.To {
		line(statusp)
		field("Final-Recipient", "rfc822; "+rcpt)
		field("Action", "failed")
		field("Status", status)
		if diag != "" {
			field("Diagnostic-Code", "smtp; "+diag)
		}
		field("Last-Attempt-Date", now.Format(message.RFC5322Z))
	}

	// Headers of the original message.
	origHdr := textproto.MIMEHeader{}
	origHdr.Set("Content-Type", "text/rfc822-headers")
	origHdr.Set("Content-Transfer-Encoding", "8BIT")
	origp, err := mp.CreatePart(origHdr)
	if err != nil {
		return "", nil, err
	}
	if _, err := origp.Write([]byte(m.Header)); err != nil {
		return "", nil, err
	}

	if err := mp.Close(); err != nil {
		return "", nil, err
	}
	if msgw.err != nil {
		return "", nil, msgw.err
	}

	buf := msgw.w.Bytes()
	return string(buf[:headerLen]), buf[headerLen+2:], nil
}

// dsnStatus returns the status code and diagnostic code for a delivery error.
func dsnStatus(err error) (status, diag string) {
	var terr *Error
	if !errors.As(err, &terr) || terr.Code == 0 {
		if IsPermanent(err) {
			return "5.0.0", ""
		}
		// Delivery time expired.
		return "4.4.7", ""
	}
	status = terr.Secode
	if status == "" {
		status = fmt.Sprintf("%d.0.0", terr.Code/100)
	}
	diag = fmt.Sprintf("%d", terr.Code)
	if terr.Secode != "" {
		diag += " " + terr.Secode
	}
	if terr.Err != nil {
		diag += " " + terr.Err.Error()
	}
	return status, diag
}

type errWriter struct {
	w   *bytes.Buffer
	err error
}

func (w *errWriter) Write(buf []byte) (int, error) {
	if w.err != nil {
		return -1, w.err
	}
	n, err := w.w.Write(buf)
	w.err = err
	return n, err
}
