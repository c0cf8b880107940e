package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/mjl-/hookmta/config"
	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/mlog"
)

// Transport delivers a queued message to its recipients.
//
// If delivery succeeded for only some recipients, Deliver returns a
// *PartialError listing the recipients that were delivered to. Other errors
// apply to all recipients. An *Error with Permanent set causes an immediate
// bounce instead of a retry.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, log mlog.Log, m Msg) error
}

// Error is a delivery failure, typically with an SMTP reply from the remote.
type Error struct {
	Permanent bool
	Code      int    // SMTP reply code, 0 if not known.
	Secode    string // Full enhanced status code, e.g. "5.1.1", if known.
	Host      string // Remote host, if known.
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Host != "" {
		b.WriteString(e.Host + ": ")
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, "%d ", e.Code)
	}
	if e.Secode != "" {
		b.WriteString(e.Secode + " ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return strings.TrimSpace(b.String())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PartialError is returned by a transport when delivery to some recipients
// succeeded.
type PartialError struct {
	Delivered []string
	Err       error // For the remaining recipients.
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("delivered to %d recipients, failed for others: %v", len(e.Delivered), e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// IsPermanent returns whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Permanent
}

// smtpError turns an error from the SMTP client into an *Error, with 5xx
// replies permanent. Other errors are temporary.
func smtpError(host string, err error) error {
	if err == nil {
		return nil
	}
	var terr *Error
	if errors.As(err, &terr) {
		return err
	}
	var serr *gosmtp.SMTPError
	if errors.As(err, &serr) {
		e := &Error{
			Permanent: serr.Code/100 == 5,
			Code:      serr.Code,
			Host:      host,
			Err:       errors.New(serr.Message),
		}
		if ec := serr.EnhancedCode; ec[0] > 0 {
			e.Secode = fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
		}
		return e
	}
	return &Error{Host: host, Err: err}
}

// NewTransport returns the configured transport, direct delivery if none is
// configured.
func NewTransport(ctx context.Context, c config.Transport, resolver dns.Resolver, hostname dns.Domain) (Transport, error) {
	switch {
	case c.Smarthost != nil:
		return NewSmarthost(*c.Smarthost, hostname), nil
	case c.SES != nil:
		return NewSES(ctx, *c.SES)
	}
	d := &Direct{Resolver: resolver, Hostname: hostname}
	if c.Direct != nil {
		d.Port = c.Direct.Port
		d.DisableIPv6 = c.Direct.DisableIPv6
	}
	return d, nil
}
