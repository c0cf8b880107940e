package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/mjl-/hookmta/mlog"
)

// smtpSession is a single SMTP transaction with a host.
type smtpSession struct {
	Host      string      // For errors and logging.
	Ehlo      string      // Our hostname.
	StartTLS  *tls.Config // If set, STARTTLS is done when offered.
	NeedTLS   bool        // Fail if STARTTLS is not offered or fails.
	Auth      sasl.Client // Optional.
	From      string
	To        []string
	Data      []byte
	TLSActive bool // Connections from dial are already TLS.
}

// send connects with dial and runs the transaction, closing the connection
// when done. Connections are aborted when ctx is done. If some recipients were
// rejected while others were accepted, a *PartialError is returned after
// delivering to the accepted recipients.
func (s smtpSession) send(ctx context.Context, log mlog.Log, dial func(ctx context.Context) (net.Conn, error)) (rerr error) {
	var mu sync.Mutex
	var conns []net.Conn
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
	defer stop()
	xdial := func() (net.Conn, error) {
		conn, err := dial(ctx)
		if err != nil {
			return nil, &Error{Host: s.Host, Err: fmt.Errorf("dial: %w", err)}
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		return conn, nil
	}
	defer func() {
		if rerr != nil && ctx.Err() != nil {
			rerr = &Error{Host: s.Host, Err: ctx.Err()}
		}
	}()

	c, err := s.connect(log, xdial)
	if err != nil {
		return err
	}
	defer func() {
		err := c.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debugx("closing smtp connection", err, slog.String("host", s.Host))
		}
	}()

	if s.Auth != nil {
		if err := c.Auth(s.Auth); err != nil {
			return smtpError(s.Host, fmt.Errorf("auth: %w", err))
		}
	}
	if err := c.Mail(s.From, nil); err != nil {
		return smtpError(s.Host, err)
	}
	var accepted []string
	var rcptErr error
	for _, rcpt := range s.To {
		if err := c.Rcpt(rcpt, nil); err != nil {
			log.Debugx("recipient rejected", err, slog.String("rcpt", rcpt), slog.String("host", s.Host))
			err = smtpError(s.Host, err)
			if rcptErr == nil || IsPermanent(rcptErr) && !IsPermanent(err) {
				// A temporary error keeps the remaining recipients queued, prefer it.
				rcptErr = err
			}
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return rcptErr
	}
	w, err := c.Data()
	if err != nil {
		return smtpError(s.Host, err)
	}
	if _, err := w.Write(s.Data); err != nil {
		w.Close()
		return smtpError(s.Host, err)
	}
	if err := w.Close(); err != nil {
		return smtpError(s.Host, err)
	}
	if err := c.Quit(); err != nil {
		log.Debugx("quit after delivery", err, slog.String("host", s.Host))
	}
	if rcptErr != nil {
		return &PartialError{Delivered: accepted, Err: rcptErr}
	}
	return nil
}

// connect returns a client on which EHLO with our name is done. STARTTLS can
// only be done by a fresh client, before our own EHLO. So with opportunistic
// TLS, a first connection checks whether STARTTLS is offered, and a second
// connection does the TLS handshake. If that fails, a third connection
// continues without TLS.
func (s smtpSession) connect(log mlog.Log, dial func() (net.Conn, error)) (*gosmtp.Client, error) {
	plain := func() (*gosmtp.Client, error) {
		conn, err := dial()
		if err != nil {
			return nil, err
		}
		c := gosmtp.NewClient(conn)
		if err := c.Hello(s.Ehlo); err != nil {
			c.Close()
			return nil, smtpError(s.Host, err)
		}
		return c, nil
	}

	if s.TLSActive || s.StartTLS == nil {
		return plain()
	}

	if !s.NeedTLS {
		c, err := plain()
		if err != nil {
			return nil, err
		}
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return c, nil
		}
		if err := c.Quit(); err != nil {
			log.Debugx("quit before starttls", err, slog.String("host", s.Host))
		}
		c.Close()
	}

	conn, err := dial()
	if err != nil {
		return nil, err
	}
	c, err := gosmtp.NewClientStartTLS(conn, s.StartTLS)
	if err == nil {
		// The client did EHLO with a default name before STARTTLS, this one is after.
		if err = c.Hello(s.Ehlo); err != nil {
			c.Close()
		}
	}
	if err == nil {
		return c, nil
	}
	if s.NeedTLS {
		// Temporary, also for 5xx replies, the remote configuration may be fixed.
		return nil, &Error{Host: s.Host, Err: fmt.Errorf("starttls: %w", err)}
	}
	log.Infox("starttls failed, delivering without tls", err, slog.String("host", s.Host))
	return plain()
}
