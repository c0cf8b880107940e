package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/smtp"
)

// Direct delivers to the MX hosts of each recipient domain.
type Direct struct {
	Resolver    dns.Resolver
	Hostname    dns.Domain // For EHLO.
	Port        int        // Default 25.
	DisableIPv6 bool

	// For tests. Defaults to a net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ Transport = (*Direct)(nil)

func (d *Direct) Name() string {
	return "direct"
}

// Deliver makes one transaction per recipient domain. Hosts are tried in MX
// preference order, until one accepts or permanently rejects the message.
func (d *Direct) Deliver(ctx context.Context, log mlog.Log, m Msg) error {
	var domains []string
	byDomain := map[string][]string{}
	for _, rcpt := range m.To {
		addr, err := smtp.ParseAddress(rcpt)
		if err != nil {
			return &Error{Permanent: true, Err: fmt.Errorf("parsing recipient %q: %v", rcpt, err)}
		}
		dom := addr.Domain.ASCII
		if _, ok := byDomain[dom]; !ok {
			domains = append(domains, dom)
		}
		byDomain[dom] = append(byDomain[dom], rcpt)
	}

	var delivered []string
	var firstErr error
	for _, dom := range domains {
		rcpts := byDomain[dom]
		err := d.deliverDomain(ctx, log, m, dom, rcpts)
		var perr *PartialError
		if err == nil {
			delivered = append(delivered, rcpts...)
			continue
		} else if errors.As(err, &perr) {
			delivered = append(delivered, perr.Delivered...)
			err = perr.Err
		}
		log.Debugx("delivery to domain failed", err, slog.String("domain", dom))
		if firstErr == nil || IsPermanent(firstErr) && !IsPermanent(err) {
			// A temporary error means the message stays queued, prefer reporting it.
			firstErr = err
		}
	}
	if firstErr == nil {
		return nil
	} else if len(delivered) > 0 {
		return &PartialError{Delivered: delivered, Err: firstErr}
	}
	return firstErr
}

func (d *Direct) deliverDomain(ctx context.Context, log mlog.Log, m Msg, domain string, rcpts []string) error {
	hosts, err := d.hosts(ctx, domain)
	if err != nil {
		return err
	}

	port := d.Port
	if port == 0 {
		port = 25
	}
	dial := d.DialContext
	if dial == nil {
		dialer := &net.Dialer{}
		dial = dialer.DialContext
	}

	var lastErr error
	for _, host := range hosts {
		ips, err := d.lookupIPs(ctx, host)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ip := range ips {
			addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
			s := smtpSession{
				Host: host,
				Ehlo: d.Hostname.ASCII,
				// Opportunistic TLS, certificates of MX hosts are not verified (RFC 7435).
				StartTLS: &tls.Config{ServerName: host, InsecureSkipVerify: true},
				From:     m.From,
				To:       rcpts,
				Data:     m.Data(),
			}
			err = s.send(ctx, log, func(ctx context.Context) (net.Conn, error) {
				return dial(ctx, "tcp", addr)
			})
			if err != nil {
				log.Debugx("delivery to mx host failed", err, slog.String("host", host), slog.String("addr", addr))
			}
			var perr *PartialError
			if err == nil || IsPermanent(err) || errors.As(err, &perr) {
				return err
			}
			lastErr = err
			if ctx.Err() != nil {
				return lastErr
			}
		}
	}
	if lastErr == nil {
		lastErr = &Error{Err: fmt.Errorf("no addresses for mx hosts of %s", domain)}
	}
	return lastErr
}

// hosts returns the MX hosts for domain in order of preference, or the domain
// itself if it has no MX records.
func (d *Direct) hosts(ctx context.Context, domain string) ([]string, error) {
	mxl, _, err := d.Resolver.LookupMX(ctx, domain+".")
	if err != nil && !dns.IsNotFound(err) {
		return nil, &Error{Err: fmt.Errorf("looking up mx records for %s: %v", domain, err)}
	}
	if len(mxl) == 0 {
		// Implicit MX. Whether the domain exists is found out during the address lookup.
		return []string{domain}, nil
	}
	if len(mxl) == 1 && mxl[0].Host == "." {
		return nil, &Error{Permanent: true, Err: fmt.Errorf("domain %s does not accept email (null mx)", domain)}
	}
	sort.SliceStable(mxl, func(i, j int) bool {
		return mxl[i].Pref < mxl[j].Pref
	})
	var hosts []string
	for _, mx := range mxl {
		hosts = append(hosts, strings.TrimSuffix(strings.ToLower(mx.Host), "."))
	}
	return hosts, nil
}

func (d *Direct) lookupIPs(ctx context.Context, host string) ([]net.IP, error) {
	network := "ip"
	if d.DisableIPv6 {
		network = "ip4"
	}
	ips, _, err := d.Resolver.LookupIP(ctx, network, host+".")
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, &Error{Permanent: true, Host: host, Err: fmt.Errorf("host does not exist: %v", err)}
		}
		return nil, &Error{Host: host, Err: fmt.Errorf("looking up ip addresses: %v", err)}
	} else if len(ips) == 0 {
		return nil, &Error{Host: host, Err: errors.New("no ip addresses")}
	}
	return ips, nil
}
