package dns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/mjl-/adns"
)

// NameserverResolver sends queries directly to explicitly configured
// nameservers, instead of through the system resolver configuration. Errors are
// returned as *adns.DNSError, so IsNotFound and IsTemporary work as with
// StrictResolver.
type NameserverResolver struct {
	Pkg         string
	Nameservers []string // host:port
	Timeout     time.Duration
	Retries     int
	Log         *slog.Logger

	client *mdns.Client
}

var _ Resolver = (*NameserverResolver)(nil)

// NewNameserverResolver returns a resolver querying nameservers. If none are
// given, the nameservers from /etc/resolv.conf are used.
func NewNameserverResolver(nameservers []string, timeout time.Duration, log *slog.Logger) (*NameserverResolver, error) {
	if len(nameservers) == 0 {
		cc, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("reading resolv.conf: %v", err)
		}
		for _, s := range cc.Servers {
			nameservers = append(nameservers, net.JoinHostPort(s, cc.Port))
		}
	}
	var l []string
	for _, s := range nameservers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		l = append(l, s)
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &NameserverResolver{
		Nameservers: l,
		Timeout:     timeout,
		Retries:     1,
		Log:         log,
		client:      &mdns.Client{Timeout: timeout},
	}, nil
}

func (r *NameserverResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, adns.Result, error) {
	if !strings.HasSuffix(name, ".") {
		return nil, adns.Result{}, ErrRelativeDNSName
	}

	m := new(mdns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true
	m.SetEdns0(1232, true)

	client := r.client
	if client == nil {
		client = &mdns.Client{Timeout: r.Timeout}
	}

	var lastErr error
	for i := 0; i <= r.Retries; i++ {
		for _, server := range r.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, adns.Result{}, err
			}

			resp, _, err := client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = &adns.DNSError{Err: err.Error(), Name: name, Server: server, IsTimeout: isTimeout(err), IsTemporary: true}
				continue
			}
			result := adns.Result{Authentic: resp.AuthenticatedData}
			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, result, nil
			case mdns.RcodeNameError:
				return nil, result, &adns.DNSError{Err: "no such host", Name: name, Server: server, IsNotFound: true}
			default:
				lastErr = &adns.DNSError{Err: "server response: " + mdns.RcodeToString[resp.Rcode], Name: name, Server: server, IsTemporary: true}
			}
		}
	}
	if lastErr == nil {
		lastErr = &adns.DNSError{Err: "no nameservers", Name: name, IsTemporary: true}
	}
	return nil, adns.Result{}, lastErr
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func notFound(name string) error {
	return &adns.DNSError{Err: "no record", Name: name, IsNotFound: true}
}

func (r *NameserverResolver) LookupTXT(ctx context.Context, name string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "txt", err, start)
		pkgLog(r.Pkg, r.Log).WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "txt"),
			slog.String("name", name),
			slog.Any("resp", resp),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	msg, result, err := r.query(ctx, name, mdns.TypeTXT)
	if err != nil {
		return nil, result, err
	}
	for _, rr := range msg.Answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			resp = append(resp, strings.Join(txt.Txt, ""))
		}
	}
	if len(resp) == 0 {
		return nil, result, notFound(name)
	}
	return resp, result, nil
}

func (r *NameserverResolver) LookupMX(ctx context.Context, name string) (resp []*net.MX, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "mx", err, start)
		pkgLog(r.Pkg, r.Log).WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "mx"),
			slog.String("name", name),
			slog.Any("resp", resp),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	msg, result, err := r.query(ctx, name, mdns.TypeMX)
	if err != nil {
		return nil, result, err
	}
	for _, rr := range msg.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			resp = append(resp, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	if len(resp) == 0 {
		return nil, result, notFound(name)
	}
	return resp, result, nil
}

func (r *NameserverResolver) LookupIP(ctx context.Context, network, host string) (resp []net.IP, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "ip", err, start)
		pkgLog(r.Pkg, r.Log).WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "ip"),
			slog.String("network", network),
			slog.String("host", host),
			slog.Any("resp", resp),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	var qtypes []uint16
	switch network {
	case "ip":
		qtypes = []uint16{mdns.TypeA, mdns.TypeAAAA}
	case "ip4":
		qtypes = []uint16{mdns.TypeA}
	case "ip6":
		qtypes = []uint16{mdns.TypeAAAA}
	default:
		return nil, result, fmt.Errorf("dns: unknown network %q", network)
	}

	result.Authentic = true
	var lastErr error
	for _, qt := range qtypes {
		msg, res, err := r.query(ctx, host, qt)
		if err != nil {
			if !IsNotFound(err) {
				lastErr = err
			}
			continue
		}
		result.Authentic = result.Authentic && res.Authentic
		for _, rr := range msg.Answer {
			switch a := rr.(type) {
			case *mdns.A:
				resp = append(resp, a.A)
			case *mdns.AAAA:
				resp = append(resp, a.AAAA)
			}
		}
	}
	if len(resp) == 0 {
		result.Authentic = false
		if lastErr != nil {
			return nil, result, lastErr
		}
		return nil, result, notFound(host)
	}
	return resp, result, nil
}
