package dns

import (
	"context"
	"net"

	"golang.org/x/exp/slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to values.
type MockResolver struct {
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX
	Fail []string // Records of the form "type name", e.g. "txt example.com." that will return a servfail.
}

var _ Resolver = MockResolver{}

func (r MockResolver) check(ctx context.Context, typ, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if slices.Contains(r.Fail, typ+" "+name) {
		return &adns.DNSError{Err: "temp error", Name: name, Server: "mock", IsTemporary: true}
	}
	return nil
}

func (r MockResolver) nxdomain(name string) error {
	return &adns.DNSError{Err: "no record", Name: name, Server: "mock", IsNotFound: true}
}

func (r MockResolver) LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error) {
	if err := r.check(ctx, "txt", name); err != nil {
		return nil, adns.Result{}, err
	}
	l, ok := r.TXT[name]
	if !ok {
		return nil, adns.Result{}, r.nxdomain(name)
	}
	return l, adns.Result{}, nil
}

func (r MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	if err := r.check(ctx, "mx", name); err != nil {
		return nil, adns.Result{}, err
	}
	l, ok := r.MX[name]
	if !ok {
		return nil, adns.Result{}, r.nxdomain(name)
	}
	return l, adns.Result{}, nil
}

func (r MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	if err := r.check(ctx, "ip", host); err != nil {
		return nil, adns.Result{}, err
	}
	var ips []net.IP
	if network == "ip" || network == "ip4" {
		for _, s := range r.A[host] {
			ips = append(ips, net.ParseIP(s))
		}
	}
	if network == "ip" || network == "ip6" {
		for _, s := range r.AAAA[host] {
			ips = append(ips, net.ParseIP(s))
		}
	}
	if len(ips) == 0 {
		return nil, adns.Result{}, r.nxdomain(host)
	}
	return ips, adns.Result{}, nil
}
