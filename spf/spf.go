// Package spf implements Sender Policy Framework (SPF, RFC 7208) evaluation of
// the IP of a connecting mail server against the policy of the sender domain.
//
// Only the "all", "ip4" and "ip6" mechanisms can match. Mechanisms that need
// further DNS lookups ("a", "mx", "include", "ptr", "exists") never match, and
// "redirect" is not followed.
package spf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/smtp"
)

var (
	metricResult = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookmta_spf_result_total",
			Help: "SPF evaluation results.",
		},
		[]string{"result"},
	)
	metricCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookmta_spf_cache_total",
			Help: "SPF result cache lookups.",
		},
		[]string{"result"}, // hit, miss
	)
)

var (
	ErrName            = errors.New("spf: bad domain name")
	ErrNoRecord        = errors.New("spf: no txt record")
	ErrMultipleRecords = errors.New("spf: multiple spf txt records in dns")
	ErrDNS             = errors.New("spf: lookup of dns record")
	ErrRecordSyntax    = errors.New("spf: malformed spf txt record")
)

// Status is the result of an SPF verification.
type Status string

const (
	StatusNone      Status = "none"      // No domain to check, or no SPF record.
	StatusNeutral   Status = "neutral"   // Nothing is said about the IP, "?" qualifier, or no directive matched.
	StatusPass      Status = "pass"      // IP is authorized.
	StatusFail      Status = "fail"      // IP is explicitly not authorized, "-" qualifier.
	StatusSoftfail  Status = "softfail"  // IP is probably not authorized, "~" qualifier.
	StatusTemperror Status = "temperror" // DNS lookup failed, trying again later may succeed.
	StatusPermerror Status = "permerror" // Malformed or multiple records.
)

var timeNow = time.Now

// Args are the parameters for verifying a connection.
type Args struct {
	RemoteIP    net.IP
	MailFrom    smtp.Address // Zero for the null reverse-path, then the HELO domain is checked.
	HelloDomain dns.Domain
	Receiver    string // Hostname of this server, for the Received-SPF header.
}

// Lookup fetches the SPF record for domain. If no record exists, StatusNone is
// returned with ErrNoRecord. DNS failures result in StatusTemperror, and
// malformed or multiple records in StatusPermerror.
func Lookup(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, domain dns.Domain) (rstatus Status, rtxt string, rrecord *Record, rerr error) {
	log := mlog.New("spf", elog)
	start := timeNow()
	defer func() {
		log.Debugx("spf lookup result", rerr,
			slog.Any("domain", domain),
			slog.Any("status", rstatus),
			slog.String("record", rtxt),
			slog.Duration("duration", time.Since(start)))
	}()

	if domain.IsZero() {
		return StatusNone, "", nil, fmt.Errorf("%w: empty domain", ErrName)
	}
	host := domain.ASCII + "."

	txts, _, err := dns.WithPackage(resolver, "spf").LookupTXT(ctx, host)
	if dns.IsNotFound(err) {
		return StatusNone, "", nil, fmt.Errorf("%w for %s", ErrNoRecord, host)
	} else if err != nil {
		return StatusTemperror, "", nil, fmt.Errorf("%w: %s: %w", ErrDNS, host, err)
	}

	var record *Record
	var text string
	var syntaxErr error
	var n int
	for _, txt := range txts {
		r, isspf, err := ParseRecord(txt)
		if !isspf {
			continue
		}
		n++
		text = txt
		record = r
		syntaxErr = err
	}
	switch {
	case n == 0:
		return StatusNone, "", nil, fmt.Errorf("%w for %s", ErrNoRecord, host)
	case n > 1:
		return StatusPermerror, "", nil, ErrMultipleRecords
	case syntaxErr != nil:
		return StatusPermerror, text, nil, fmt.Errorf("%w: %s", ErrRecordSyntax, syntaxErr)
	}
	return StatusNone, text, record, nil
}

// Evaluate matches ip against the directives of record, left to right. The
// first matching directive determines the result. If nothing matches, the
// result is neutral and mechanism is "default".
func Evaluate(record *Record, ip net.IP) (status Status, mechanism string) {
	ip4 := ip.To4()
	for _, d := range record.Directives {
		var match bool
		switch d.Mechanism {
		case "all":
			match = true
		case "ip4":
			match = ip4 != nil && d.Net.Contains(ip4)
		case "ip6":
			match = ip4 == nil && d.Net.Contains(ip)
		}
		if match {
			return d.Status(), d.String()
		}
	}
	return StatusNeutral, "default"
}

type cacheKey struct {
	domain string
	ip     string
}

type cacheEntry struct {
	status    Status
	mechanism string
	problem   string
	expires   time.Time
}

// Checker verifies connections and caches results per domain and IP.
type Checker struct {
	Resolver dns.Resolver
	TTL      time.Duration

	sync.Mutex
	cache map[cacheKey]cacheEntry
}

// NewChecker returns a checker caching results for ttl.
func NewChecker(resolver dns.Resolver, ttl time.Duration) *Checker {
	return &Checker{Resolver: resolver, TTL: ttl, cache: map[cacheKey]cacheEntry{}}
}

// Verify evaluates the SPF policy for the MAIL FROM domain, or the HELO domain
// for the null reverse-path. The returned header is always usable, err
// describes why no definite result could be determined.
func (c *Checker) Verify(ctx context.Context, elog *slog.Logger, args Args) (received Received, rerr error) {
	log := mlog.New("spf", elog)

	received = Received{
		Result:       StatusNone,
		ClientIP:     args.RemoteIP,
		EnvelopeFrom: args.MailFrom.String(),
		Helo:         args.HelloDomain.ASCII,
		Receiver:     args.Receiver,
		Identity:     ReceivedMailFrom,
	}
	domain := args.MailFrom.Domain
	if args.MailFrom.IsZero() {
		received.EnvelopeFrom = "postmaster"
		if !args.HelloDomain.IsZero() {
			received.EnvelopeFrom += "@" + args.HelloDomain.ASCII
		}
		received.Identity = ReceivedHELO
		domain = args.HelloDomain
	}
	defer func() {
		metricResult.WithLabelValues(string(received.Result)).Inc()
		log.Debugx("spf verify result", rerr,
			slog.Any("domain", domain),
			slog.Any("ip", args.RemoteIP),
			slog.Any("status", received.Result),
			slog.String("mechanism", received.Mechanism))
	}()

	if domain.IsZero() {
		received.Comment = "no domain to check"
		return received, nil
	}

	key := cacheKey{domain.ASCII, args.RemoteIP.String()}
	now := timeNow()
	c.Lock()
	e, ok := c.cache[key]
	c.Unlock()
	if ok && now.Before(e.expires) {
		metricCache.WithLabelValues("hit").Inc()
		received.Result = e.status
		received.Mechanism = e.mechanism
		received.Problem = e.problem
		received.Comment = comment(args.Receiver, domain, args.RemoteIP, e.status)
		return received, nil
	}
	metricCache.WithLabelValues("miss").Inc()

	status, _, record, err := Lookup(ctx, elog, c.Resolver, domain)
	var mechanism string
	if err == nil {
		status, mechanism = Evaluate(record, args.RemoteIP)
	} else if status == StatusNone {
		err = nil
	}
	received.Result = status
	received.Mechanism = mechanism
	received.Comment = comment(args.Receiver, domain, args.RemoteIP, status)
	if err != nil {
		received.Problem = err.Error()
	}

	// Temporary errors are not cached, the next attempt may succeed.
	if status != StatusTemperror {
		c.Lock()
		c.cleanup(now)
		c.cache[key] = cacheEntry{status, mechanism, received.Problem, now.Add(c.TTL)}
		c.Unlock()
	}
	return received, err
}

// cleanup removes expired entries when the cache has grown. Must be called with
// lock held.
func (c *Checker) cleanup(now time.Time) {
	if c.cache == nil {
		c.cache = map[cacheKey]cacheEntry{}
	}
	if len(c.cache) < 10000 {
		return
	}
	for k, e := range c.cache {
		if !now.Before(e.expires) {
			delete(c.cache, k)
		}
	}
}

func comment(receiver string, domain dns.Domain, ip net.IP, status Status) string {
	switch status {
	case StatusPass:
		return fmt.Sprintf("%s: domain of %s designates %s as permitted sender", receiver, domain.ASCII, ip)
	case StatusFail, StatusSoftfail:
		return fmt.Sprintf("%s: domain of %s does not designate %s as permitted sender", receiver, domain.ASCII, ip)
	case StatusNeutral:
		return fmt.Sprintf("%s: %s is neither permitted nor denied by domain of %s", receiver, ip, domain.ASCII)
	case StatusNone:
		return fmt.Sprintf("%s: domain of %s does not publish an spf policy", receiver, domain.ASCII)
	}
	return fmt.Sprintf("%s: error evaluating spf policy of %s", receiver, domain.ASCII)
}
