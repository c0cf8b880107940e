package spf

import (
	"context"
	"errors"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/smtp"
)

var pkglog = mlog.New("spf", nil)

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func xparse(t *testing.T, s string) *Record {
	t.Helper()
	r, isspf, err := ParseRecord(s)
	if err != nil || !isspf {
		t.Fatalf("parsing %q: isspf %v, err %v", s, isspf, err)
	}
	return r
}

func TestParseRecord(t *testing.T) {
	bad := func(s string) {
		t.Helper()
		_, isspf, err := ParseRecord(s)
		if !isspf || err == nil {
			t.Fatalf("parsing %q: got isspf %v, err %v, expected syntax error", s, isspf, err)
		}
	}

	for _, s := range []string{"", "v=spf10", "spf1 -all", "v=DKIM1; p=abc"} {
		if _, isspf, _ := ParseRecord(s); isspf {
			t.Fatalf("%q recognized as spf record", s)
		}
	}

	r := xparse(t, "V=SPF1  ip4:203.0.113.0/24 IP6:2001:db8::/32 a mx/24//64 include:_spf.example.net ~ptr ?exists:%{i}.bl.example redirect=_spf.example.com exp=explain.example.com foo=bar -all")
	var l []string
	for _, d := range r.Directives {
		l = append(l, d.String())
	}
	tcompare(t, l, []string{"ip4:203.0.113.0/24", "ip6:2001:db8::/32", "a", "mx/24//64", "include:_spf.example.net", "~ptr", "?exists:%{i}.bl.example", "-all"})
	tcompare(t, r.Redirect, "_spf.example.com")
	tcompare(t, r.Explanation, "explain.example.com")
	tcompare(t, r.Other, []Modifier{{"foo", "bar"}})
	tcompare(t, r.Directives[1].Net.String(), "2001:db8::/32")

	// Host bits are masked off.
	r = xparse(t, "v=spf1 ip4:192.0.2.77/24")
	tcompare(t, r.Directives[0].Net.String(), "192.0.2.0/24")
	r = xparse(t, "v=spf1 ip4:192.0.2.77")
	tcompare(t, r.Directives[0].Net.String(), "192.0.2.77/32")
	r = xparse(t, "v=spf1")
	tcompare(t, len(r.Directives), 0)

	bad("v=spf1 ip4:192.0.2.1/33")
	bad("v=spf1 ip4:2001:db8::1")
	bad("v=spf1 ip6:192.0.2.1")
	bad("v=spf1 ip6:2001:db8::/129")
	bad("v=spf1 ip4")
	bad("v=spf1 ip4:300.0.0.1")
	bad("v=spf1 include")
	bad("v=spf1 include:")
	bad("v=spf1 all:x")
	bad("v=spf1 +")
	bad("v=spf1 bogus")
	bad("v=spf1 a/024")
	bad("v=spf1 redirect=a.example redirect=b.example")
	bad("v=spf1 redirect=")
	bad("v=spf1 1x=y")
}

func TestEvaluate(t *testing.T) {
	test := func(record, ip string, expStatus Status, expMechanism string) {
		t.Helper()
		status, mechanism := Evaluate(xparse(t, record), net.ParseIP(ip))
		if status != expStatus || mechanism != expMechanism {
			t.Fatalf("evaluate %q for %s: got %s %q, expected %s %q", record, ip, status, mechanism, expStatus, expMechanism)
		}
	}

	const rec = "v=spf1 ip4:203.0.113.0/24 -all"
	test(rec, "203.0.113.5", StatusPass, "ip4:203.0.113.0/24")
	test(rec, "8.8.8.8", StatusFail, "-all")
	test(rec, "2001:db8::1", StatusFail, "-all")

	test("v=spf1 ?ip4:192.0.2.0/24 ~all", "192.0.2.1", StatusNeutral, "?ip4:192.0.2.0/24")
	test("v=spf1 ip4:192.0.2.0/24 ~all", "192.0.3.1", StatusSoftfail, "~all")
	test("v=spf1 ip4:192.0.2.0/24 ?all", "192.0.3.1", StatusNeutral, "?all")
	test("v=spf1 +all", "192.0.3.1", StatusPass, "+all")
	test("v=spf1 ip6:2001:db8::/32 -all", "2001:db8:1::1", StatusPass, "ip6:2001:db8::/32")
	test("v=spf1 ip6:2001:db8::/32 -all", "2001:db9::1", StatusFail, "-all")
	test("v=spf1 ip6:::ffff:0:0/96", "192.0.2.1", StatusNeutral, "default")

	// Mechanisms requiring further lookups never match.
	test("v=spf1 a mx include:example.net ptr exists:x.example", "192.0.2.1", StatusNeutral, "default")
	test("v=spf1 include:example.net -all", "192.0.2.1", StatusFail, "-all")
	test("v=spf1 redirect=example.net", "192.0.2.1", StatusNeutral, "default")
}

func TestVerify(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.com.":       {"v=spf1 ip4:203.0.113.0/24 -all", "google-site-verification=abc"},
			"multiple.example.":  {"v=spf1 -all", "v=spf1 +all"},
			"malformed.example.": {"v=spf1 ip4:bogus -all"},
			"badcidr.example.":   {"v=spf1 ip4:192.0.2.1/33 -all"},
			"multibad.example.":  {"v=spf1 ip4:192.0.2.1/33 -all", "v=spf1 -all"},
			"helo.example.":      {"v=spf1 ip4:198.51.100.0/24 -all"},
			"nospf.example.":     {"hello"},
		},
		Fail: []string{"txt servfail.example."},
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	c := NewChecker(resolver, time.Hour)
	ctx := context.Background()

	verify := func(from, helo, ip string, expStatus Status, expErr error) Received {
		t.Helper()
		args := Args{RemoteIP: net.ParseIP(ip), Receiver: "mx.example.org"}
		if from != "" {
			a, err := smtp.ParseAddress(from)
			if err != nil {
				t.Fatalf("parse address: %v", err)
			}
			args.MailFrom = a
		}
		if helo != "" {
			d, err := dns.ParseDomain(helo)
			if err != nil {
				t.Fatalf("parse domain: %v", err)
			}
			args.HelloDomain = d
		}
		rcv, err := c.Verify(ctx, pkglog.Logger, args)
		if (expErr == nil) != (err == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("verify %s %s: got err %v, expected %v", from, ip, err, expErr)
		}
		if rcv.Result != expStatus {
			t.Fatalf("verify %s %s: got status %s, expected %s", from, ip, rcv.Result, expStatus)
		}
		return rcv
	}

	rcv := verify("bob@example.com", "mail.example.com", "203.0.113.5", StatusPass, nil)
	tcompare(t, rcv.Identity, ReceivedMailFrom)
	tcompare(t, rcv.Mechanism, "ip4:203.0.113.0/24")
	verify("bob@example.com", "", "8.8.8.8", StatusFail, nil)
	verify("bob@nospf.example", "", "8.8.8.8", StatusNone, nil)
	verify("bob@unknown.example", "", "8.8.8.8", StatusNone, nil)
	verify("bob@multiple.example", "", "8.8.8.8", StatusPermerror, ErrMultipleRecords)
	verify("bob@malformed.example", "", "8.8.8.8", StatusPermerror, ErrRecordSyntax)
	verify("bob@badcidr.example", "", "192.0.2.1", StatusPermerror, ErrRecordSyntax)
	verify("bob@multibad.example", "", "8.8.8.8", StatusPermerror, ErrMultipleRecords)
	verify("bob@servfail.example", "", "8.8.8.8", StatusTemperror, ErrDNS)

	rcv = verify("", "helo.example", "198.51.100.1", StatusPass, nil)
	tcompare(t, rcv.Identity, ReceivedHELO)
	tcompare(t, rcv.EnvelopeFrom, "postmaster@helo.example")
	verify("", "", "198.51.100.1", StatusNone, nil)

	// Results are cached, also when the policy changes in DNS.
	resolver.TXT["example.com."] = []string{"v=spf1 +all"}
	verify("bob@example.com", "", "8.8.8.8", StatusFail, nil)
	now = now.Add(time.Hour)
	verify("bob@example.com", "", "8.8.8.8", StatusPass, nil)

	// Temporary errors are not cached.
	resolver.Fail = nil
	c.Resolver = resolver
	verify("bob@servfail.example", "", "8.8.8.8", StatusNone, nil)
}

func TestReceived(t *testing.T) {
	r := Received{
		Result:       StatusPass,
		Comment:      "c",
		ClientIP:     net.ParseIP("0.0.0.0"),
		EnvelopeFrom: "x@x",
		Helo:         "y",
		Problem:      `a b"\`,
		Receiver:     "z",
		Mechanism:    "+ip4:0.0.0.0/0",
		Identity:     ReceivedMailFrom,
	}
	s := "Received-SPF: pass (c) client-ip=0.0.0.0; envelope-from=\"x@x\"; helo=y;\r\n\tproblem=\"a b\\\"\\\\\"; mechanism=\"+ip4:0.0.0.0/0\"; receiver=z; identity=mailfrom\r\n"
	tcompare(t, r.Header(), s)

	if h := (Received{Result: StatusNone, Receiver: "z", Identity: ReceivedHELO}).Header(); !strings.HasPrefix(h, "Received-SPF: none envelope-from=\"\"; receiver=z;") {
		t.Fatalf("unexpected header %q", h)
	}
}
