package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/hookmta/dkim"
	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/maildir"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/queue"
	"github.com/mjl-/hookmta/ratelimit"
	"github.com/mjl-/hookmta/smtp"
	"github.com/mjl-/hookmta/spf"
	"github.com/mjl-/hookmta/store"
)

var ctxbg = context.Background()
var pkglog = mlog.New("policy", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func xaddr(s string) smtp.Address {
	a, err := smtp.ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func xdomain(s string) dns.Domain {
	d, err := dns.ParseDomain(s)
	if err != nil {
		panic(err)
	}
	return d
}

func xnet(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

const password = "test1234"

type fakeSPF struct {
	status spf.Status
	calls  int
}

func (f *fakeSPF) Verify(ctx context.Context, elog *slog.Logger, args spf.Args) (spf.Received, error) {
	f.calls++
	var err error
	if f.status == spf.StatusTemperror {
		err = spf.ErrDNS
	}
	return spf.Received{
		Result:       f.status,
		ClientIP:     args.RemoteIP,
		EnvelopeFrom: args.MailFrom.String(),
		Receiver:     args.Receiver,
		Identity:     spf.ReceivedMailFrom,
	}, err
}

type fakeDKIM struct {
	nokey bool
}

func (f fakeDKIM) Sign(ctx context.Context, elog *slog.Logger, domain dns.Domain, msg []byte) (string, error) {
	if f.nokey {
		return "", fmt.Errorf("%w: test", dkim.ErrNoKey)
	}
	return "DKIM-Signature: v=1; d=" + domain.ASCII + "\r\n", nil
}

type fakeQueue struct {
	err  error
	msgs []queue.Msg
}

func (f *fakeQueue) Add(ctx context.Context, log mlog.Log, m queue.Msg) (queue.Msg, error) {
	if f.err != nil {
		return queue.Msg{}, f.err
	}
	m.ID = fmt.Sprintf("q%d", len(f.msgs)+1)
	f.msgs = append(f.msgs, m)
	return m, nil
}

type fakeLocal struct {
	fail     bool
	messages []maildir.Message
	rcpts    [][]maildir.Recipient
}

func (f *fakeLocal) Deliver(ctx context.Context, elog *slog.Logger, m maildir.Message, rcpts []maildir.Recipient) []maildir.Result {
	f.messages = append(f.messages, m)
	f.rcpts = append(f.rcpts, rcpts)
	var l []maildir.Result
	for _, r := range rcpts {
		var err error
		if f.fail {
			err = errors.New("disk full")
		}
		l = append(l, maildir.Result{Recipient: r.Address, Err: err})
	}
	return l
}

// failingDirectory fails all domain lookups.
type failingDirectory struct {
	*store.Directory
}

func (failingDirectory) Domain(ctx context.Context, domain dns.Domain) (store.Domain, error) {
	return store.Domain{}, errors.New("database unavailable")
}

type testEnv struct {
	dir   *store.Directory
	c     *Controller
	spf   *fakeSPF
	queue *fakeQueue
	local *fakeLocal
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = time.Now })

	dir, err := store.Open(ctxbg, pkglog, filepath.Join(t.TempDir(), "directory.db"))
	tcheck(t, err, "open directory")
	t.Cleanup(func() {
		err := dir.Close()
		tcheck(t, err, "close directory")
	})

	domains := []store.Domain{
		{Name: "example.com", Status: store.StatusVerified, Organization: "acme"},
		{Name: "example.org", Status: store.StatusActive, Organization: "acme"},
		{Name: "pending.example", Status: store.StatusPending},
		{Name: "failed.example", Status: store.StatusFailed},
		{Name: "other-org.net", Status: store.StatusActive},
	}
	for _, d := range domains {
		err := dir.AddDomain(ctxbg, d)
		tcheck(t, err, "add domain")
	}
	users := []struct {
		addr  string
		quota string
	}{
		{"bob@example.com", ""},
		{"carol@example.com", "1MB"},
		{"dave@example.com", "unlimited"},
		{"info@example.org", ""},
		{"info@pending.example", ""},
		{"info@failed.example", ""},
	}
	for _, u := range users {
		err := dir.AddUser(ctxbg, xaddr(u.addr), password, u.quota, "")
		tcheck(t, err, "add user")
	}
	err = dir.SetUserEnabled(ctxbg, xaddr("dave@example.com"), false)
	tcheck(t, err, "disable user")

	env := &testEnv{
		dir:   dir,
		spf:   &fakeSPF{status: spf.StatusPass},
		queue: &fakeQueue{},
		local: &fakeLocal{},
	}
	env.c = &Controller{
		Directory:   dir,
		SPF:         env.spf,
		DKIM:        fakeDKIM{},
		Queue:       env.queue,
		Local:       env.local,
		Hostname:    xdomain("mx.example.com"),
		TrustedNets: []*net.IPNet{xnet("127.0.0.0/8"), xnet("10.0.0.0/8")},
	}
	return env
}

func (env *testEnv) session(ip string, conn Conn) *Session {
	conn.RemoteIP = net.ParseIP(ip)
	return env.c.NewSession(1, conn)
}

func (env *testEnv) authSession(t *testing.T, user string) *Session {
	t.Helper()
	s := env.session("203.0.113.10", Conn{Submission: true, Secure: true})
	_, more, o := s.AuthStart(ctxbg, "PLAIN", []byte("\x00"+user+"\x00"+password))
	if more || !o.OK() {
		t.Fatalf("authenticating %s: more %v, outcome %s", user, more, o)
	}
	return s
}

func tkind(t *testing.T, o Outcome, kind Kind, code int, secode string) {
	t.Helper()
	if o.Kind != kind || o.Code != code || o.Secode != secode {
		t.Fatalf("got outcome %s (%s), expected %s %d %s", o, o.Kind, kind, code, secode)
	}
}

func TestAuthMechanisms(t *testing.T) {
	env := setup(t)

	s := env.session("203.0.113.10", Conn{Secure: true})
	tcompare(t, s.AuthMechanisms(), []string{"PLAIN", "LOGIN"})

	s = env.session("203.0.113.10", Conn{})
	tcompare(t, s.AuthMechanisms(), []string(nil))

	s = env.session("203.0.113.10", Conn{NoRequireTLSForAuth: true})
	tcompare(t, s.AuthMechanisms(), []string{"PLAIN", "LOGIN"})

	s = env.session("127.0.0.1", Conn{})
	tcompare(t, s.AuthMechanisms(), []string{"PLAIN", "LOGIN"})

	// Not over plain text.
	s = env.session("203.0.113.10", Conn{})
	_, _, o := s.AuthStart(ctxbg, "PLAIN", []byte("\x00bob@example.com\x00"+password))
	tkind(t, o, RejectPermanent, smtp.C538EncReqForAuth, smtp.SePol7EncNeeded10)

	s = env.authSession(t, "bob@example.com")
	tcompare(t, s.AuthMechanisms(), []string(nil))
	_, _, o = s.AuthStart(ctxbg, "PLAIN", nil)
	tkind(t, o, RejectPermanent, smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1)
}

func TestAuthPlain(t *testing.T) {
	env := setup(t)

	s := env.session("203.0.113.10", Conn{Secure: true})
	_, more, o := s.AuthStart(ctxbg, "plain", []byte("\x00Bob@Example.com\x00"+password))
	tcompare(t, more, false)
	tkind(t, o, Continue, smtp.C235AuthSuccess, smtp.SePol7Other0)
	tcompare(t, s.Authenticated, true)
	tcompare(t, s.Identity.User.Email, "bob@example.com")
	tcompare(t, s.Identity.QuotaUnlimited, true)
	tcompare(t, s.auth, authState{})

	u, err := env.dir.User(ctxbg, xaddr("bob@example.com"))
	tcheck(t, err, "get user")
	tcompare(t, u.LastLogin.IsZero(), false)

	test := func(creds string, code int, secode string) {
		t.Helper()
		s := env.session("203.0.113.10", Conn{Secure: true})
		_, more, o := s.AuthStart(ctxbg, "PLAIN", []byte(creds))
		tcompare(t, more, false)
		tkind(t, o, RejectPermanent, code, secode)
		tcompare(t, s.Authenticated, false)
		tcompare(t, s.Identity == nil, true)
	}
	test("\x00bob@example.com\x00wrong", smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8)
	test("\x00nobody@example.com\x00"+password, smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8)
	test("\x00dave@example.com\x00"+password, smtp.C535AuthBadCreds, smtp.SePol7AccountDisabled)
	test("\x00not an address\x00"+password, smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8)
	test("bob@example.com\x00"+password, smtp.C501BadParamSyntax, smtp.SeProto5Syntax2)
	test("carol@example.com\x00bob@example.com\x00"+password, smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8)

	_, _, o = env.session("203.0.113.10", Conn{Secure: true}).AuthStart(ctxbg, "CRAM-MD5", nil)
	tkind(t, o, RejectPermanent, smtp.C504ParamNotImpl, smtp.SeProto5BadParams4)
}

func TestAuthPlainChallenge(t *testing.T) {
	env := setup(t)

	s := env.session("203.0.113.10", Conn{Secure: true})
	challenge, more, _ := s.AuthStart(ctxbg, "PLAIN", nil)
	tcompare(t, more, true)
	tcompare(t, challenge, []byte{})
	tcompare(t, s.auth.step, 1)

	_, more, o := s.AuthContinue(ctxbg, []byte("\x00carol@example.com\x00"+password))
	tcompare(t, more, false)
	tcompare(t, o.OK(), true)
	tcompare(t, s.Identity.QuotaLimit, int64(1<<20))
	tcompare(t, s.Identity.QuotaUnlimited, false)
}

func TestAuthLogin(t *testing.T) {
	env := setup(t)

	s := env.session("203.0.113.10", Conn{Secure: true})
	challenge, more, _ := s.AuthStart(ctxbg, "LOGIN", nil)
	tcompare(t, more, true)
	tcompare(t, string(challenge), "Username:")
	tcompare(t, s.auth.step, 1)

	challenge, more, _ = s.AuthContinue(ctxbg, []byte("bob@example.com"))
	tcompare(t, more, true)
	tcompare(t, string(challenge), "Password:")
	tcompare(t, s.auth.step, 2)

	_, more, o := s.AuthContinue(ctxbg, []byte(password))
	tcompare(t, more, false)
	tkind(t, o, Continue, smtp.C235AuthSuccess, smtp.SePol7Other0)
	tcompare(t, s.Authenticated, true)
	tcompare(t, s.auth.step, 0)

	// Username as initial response.
	s = env.session("203.0.113.10", Conn{Secure: true})
	challenge, more, _ = s.AuthStart(ctxbg, "LOGIN", []byte("bob@example.com"))
	tcompare(t, more, true)
	tcompare(t, string(challenge), "Password:")
	_, _, o = s.AuthContinue(ctxbg, []byte("bad"))
	tkind(t, o, RejectPermanent, smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8)
	tcompare(t, s.Authenticated, false)
}

func TestAuthOutOfSequence(t *testing.T) {
	env := setup(t)

	// A password without a preceding username.
	s := env.session("203.0.113.10", Conn{Secure: true})
	_, more, o := s.AuthContinue(ctxbg, []byte(password))
	tcompare(t, more, false)
	tkind(t, o, RejectPermanent, smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1)
	tcompare(t, s.Authenticated, false)

	// Another response after a finished exchange.
	s = env.session("203.0.113.10", Conn{Secure: true})
	_, _, o = s.AuthStart(ctxbg, "PLAIN", []byte("\x00bob@example.com\x00wrong"))
	tcompare(t, o.OK(), false)
	_, _, o = s.AuthContinue(ctxbg, []byte(password))
	tkind(t, o, RejectPermanent, smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1)
	tcompare(t, s.Authenticated, false)

	// Through the sasl.Server.
	s = env.session("203.0.113.10", Conn{Secure: true})
	srv := s.SASLServer(ctxbg, "LOGIN")
	challenge, done, err := srv.Next(nil)
	tcheck(t, err, "start")
	tcompare(t, done, false)
	tcompare(t, string(challenge), "Username:")
	_, done, err = srv.Next([]byte("bob@example.com"))
	tcheck(t, err, "username")
	tcompare(t, done, false)
	_, done, err = srv.Next([]byte(password))
	tcheck(t, err, "password")
	tcompare(t, done, true)
	tcompare(t, s.Authenticated, true)
	_, _, err = srv.Next(nil)
	if !errors.Is(err, ErrAuthAborted) {
		t.Fatalf("got err %v, expected ErrAuthAborted", err)
	}

	srv = env.session("203.0.113.10", Conn{Secure: true}).SASLServer(ctxbg, "PLAIN")
	_, done, err = srv.Next([]byte("\x00bob@example.com\x00wrong"))
	tcompare(t, done, true)
	var oerr *OutcomeError
	if !errors.As(err, &oerr) || oerr.Outcome.Code != smtp.C535AuthBadCreds {
		t.Fatalf("got err %v, expected outcome error with code 535", err)
	}
}

func TestAuthRateLimit(t *testing.T) {
	env := setup(t)
	env.c.AuthFailures = ratelimit.NewAuthFailures(2)

	for i := 0; i < 2; i++ {
		s := env.session("203.0.113.10", Conn{Secure: true})
		_, _, o := s.AuthStart(ctxbg, "PLAIN", []byte("\x00bob@example.com\x00wrong"))
		tkind(t, o, RejectPermanent, smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8)
	}

	// Even with the right password.
	s := env.session("203.0.113.10", Conn{Secure: true})
	_, _, o := s.AuthStart(ctxbg, "PLAIN", []byte("\x00bob@example.com\x00"+password))
	tkind(t, o, RejectTemporary, smtp.C454TempAuthFail, smtp.SePol7Other0)
	tcompare(t, s.Authenticated, false)

	// Other addresses are not affected.
	s = env.session("198.51.100.1", Conn{Secure: true})
	_, _, o = s.AuthStart(ctxbg, "PLAIN", []byte("\x00bob@example.com\x00"+password))
	tcompare(t, o.OK(), true)
}

func TestSubmissionRequiresAuth(t *testing.T) {
	env := setup(t)

	s := env.session("203.0.113.10", Conn{Submission: true, Secure: true})
	o := s.Mail(ctxbg, xaddr("bob@example.com"))
	tkind(t, o, RejectPermanent, smtp.C530SecurityRequired, smtp.SePol7AuthRequired)
	tcompare(t, s.Tx == nil, true)
	o = s.Rcpt(ctxbg, xaddr("bob@example.com"))
	tkind(t, o, RejectPermanent, smtp.C530SecurityRequired, smtp.SePol7AuthRequired)

	// Local host bypasses authentication.
	s = env.session("127.0.0.1", Conn{Submission: true})
	o = s.Mail(ctxbg, xaddr("cron@localhost.example"))
	tcompare(t, o.OK(), true)
	o = s.Rcpt(ctxbg, xaddr("alice@other.org"))
	tcompare(t, o.OK(), true)
	tcompare(t, s.Tx.Rcpts[0].Class, ClassRelay)
	tcompare(t, env.spf.calls, 0)

	s = env.authSession(t, "bob@example.com")
	o = s.Mail(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
}

func TestRouting(t *testing.T) {
	env := setup(t)

	s := env.session("203.0.113.10", Conn{})
	s.SetHello("mail.sender.example")
	o := s.Rcpt(ctxbg, xaddr("bob@example.com"))
	tkind(t, o, RejectPermanent, smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1)

	o = s.Mail(ctxbg, xaddr("alice@sender.example"))
	tcompare(t, o.OK(), true)
	tcompare(t, env.spf.calls, 1)

	// Local regardless of authentication, for all statuses except failed.
	for _, rcpt := range []string{"bob@example.com", "info@example.org", "info@pending.example"} {
		o := s.Rcpt(ctxbg, xaddr(rcpt))
		tkind(t, o, Continue, smtp.C250Completed, smtp.SeOther00)
	}
	tcompare(t, len(s.Tx.Rcpts), 3)
	for _, r := range s.Tx.Rcpts {
		tcompare(t, r.Class, ClassLocal)
		tcompare(t, r.User.Email, r.Address.Key())
	}

	// Duplicates are accepted once.
	o = s.Rcpt(ctxbg, xaddr("Bob@example.com"))
	tcompare(t, o.OK(), true)
	tcompare(t, len(s.Tx.Rcpts), 3)

	for _, rcpt := range []string{"alice@other.org", "info@failed.example", "x@unknown.example"} {
		o := s.Rcpt(ctxbg, xaddr(rcpt))
		tkind(t, o, RejectPermanent, smtp.C550MailboxUnavail, smtp.SePol7RelayNotAllowed)
		tcompare(t, o.Msg, "relay not permitted")
	}
	tcompare(t, len(s.Tx.Rcpts), 3)

	o = s.Rcpt(ctxbg, xaddr("nobody@example.com"))
	tkind(t, o, RejectPermanent, smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1)
	o = s.Rcpt(ctxbg, xaddr("dave@example.com"))
	tkind(t, o, RejectPermanent, smtp.C550MailboxUnavail, smtp.SeMailbox2Disabled1)
	tcompare(t, o.EnhancedCode(), "5.2.1")

	d, err := env.dir.Domain(ctxbg, xdomain("example.com"))
	tcheck(t, err, "get domain")
	tcompare(t, d.LastChecked.IsZero(), false)

	// Trusted network.
	s = env.session("10.1.2.3", Conn{})
	o = s.Mail(ctxbg, xaddr("app@internal.example"))
	tcompare(t, o.OK(), true)
	o = s.Rcpt(ctxbg, xaddr("alice@other.org"))
	tcompare(t, o.OK(), true)
	tcompare(t, s.Tx.Rcpts[0].Class, ClassRelay)

	// Authenticated.
	s = env.authSession(t, "bob@example.com")
	o = s.Mail(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
	o = s.Rcpt(ctxbg, xaddr("alice@other.org"))
	tcompare(t, o.OK(), true)
	o = s.Rcpt(ctxbg, xaddr("info@example.org"))
	tcompare(t, o.OK(), true)
	tcompare(t, s.Tx.Rcpts[0].Class, ClassRelay)
	tcompare(t, s.Tx.Rcpts[1].Class, ClassLocal)

	// Reset by a new transaction.
	o = s.Mail(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
	tcompare(t, len(s.Tx.Rcpts), 0)
}

func TestRoutingScenario(t *testing.T) {
	env := setup(t)

	s := env.session("198.51.100.20", Conn{})
	o := s.Mail(ctxbg, xaddr("someone@elsewhere.example"))
	tcompare(t, o.OK(), true)
	o = s.Rcpt(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
	tcompare(t, s.Tx.Rcpts[0].Class, ClassLocal)
	o = s.Rcpt(ctxbg, xaddr("alice@other.org"))
	tcompare(t, o.String(), "550 5.7.1 relay not permitted")
}

func TestRoutingDirectoryError(t *testing.T) {
	env := setup(t)
	env.c.Directory = failingDirectory{env.dir}

	s := env.session("203.0.113.10", Conn{})
	o := s.Mail(ctxbg, xaddr("alice@sender.example"))
	tcompare(t, o.OK(), true)
	o = s.Rcpt(ctxbg, xaddr("bob@example.com"))
	tkind(t, o, RejectTemporary, smtp.C451LocalErr, smtp.SeSys3Other0)
	o = s.Rcpt(ctxbg, xaddr("alice@other.org"))
	tcompare(t, o.Kind, RejectTemporary)
	tcompare(t, len(s.Tx.Rcpts), 0)

	// Sender validation too.
	env.c.Directory = env.dir
	s = env.authSession(t, "bob@example.com")
	env.c.Directory = failingDirectory{env.dir}
	o = s.Mail(ctxbg, xaddr("bob@example.org"))
	tcompare(t, o.Kind, RejectTemporary)
}

func TestSenderValidation(t *testing.T) {
	env := setup(t)
	s := env.authSession(t, "bob@example.com")

	test := func(from string, ok bool) {
		t.Helper()
		var addr smtp.Address
		if from != "" {
			addr = xaddr(from)
		}
		o := s.Mail(ctxbg, addr)
		if ok {
			tkind(t, o, Continue, smtp.C250Completed, smtp.SeOther00)
			tcompare(t, s.Tx.From, addr)
		} else {
			tkind(t, o, RejectPermanent, smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1)
			tcompare(t, o.Msg, "not authorized to send from domain")
			tcompare(t, s.Tx == nil, true)
		}
	}
	test("bob@example.com", true)
	test("sales@example.com", true)
	test("bob@example.org", true) // Same organization.
	test("", true)
	test("bob@other-org.net", false)
	test("bob@pending.example", false)
	test("bob@unknown.example", false)

	// Not evaluated for authenticated sessions.
	tcompare(t, env.spf.calls, 0)
}

func TestQuota(t *testing.T) {
	env := setup(t)

	s := env.authSession(t, "carol@example.com")
	o := s.Mail(ctxbg, xaddr("carol@example.com"))
	tcompare(t, o.OK(), true)

	err := env.dir.AddStats(ctxbg, xaddr("carol@example.com"), timeNow(), store.StatsDelta{MessagesSent: 3, BytesSent: 1200 * 1024})
	tcheck(t, err, "add stats")
	o = s.Mail(ctxbg, xaddr("carol@example.com"))
	tkind(t, o, RejectPermanent, smtp.C552MailboxFull, smtp.SeMailbox2Full2)
	tcompare(t, o.Msg, "quota exceeded")

	// A new day.
	now := timeNow().Add(24 * time.Hour)
	timeNow = func() time.Time { return now }
	o = s.Mail(ctxbg, xaddr("carol@example.com"))
	tcompare(t, o.OK(), true)

	// Unlimited.
	err = env.dir.AddStats(ctxbg, xaddr("bob@example.com"), timeNow(), store.StatsDelta{MessagesSent: 1000, BytesSent: 1 << 40})
	tcheck(t, err, "add stats")
	s = env.authSession(t, "bob@example.com")
	o = s.Mail(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
}

func TestSPF(t *testing.T) {
	env := setup(t)

	test := func(status spf.Status, reject bool, kind Kind, code int, secode string) {
		t.Helper()
		env.spf.status = status
		env.c.SPFRejectFail = reject
		s := env.session("203.0.113.10", Conn{})
		s.SetHello("mail.sender.example")
		o := s.Mail(ctxbg, xaddr("alice@sender.example"))
		tkind(t, o, kind, code, secode)
		if o.OK() {
			tcompare(t, s.Tx.SPF.Result, status)
		}
	}
	test(spf.StatusPass, true, Continue, smtp.C250Completed, smtp.SeOther00)
	test(spf.StatusNeutral, true, Continue, smtp.C250Completed, smtp.SeOther00)
	test(spf.StatusSoftfail, true, Continue, smtp.C250Completed, smtp.SeOther00)
	test(spf.StatusNone, true, Continue, smtp.C250Completed, smtp.SeOther00)
	test(spf.StatusPermerror, true, Continue, smtp.C250Completed, smtp.SeOther00)
	test(spf.StatusFail, false, Continue, smtp.C250Completed, smtp.SeOther00)
	test(spf.StatusFail, true, RejectPermanent, smtp.C550MailboxUnavail, smtp.SePol7SPFResultFail23)
	test(spf.StatusTemperror, false, RejectTemporary, smtp.C451LocalErr, smtp.SePol7SPFError24)

	env.spf.status = spf.StatusFail
	env.c.SPFRejectFail = true
	s := env.session("203.0.113.10", Conn{})
	o := s.Mail(ctxbg, xaddr("alice@sender.example"))
	tcompare(t, o.EnhancedCode(), "5.7.23")
}

const testMsg = "From: <bob@example.com>\nTo: <alice@other.org>\nSubject: test\n\nhi\n"

func TestDataMixed(t *testing.T) {
	env := setup(t)

	s := env.authSession(t, "bob@example.com")
	s.SetHello("laptop")
	o := s.Data(ctxbg, []byte(testMsg))
	tkind(t, o, RejectPermanent, smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1)

	o = s.Mail(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
	for _, rcpt := range []string{"alice@other.org", "info@example.org", "carl@other.org"} {
		o := s.Rcpt(ctxbg, xaddr(rcpt))
		tcompare(t, o.OK(), true)
	}
	o = s.Data(ctxbg, []byte(testMsg))
	tkind(t, o, Continue, smtp.C250Completed, smtp.SeOther00)
	tcompare(t, s.Tx == nil, true)

	tcompare(t, len(env.queue.msgs), 1)
	qm := env.queue.msgs[0]
	tcompare(t, qm.From, "bob@example.com")
	tcompare(t, qm.To, []string{"alice@other.org", "carl@other.org"})
	tcompare(t, qm.Authenticated, true)
	tcompare(t, qm.AuthIdentity, "bob@example.com")
	tcompare(t, qm.RemoteIP, "203.0.113.10")
	tcompare(t, string(qm.Body), "hi\r\n")
	if !strings.HasPrefix(qm.Header, "DKIM-Signature: v=1; d=example.com\r\nReceived: from laptop ([203.0.113.10]) by mx.example.com with ESMTPSA id") {
		t.Fatalf("unexpected header %q", qm.Header)
	}
	for _, h := range []string{"\r\nFrom: <bob@example.com>\r\n", "\r\nMessage-Id: <", "\r\nDate: 14 Mar 2026 12:00:00 +0000\r\n"} {
		if !strings.Contains(qm.Header, h) {
			t.Fatalf("header %q does not contain %q", qm.Header, h)
		}
	}
	if !strings.HasSuffix(qm.Header, "\r\n") || strings.HasSuffix(qm.Header, "\r\n\r\n") {
		t.Fatalf("bad header ending %q", qm.Header)
	}

	tcompare(t, len(env.local.messages), 1)
	lm := env.local.messages[0]
	tcompare(t, lm.MailFrom, xaddr("bob@example.com"))
	tcompare(t, lm.Protocol, "ESMTPSA")
	tcompare(t, lm.HelloName, "laptop")
	tcompare(t, len(env.local.rcpts[0]), 1)
	tcompare(t, env.local.rcpts[0][0].Address, xaddr("info@example.org"))
	tcompare(t, env.local.rcpts[0][0].User.Email, "info@example.org")
	if !strings.HasPrefix(string(lm.Data), "From: <bob@example.com>\r\n") || !strings.HasSuffix(string(lm.Data), "\r\n\r\nhi\r\n") {
		t.Fatalf("unexpected local message %q", lm.Data)
	}

	sent, err := env.dir.SentToday(ctxbg, xaddr("bob@example.com"), timeNow())
	tcheck(t, err, "sent today")
	if sent < int64(len(testMsg)) {
		t.Fatalf("sent %d bytes, expected at least %d", sent, len(testMsg))
	}
}

func TestDataUnauthenticated(t *testing.T) {
	env := setup(t)

	s := env.session("203.0.113.10", Conn{})
	s.SetHello("mail.sender.example")
	o := s.Mail(ctxbg, xaddr("alice@sender.example"))
	tcompare(t, o.OK(), true)
	o = s.Rcpt(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
	o = s.Data(ctxbg, []byte("Subject: no message-id\r\n\r\nbody\r\n"))
	tcompare(t, o.OK(), true)

	tcompare(t, len(env.queue.msgs), 0)
	tcompare(t, len(env.local.messages), 1)
	lm := env.local.messages[0]
	tcompare(t, lm.Protocol, "ESMTP")
	data := string(lm.Data)
	if !strings.HasPrefix(data, "Received-SPF: pass ") {
		t.Fatalf("missing received-spf header in %q", data)
	}
	if strings.Contains(data, "Message-Id:") || strings.Contains(data, "\r\nDate:") {
		t.Fatalf("headers added to unauthenticated message %q", data)
	}
}

func TestDataNoDKIMKey(t *testing.T) {
	env := setup(t)
	env.c.DKIM = fakeDKIM{nokey: true}

	s := env.authSession(t, "bob@example.com")
	o := s.Mail(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
	o = s.Rcpt(ctxbg, xaddr("alice@other.org"))
	tcompare(t, o.OK(), true)
	o = s.Data(ctxbg, []byte(testMsg))
	tcompare(t, o.OK(), true)
	tcompare(t, len(env.queue.msgs), 1)
	if !strings.HasPrefix(env.queue.msgs[0].Header, "Received: ") {
		t.Fatalf("unexpected header %q", env.queue.msgs[0].Header)
	}
}

func TestDataFailures(t *testing.T) {
	env := setup(t)

	// Queue failure, nothing delivered locally either.
	env.queue.err = errors.New("disk full")
	s := env.authSession(t, "bob@example.com")
	o := s.Mail(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
	s.Rcpt(ctxbg, xaddr("alice@other.org"))
	s.Rcpt(ctxbg, xaddr("info@example.org"))
	o = s.Data(ctxbg, []byte(testMsg))
	tkind(t, o, RejectTemporary, smtp.C451LocalErr, smtp.SeSys3Other0)
	tcompare(t, len(env.local.messages), 0)
	sent, err := env.dir.SentToday(ctxbg, xaddr("bob@example.com"), timeNow())
	tcheck(t, err, "sent today")
	tcompare(t, sent, int64(0))

	// Failed local delivery only.
	env.queue.err = nil
	env.local.fail = true
	o = s.Mail(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
	s.Rcpt(ctxbg, xaddr("info@example.org"))
	o = s.Data(ctxbg, []byte(testMsg))
	tkind(t, o, RejectTemporary, smtp.C451LocalErr, smtp.SeSys3Other0)

	// Failed local delivery, but queued for relay.
	o = s.Mail(ctxbg, xaddr("bob@example.com"))
	tcompare(t, o.OK(), true)
	s.Rcpt(ctxbg, xaddr("info@example.org"))
	s.Rcpt(ctxbg, xaddr("alice@other.org"))
	o = s.Data(ctxbg, []byte(testMsg))
	tcompare(t, o.OK(), true)
	tcompare(t, len(env.queue.msgs), 2)
	tcompare(t, env.queue.msgs[0].To, []string{"alice@other.org"})

	// The failed local recipient is bounced to the sender.
	b := env.queue.msgs[1]
	tcompare(t, b.From, "")
	tcompare(t, b.To, []string{"bob@example.com"})
	if !strings.Contains(b.Header, "Content-Type: multipart/report;") {
		t.Fatalf("bounce is not a delivery status notification: %q", b.Header)
	}
	body := string(b.Body)
	for _, exp := range []string{"Final-Recipient: rfc822; info@example.org", "Status: 5.2.0", "Subject: test"} {
		if !strings.Contains(body, exp) {
			t.Fatalf("bounce body misses %q:\n%s", exp, body)
		}
	}
	if strings.Contains(body, "disk full") {
		t.Fatalf("bounce exposes local error:\n%s", body)
	}
}
