package store

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/smtp"
)

var ctxbg = context.Background()
var pkglog = mlog.New("store", nil)

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

func init() {
	bcryptCost = bcrypt.MinCost
}

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	d, err := Open(ctxbg, pkglog, filepath.Join(t.TempDir(), "directory.db"))
	tcheck(t, err, "open directory")
	t.Cleanup(func() {
		err := d.Close()
		tcheck(t, err, "close directory")
	})
	return d
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

func TestDirectory(t *testing.T) {
	d := testDirectory(t)

	_, err := d.Domain(ctxbg, xdomain("example.com"))
	if !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("got err %v, expected ErrUnknownDomain", err)
	}

	err = d.AddDomain(ctxbg, Domain{Name: "Example.COM", Status: StatusVerified, Organization: "acme"})
	tcheck(t, err, "add domain")
	err = d.AddDomain(ctxbg, Domain{Name: "example.com", Status: StatusActive})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("got err %v, expected ErrExists", err)
	}
	err = d.AddDomain(ctxbg, Domain{Name: "bad.example", Status: "bogus"})
	if err == nil {
		t.Fatalf("added domain with invalid status")
	}

	dom, err := d.Domain(ctxbg, xdomain("example.com"))
	tcheck(t, err, "get domain")
	tcompare(t, dom.Status, StatusVerified)
	tcompare(t, dom.Organization, "acme")
	if dom.Created.IsZero() {
		t.Fatalf("created not set")
	}

	now := time.Now().Round(0)
	err = d.DomainChecked(ctxbg, xdomain("example.com"), now)
	tcheck(t, err, "domain checked")
	dom, err = d.Domain(ctxbg, xdomain("example.com"))
	tcheck(t, err, "get domain")
	if !dom.LastChecked.Equal(now) {
		t.Fatalf("last checked %v, expected %v", dom.LastChecked, now)
	}
	err = d.DomainChecked(ctxbg, xdomain("other.example"), now)
	if !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("got err %v, expected ErrUnknownDomain", err)
	}

	err = d.AddUser(ctxbg, xaddr("bob@other.example"), "test1234", "", "")
	if !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("got err %v, expected ErrUnknownDomain", err)
	}
	err = d.AddUser(ctxbg, xaddr("Bob@example.com"), "test1234", "unlimited", "")
	tcheck(t, err, "add user")
	err = d.AddUser(ctxbg, xaddr("carol@example.com"), "", "1MB", "/var/mail/carol")
	tcheck(t, err, "add user")
	err = d.AddUser(ctxbg, xaddr("dave@example.com"), "", "lots", "")
	if err == nil {
		t.Fatalf("added user with invalid quota")
	}

	u, err := d.User(ctxbg, xaddr("bob@EXAMPLE.com"))
	tcheck(t, err, "get user")
	tcompare(t, u.Email, "bob@example.com")
	tcompare(t, u.Domain, "example.com")
	tcompare(t, u.Enabled, true)
	if !CheckPassword(u, "test1234") || CheckPassword(u, "bad") {
		t.Fatalf("password check mismatch")
	}

	carol, err := d.User(ctxbg, xaddr("carol@example.com"))
	tcheck(t, err, "get user")
	if CheckPassword(carol, "") {
		t.Fatalf("user without password authenticated")
	}

	err = d.SetPassword(ctxbg, xaddr("carol@example.com"), "secret")
	tcheck(t, err, "set password")
	carol, err = d.User(ctxbg, xaddr("carol@example.com"))
	tcheck(t, err, "get user")
	if !CheckPassword(carol, "secret") {
		t.Fatalf("new password not accepted")
	}

	err = d.SetUserEnabled(ctxbg, xaddr("carol@example.com"), false)
	tcheck(t, err, "disable user")
	carol, err = d.User(ctxbg, xaddr("carol@example.com"))
	tcheck(t, err, "get user")
	tcompare(t, carol.Enabled, false)

	err = d.TouchLogin(ctxbg, xaddr("bob@example.com"), now)
	tcheck(t, err, "touch login")
	err = d.TouchLogin(ctxbg, xaddr("nobody@example.com"), now)
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("got err %v, expected ErrUnknownUser", err)
	}

	users, err := d.Users(ctxbg, xdomain("example.com"))
	tcheck(t, err, "list users")
	tcompare(t, len(users), 2)
	tcompare(t, users[0].Email, "bob@example.com")

	err = d.RemoveUser(ctxbg, xaddr("carol@example.com"))
	tcheck(t, err, "remove user")
	_, err = d.User(ctxbg, xaddr("carol@example.com"))
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("got err %v, expected ErrUnknownUser", err)
	}

	err = d.RemoveDomain(ctxbg, xdomain("example.com"))
	tcheck(t, err, "remove domain")
	users, err = d.Users(ctxbg, dns.Domain{})
	tcheck(t, err, "list users")
	tcompare(t, len(users), 0)
}

func TestDKIMKey(t *testing.T) {
	d := testDirectory(t)

	err := d.AddDomain(ctxbg, Domain{Name: "example.com", Status: StatusActive})
	tcheck(t, err, "add domain")

	_, err = d.DKIMKey(ctxbg, xdomain("example.com"))
	if !errors.Is(err, ErrNoDKIMKey) {
		t.Fatalf("got err %v, expected ErrNoDKIMKey", err)
	}
	_, err = d.DKIMKey(ctxbg, xdomain("other.example"))
	if !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("got err %v, expected ErrUnknownDomain", err)
	}

	seed := make([]byte, ed25519.SeedSize)
	key := ed25519.NewKeyFromSeed(seed)
	err = d.AddDKIMKey(ctxbg, xdomain("example.com"), xdomain("sel1"), key)
	tcheck(t, err, "add dkim key")
	err = d.AddDKIMKey(ctxbg, xdomain("example.com"), xdomain("sel1"), key)
	if !errors.Is(err, ErrExists) {
		t.Fatalf("got err %v, expected ErrExists", err)
	}

	k, err := d.DKIMKey(ctxbg, xdomain("example.com"))
	tcheck(t, err, "get dkim key")
	tcompare(t, k.Selector, "sel1")
	signer, err := k.Signer()
	tcheck(t, err, "parse key")
	tcompare(t, signer.Public(), key.Public())

	keys, err := d.DKIMKeys(ctxbg, xdomain("example.com"))
	tcheck(t, err, "list keys")
	tcompare(t, len(keys), 1)
}

func TestStats(t *testing.T) {
	d := testDirectory(t)

	bob := xaddr("bob@example.com")
	day1 := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	n, err := d.SentToday(ctxbg, bob, day1)
	tcheck(t, err, "sent today")
	tcompare(t, n, int64(0))

	err = d.AddStats(ctxbg, bob, day1, StatsDelta{MessagesSent: 1, BytesSent: 1000})
	tcheck(t, err, "add stats")
	err = d.AddStats(ctxbg, bob, day1, StatsDelta{MessagesSent: 1, BytesSent: 500})
	tcheck(t, err, "add stats")
	err = d.AddStats(ctxbg, bob, day2, StatsDelta{MessagesReceived: 1, BytesReceived: 200})
	tcheck(t, err, "add stats")

	n, err = d.SentToday(ctxbg, bob, day1)
	tcheck(t, err, "sent today")
	tcompare(t, n, int64(1500))
	n, err = d.SentToday(ctxbg, bob, day2)
	tcheck(t, err, "sent today")
	tcompare(t, n, int64(0))

	st, days, err := d.UserStats(ctxbg, bob)
	tcheck(t, err, "user stats")
	tcompare(t, st.MessagesSent, int64(2))
	tcompare(t, st.BytesSent, int64(1500))
	tcompare(t, st.MessagesReceived, int64(1))
	tcompare(t, st.BytesReceived, int64(200))
	if !st.LastSent.Equal(day1) || !st.LastReceived.Equal(day2) {
		t.Fatalf("last sent/received %v %v", st.LastSent, st.LastReceived)
	}
	tcompare(t, len(days), 2)
	tcompare(t, days[0].Day, "2024-03-02")
	tcompare(t, days[1].Day, "2024-03-01")
}

func TestParseQuota(t *testing.T) {
	test := func(s string, expLimit int64, expUnlimited, expErr bool) {
		t.Helper()
		limit, unlimited, err := ParseQuota(s)
		if (err != nil) != expErr {
			t.Fatalf("parse %q: got err %v, expected error %v", s, err, expErr)
		}
		if limit != expLimit || unlimited != expUnlimited {
			t.Fatalf("parse %q: got %d %v, expected %d %v", s, limit, unlimited, expLimit, expUnlimited)
		}
	}

	test("", 0, true, false)
	test("unlimited", 0, true, false)
	test("Unlimited", 0, true, false)
	test("100", 100, false, false)
	test("100B", 100, false, false)
	test("2KB", 2048, false, false)
	test("1MB", 1<<20, false, false)
	test("1.5 gb", 3<<29, false, false)
	test("0", 0, false, false)
	test("-1MB", 0, false, true)
	test("lots", 0, false, true)
	test("MB", 0, false, true)
	test("NaN", 0, false, true)
	test("inf", 0, false, true)
	test("+Inf GB", 0, false, true)
	test("8388608GB", 0, false, true)
	test("9223372036854775807", 0, false, true)
	test("8388607GB", 8388607<<30, false, false)
}

func TestUserKey(t *testing.T) {
	a := xaddr("Bob.Smith@EXAMPLE.com")
	tcompare(t, UserKey(a), "bob.smith@example.com")
	tcompare(t, UserKey(a), a.Key())
}
