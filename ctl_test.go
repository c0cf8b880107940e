package main

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/x509"
	"net"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/hookmta-"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/queue"
	"github.com/mjl-/hookmta/smtp"
	"github.com/mjl-/hookmta/store"
)

var ctxbg = context.Background()
var pkglog = mlog.New("ctl", nil)

func tcheck(t *testing.T, err error, errmsg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %v", errmsg, err)
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

type nopTransport struct{}

func (nopTransport) Name() string { return "nop" }
func (nopTransport) Deliver(ctx context.Context, log mlog.Log, m queue.Msg) error {
	return nil
}

// testStores opens a directory and a queue in dataDir.
func testStores(t *testing.T, dataDir string) ctlServer {
	t.Helper()
	dir, err := store.Open(ctxbg, pkglog, filepath.Join(dataDir, "directory.db"))
	tcheck(t, err, "open directory")
	q, err := queue.Open(ctxbg, pkglog.Logger, filepath.Join(dataDir, "queue"), queue.Options{
		Transport: nopTransport{},
		Hostname:  dns.Domain{ASCII: "mx.example.com"},
	})
	tcheck(t, err, "open queue")
	return ctlServer{dir, q}
}

func closeStores(t *testing.T, srv ctlServer) {
	t.Helper()
	err := srv.queue.Close()
	tcheck(t, err, "close queue")
	err = srv.dir.Close()
	tcheck(t, err, "close directory")
}

// TestCtl executes commands through ctl. It mostly checks the protocol: who
// sends what when. Results are checked in the stores.
func TestCtl(t *testing.T) {
	srv := testStores(t, t.TempDir())
	defer closeStores(t, srv)

	testctl := func(fn func(clientctl *ctl)) {
		t.Helper()

		cconn, sconn := net.Pipe()
		clientctl := ctl{conn: cconn, log: pkglog}
		serverctl := ctl{conn: sconn, log: pkglog}
		done := make(chan struct{})
		go func() {
			servectlcmd(ctxbg, &serverctl, srv, func() {})
			close(done)
		}()
		fn(&clientctl)
		cconn.Close()
		<-done
		sconn.Close()
	}

	// testctlErr runs a command that must fail on the server.
	testctlErr := func(fn func(clientctl *ctl)) {
		t.Helper()

		var stop = struct{}{}
		cconn, sconn := net.Pipe()
		clientctl := ctl{conn: cconn, log: pkglog, x: stop}
		serverctl := ctl{conn: sconn, log: pkglog, x: stop}
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer sconn.Close()
			defer func() {
				recover()
			}()
			servectlcmd(ctxbg, &serverctl, srv, func() {})
		}()
		var failed bool
		func() {
			defer func() {
				x := recover()
				if x == stop {
					failed = true
				} else if x != nil {
					panic(x)
				}
			}()
			fn(&clientctl)
		}()
		cconn.Close()
		<-done
		if !failed {
			t.Fatalf("command did not fail")
		}
	}

	testctl(func(ctl *ctl) {
		ctlcmdDomainAdd(ctl, xdomain("example.com"), store.StatusVerified, "acme")
	})
	testctlErr(func(ctl *ctl) {
		ctlcmdDomainAdd(ctl, xdomain("example.com"), store.StatusVerified, "acme")
	})
	testctlErr(func(ctl *ctl) {
		ctlcmdDomainAdd(ctl, xdomain("bogus.example"), store.DomainStatus("bogus"), "")
	})
	testctl(func(ctl *ctl) {
		ctlcmdDomainAdd(ctl, xdomain("example.org"), store.StatusPending, "")
	})
	testctl(func(ctl *ctl) {
		ctlcmdDomainStatus(ctl, xdomain("example.org"), store.StatusActive)
	})
	d, err := srv.dir.Domain(ctxbg, xdomain("example.org"))
	tcheck(t, err, "get domain")
	tcompare(t, d.Status, store.StatusActive)

	testctl(func(ctl *ctl) {
		ctlcmdDomainList(ctl)
	})

	testctl(func(ctl *ctl) {
		ctlcmdUserAdd(ctl, xaddr("bob@example.com"), "test1234", "10MB", "")
	})
	testctlErr(func(ctl *ctl) {
		ctlcmdUserAdd(ctl, xaddr("bob@unknown.example"), "test1234", "", "")
	})
	testctl(func(ctl *ctl) {
		ctlcmdUserPassword(ctl, xaddr("bob@example.com"), "test4321")
	})
	testctl(func(ctl *ctl) {
		ctlcmdUserQuota(ctl, xaddr("bob@example.com"), "1GB")
	})
	testctl(func(ctl *ctl) {
		ctlcmdUserEnabled(ctl, xaddr("bob@example.com"), false)
	})
	u, err := srv.dir.User(ctxbg, xaddr("bob@example.com"))
	tcheck(t, err, "get user")
	tcompare(t, u.Quota, "1GB")
	tcompare(t, u.Enabled, false)
	tcompare(t, store.CheckPassword(u, "test4321"), true)

	testctl(func(ctl *ctl) {
		ctlcmdUserEnabled(ctl, xaddr("bob@example.com"), true)
	})
	testctl(func(ctl *ctl) {
		ctlcmdUserList(ctl, xdomain("example.com"))
	})
	testctl(func(ctl *ctl) {
		ctlcmdUserStats(ctl, xaddr("bob@example.com"))
	})

	_, key, err := ed25519.GenerateKey(cryptorand.Reader)
	tcheck(t, err, "generate key")
	buf, err := x509.MarshalPKCS8PrivateKey(key)
	tcheck(t, err, "marshal key")
	testctl(func(ctl *ctl) {
		ctlcmdDKIMAdd(ctl, xdomain("example.com"), xdomain("sel1"), buf)
	})
	dk, err := srv.dir.DKIMKey(ctxbg, xdomain("example.com"))
	tcheck(t, err, "get dkim key")
	tcompare(t, dk.Selector, "sel1")
	testctlErr(func(ctl *ctl) {
		ctlcmdDKIMAdd(ctl, xdomain("example.com"), xdomain("sel2"), []byte("bogus"))
	})

	// Queue a message to list, kick and drop.
	qm, err := srv.queue.Add(ctxbg, pkglog, queue.Msg{
		From:   "bob@example.com",
		To:     []string{"alice@remote.example"},
		Header: "Subject: test\r\n",
		Body:   []byte("hi\r\n"),
	})
	tcheck(t, err, "add to queue")

	testctl(func(ctl *ctl) {
		ctlcmdQueueList(ctl)
	})
	testctl(func(ctl *ctl) {
		n := ctlcmdQueueKick(ctl, qm.ID)
		tcompare(t, n, "1")
	})
	testctl(func(ctl *ctl) {
		n := ctlcmdQueueKick(ctl, "")
		tcompare(t, n, "1")
	})
	testctlErr(func(ctl *ctl) {
		ctlcmdQueueKick(ctl, "bogus")
	})
	testctl(func(ctl *ctl) {
		ctlcmdQueueDrop(ctl, qm.ID)
	})
	testctlErr(func(ctl *ctl) {
		ctlcmdQueueDrop(ctl, qm.ID)
	})
	n, err := srv.queue.Count(ctxbg)
	tcheck(t, err, "count queue")
	tcompare(t, n, 0)

	testctl(func(ctl *ctl) {
		ctlcmdImport(ctl, directoryImport{
			Domains: []importDomain{{Name: "example.net", Status: "active", Organization: "acme"}},
			Users:   []importUser{{Email: "carol@example.net", Password: "test1234"}},
		})
	})
	_, err = srv.dir.User(ctxbg, xaddr("carol@example.net"))
	tcheck(t, err, "get imported user")

	testctl(func(ctl *ctl) {
		ctlcmdLoglevels(ctl)
	})
	testctl(func(ctl *ctl) {
		ctlcmdSetLoglevels(ctl, "queue", "debug")
	})
	tcompare(t, hookmta.Conf.LogLevels()["queue"], mlog.LevelDebug)
	testctlErr(func(ctl *ctl) {
		ctlcmdSetLoglevels(ctl, "queue", "bogus")
	})

	testctl(func(ctl *ctl) {
		ctlcmdUserRemove(ctl, xaddr("bob@example.com"))
	})
	testctl(func(ctl *ctl) {
		ctlcmdDomainRemove(ctl, xdomain("example.org"))
	})
	_, err = srv.dir.Domain(ctxbg, xdomain("example.org"))
	if err == nil {
		t.Fatalf("domain still present after removal")
	}
}
