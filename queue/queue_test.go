package queue

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/message"
	"github.com/mjl-/hookmta/mlog"
)

var ctxbg = context.Background()
var pkglog = mlog.New("queue", nil)

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

const testHeader = "From: <mjl@hookmta.example>\r\nTo: <bob@remote.example>\r\nSubject: test\r\nMessage-Id: <test@hookmta.example>\r\n"
const testBody = "test email\r\n"

// fakeTransport records delivery attempts and returns the errors in results,
// or the last one when exhausted.
type fakeTransport struct {
	sync.Mutex
	results  []error
	attempts []Msg
}

func (f *fakeTransport) Name() string {
	return "fake"
}

func (f *fakeTransport) Deliver(ctx context.Context, log mlog.Log, m Msg) error {
	f.Lock()
	defer f.Unlock()
	f.attempts = append(f.attempts, m)
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return err
}

// fakeClock sets timeNow for the duration of the test.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func setup(t *testing.T, transport Transport) (*Queue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	timeNow = func() time.Time { return clock.now }
	t.Cleanup(func() {
		timeNow = time.Now
	})

	q, err := Open(ctxbg, pkglog.Logger, t.TempDir(), Options{
		Transport: transport,
		Hostname:  dns.Domain{ASCII: "mail.hookmta.example"},
	})
	tcheck(t, err, "open queue")
	t.Cleanup(func() {
		err := q.Close()
		tcheck(t, err, "close queue")
	})
	return q, clock
}

func addTestMsg(t *testing.T, q *Queue, from string, to ...string) Msg {
	t.Helper()
	m, err := q.Add(ctxbg, pkglog, Msg{
		From:          from,
		To:            to,
		Header:        testHeader,
		Body:          []byte(testBody),
		RemoteIP:      "127.0.0.1",
		Authenticated: true,
		AuthIdentity:  "mjl@hookmta.example",
	})
	tcheck(t, err, "add message")
	return m
}

func TestBackoff(t *testing.T) {
	exp := []time.Duration{300, 900, 1800, 3600, 7200, 14400, 28800}
	for i, d := range exp {
		if got := Backoff(i + 1); got != d*time.Second {
			t.Fatalf("backoff after attempt %d: got %v, expected %v", i+1, got, d*time.Second)
		}
	}
}

func TestAddList(t *testing.T) {
	q, clock := setup(t, &fakeTransport{})

	_, err := q.Add(ctxbg, pkglog, Msg{From: "mjl@hookmta.example"})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("add without recipients: got %v, expected ErrNoRecipients", err)
	}

	m := addTestMsg(t, q, "mjl@hookmta.example", "bob@remote.example")
	if m.ID == "" || m.Attempts != 0 || !m.NextAttempt.Equal(clock.now) {
		t.Fatalf("unexpected queued message %#v", m)
	}
	tcompare(t, string(m.Data()), testHeader+"\r\n"+testBody)

	l, err := q.List(ctxbg)
	tcheck(t, err, "list")
	if len(l) != 1 || l[0].ID != m.ID || !l[0].Authenticated || l[0].AuthIdentity != "mjl@hookmta.example" {
		t.Fatalf("unexpected list %#v", l)
	}
	ids, err := q.Pending()
	tcheck(t, err, "pending")
	tcompare(t, ids, []string{m.ID})

	_, err = q.Get(ctxbg, "bogus")
	if err != ErrUnknownMsg {
		t.Fatalf("get unknown: got %v, expected ErrUnknownMsg", err)
	}
}

func TestDeliverSuccess(t *testing.T) {
	ft := &fakeTransport{}
	q, _ := setup(t, ft)
	addTestMsg(t, q, "mjl@hookmta.example", "bob@remote.example")

	n, ok := q.Cycle(ctxbg)
	if !ok || n != 1 {
		t.Fatalf("cycle: attempted %d, ok %v", n, ok)
	}
	count, err := q.Count(ctxbg)
	tcheck(t, err, "count")
	tcompare(t, count, 0)
	ids, err := q.Pending()
	tcheck(t, err, "pending")
	if len(ids) != 0 {
		t.Fatalf("pending list not empty: %v", ids)
	}
}

// Each failed attempt schedules the next with the fixed backoff, the 8th
// failed attempt removes the message and queues a bounce.
func TestRetryBounce(t *testing.T) {
	ft := &fakeTransport{results: []error{&Error{Host: "mx.remote.example", Code: 451, Secode: "4.3.0", Err: errors.New("try again")}}}
	q, clock := setup(t, ft)
	orig := addTestMsg(t, q, "mjl@hookmta.example", "bob@remote.example")

	for attempt := 1; attempt < MaxAttempts; attempt++ {
		n, _ := q.Cycle(ctxbg)
		if n != 1 {
			t.Fatalf("attempt %d: cycle attempted %d", attempt, n)
		}
		m, err := q.Get(ctxbg, orig.ID)
		tcheck(t, err, "get message")
		if m.Attempts != attempt {
			t.Fatalf("got attempts %d, expected %d", m.Attempts, attempt)
		}
		if exp := clock.now.Add(Backoff(attempt)); !m.NextAttempt.Equal(exp) {
			t.Fatalf("attempt %d: next attempt %v, expected %v", attempt, m.NextAttempt, exp)
		}
		if !strings.Contains(m.LastError, "try again") {
			t.Fatalf("unexpected last error %q", m.LastError)
		}

		// Not due yet, nothing happens.
		n, _ = q.Cycle(ctxbg)
		if n != 0 {
			t.Fatalf("cycle attempted %d before next attempt was due", n)
		}
		clock.advance(Backoff(attempt))
	}

	n, _ := q.Cycle(ctxbg)
	if n != 1 {
		t.Fatalf("last cycle attempted %d", n)
	}
	if _, err := q.Get(ctxbg, orig.ID); err != ErrUnknownMsg {
		t.Fatalf("original still present after last attempt: %v", err)
	}

	l, err := q.List(ctxbg)
	tcheck(t, err, "list")
	if len(l) != 1 {
		t.Fatalf("expected bounce in queue, got %d messages", len(l))
	}
	b := l[0]
	if b.From != "" || !reflect.DeepEqual(b.To, []string{"mjl@hookmta.example"}) || b.Attempts != 0 {
		t.Fatalf("unexpected bounce %#v", b)
	}
	fields, err := message.ParseHeaders([]byte(b.Header))
	tcheck(t, err, "parse bounce header")
	if !strings.HasPrefix(message.HeaderValue(fields, "Content-Type"), "multipart/report;") {
		t.Fatalf("unexpected content-type %q", message.HeaderValue(fields, "Content-Type"))
	}
	if !strings.Contains(message.HeaderValue(fields, "From"), "postmaster@mail.hookmta.example") {
		t.Fatalf("unexpected from %q", message.HeaderValue(fields, "From"))
	}
	body := string(b.Body)
	for _, s := range []string{"Final-Recipient: rfc822; bob@remote.example", "Action: failed", "Status: 4.3.0", "Diagnostic-Code: smtp; 451 4.3.0 try again", "Subject: test"} {
		if !strings.Contains(body, s) {
			t.Fatalf("bounce body misses %q:\n%s", s, body)
		}
	}
	if len(ft.attempts) != MaxAttempts {
		t.Fatalf("got %d attempts, expected %d", len(ft.attempts), MaxAttempts)
	}
	for i, m := range ft.attempts {
		if m.Attempts != i {
			t.Fatalf("attempt %d saw attempts %d", i, m.Attempts)
		}
	}
}

func TestPermanentBounce(t *testing.T) {
	ft := &fakeTransport{results: []error{&Error{Permanent: true, Code: 550, Secode: "5.1.1", Err: errors.New("no such user")}}}
	q, _ := setup(t, ft)
	orig := addTestMsg(t, q, "mjl@hookmta.example", "bob@remote.example")

	q.Cycle(ctxbg)
	if _, err := q.Get(ctxbg, orig.ID); err != ErrUnknownMsg {
		t.Fatalf("original still present after permanent error: %v", err)
	}
	l, err := q.List(ctxbg)
	tcheck(t, err, "list")
	if len(l) != 1 || !strings.Contains(string(l[0].Body), "Status: 5.1.1") {
		t.Fatalf("expected bounce with status 5.1.1, got %#v", l)
	}
}

// Messages with an empty sender, such as bounces, are never bounced.
func TestNoBounceForNullSender(t *testing.T) {
	ft := &fakeTransport{results: []error{&Error{Permanent: true, Code: 550, Err: errors.New("no")}}}
	q, _ := setup(t, ft)
	addTestMsg(t, q, "", "bob@remote.example")
	q.Cycle(ctxbg)
	count, err := q.Count(ctxbg)
	tcheck(t, err, "count")
	tcompare(t, count, 0)
}

func TestPartialDelivery(t *testing.T) {
	ft := &fakeTransport{results: []error{&PartialError{Delivered: []string{"bob@remote.example"}, Err: &Error{Code: 452, Err: errors.New("later")}}}}
	q, _ := setup(t, ft)
	orig := addTestMsg(t, q, "mjl@hookmta.example", "bob@remote.example", "carol@remote.example")

	q.Cycle(ctxbg)
	m, err := q.Get(ctxbg, orig.ID)
	tcheck(t, err, "get message")
	tcompare(t, m.To, []string{"carol@remote.example"})
	tcompare(t, m.Attempts, 1)
}

// panicTransport panics on each delivery attempt.
type panicTransport struct {
	calls int
}

func (p *panicTransport) Name() string {
	return "panic"
}

func (p *panicTransport) Deliver(ctx context.Context, log mlog.Log, m Msg) error {
	p.calls++
	panic("transport bug")
}

// A panicking delivery counts as a failed attempt, and ends in a bounce.
func TestDeliverPanic(t *testing.T) {
	pt := &panicTransport{}
	q, clock := setup(t, pt)
	orig := addTestMsg(t, q, "mjl@hookmta.example", "bob@remote.example")

	q.Cycle(ctxbg)
	m, err := q.Get(ctxbg, orig.ID)
	tcheck(t, err, "get message")
	tcompare(t, m.Attempts, 1)
	if !strings.Contains(m.LastError, "transport bug") {
		t.Fatalf("unexpected last error %q", m.LastError)
	}
	if exp := clock.now.Add(Backoff(1)); !m.NextAttempt.Equal(exp) {
		t.Fatalf("next attempt %v, expected %v", m.NextAttempt, exp)
	}

	// Not retried before it is due.
	n, _ := q.Cycle(ctxbg)
	tcompare(t, n, 0)

	for i := 1; i < MaxAttempts; i++ {
		clock.advance(Backoff(i))
		q.Cycle(ctxbg)
	}
	tcompare(t, pt.calls, MaxAttempts)
	if _, err := q.Get(ctxbg, orig.ID); err != ErrUnknownMsg {
		t.Fatalf("original still present after last attempt: %v", err)
	}
	l, err := q.List(ctxbg)
	tcheck(t, err, "list")
	if len(l) != 1 || l[0].From != "" || !strings.Contains(string(l[0].Body), "transport bug") {
		t.Fatalf("expected bounce mentioning the panic, got %#v", l)
	}
}

func TestKickDrop(t *testing.T) {
	ft := &fakeTransport{results: []error{&Error{Err: errors.New("temporary")}}}
	q, _ := setup(t, ft)
	m := addTestMsg(t, q, "mjl@hookmta.example", "bob@remote.example")

	q.Cycle(ctxbg)
	n, _ := q.Cycle(ctxbg)
	tcompare(t, n, 0)

	affected, err := q.KickMsg(ctxbg, m.ID)
	tcheck(t, err, "kick")
	tcompare(t, affected, 1)
	n, _ = q.Cycle(ctxbg)
	tcompare(t, n, 1)

	_, err = q.KickMsg(ctxbg, "bogus")
	if err != ErrUnknownMsg {
		t.Fatalf("kick unknown: got %v", err)
	}

	err = q.Drop(ctxbg, pkglog, m.ID)
	tcheck(t, err, "drop")
	err = q.Drop(ctxbg, pkglog, m.ID)
	if err != ErrUnknownMsg {
		t.Fatalf("drop again: got %v", err)
	}
	ids, err := q.Pending()
	tcheck(t, err, "pending")
	if len(ids) != 0 {
		t.Fatalf("pending not empty after drop: %v", ids)
	}
}

func TestSingleFlight(t *testing.T) {
	q, _ := setup(t, &fakeTransport{})
	addTestMsg(t, q, "mjl@hookmta.example", "bob@remote.example")

	q.cycling.Store(true)
	n, ok := q.Cycle(ctxbg)
	if ok || n != 0 {
		t.Fatalf("cycle ran while another was active")
	}
	q.cycling.Store(false)
	n, ok = q.Cycle(ctxbg)
	if !ok || n != 1 {
		t.Fatalf("cycle did not run, attempted %d ok %v", n, ok)
	}
}

// Messages missing from the pending list are added back when opening.
func TestRecoverPending(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Transport: &fakeTransport{}}
	q, err := Open(ctxbg, pkglog.Logger, dir, opts)
	tcheck(t, err, "open")
	m, err := q.Add(ctxbg, pkglog, Msg{From: "mjl@hookmta.example", To: []string{"bob@remote.example"}, Header: testHeader, Body: []byte(testBody)})
	tcheck(t, err, "add")
	_, ok, err := q.pending.Pop()
	tcheck(t, err, "pop")
	if !ok {
		t.Fatalf("pending list empty")
	}
	err = q.Close()
	tcheck(t, err, "close")

	q, err = Open(ctxbg, pkglog.Logger, dir, opts)
	tcheck(t, err, "reopen")
	defer q.Close()
	ids, err := q.Pending()
	tcheck(t, err, "pending")
	tcompare(t, ids, []string{m.ID})
}

func TestStart(t *testing.T) {
	ft := &fakeTransport{}
	q, _ := setup(t, ft)

	ctx, cancel := context.WithCancel(ctxbg)
	done := make(chan struct{}, 1)
	q.Start(ctx, done)
	addTestMsg(t, q, "mjl@hookmta.example", "bob@remote.example")

	deadline := time.Now().Add(5 * time.Second)
	for {
		count, err := q.Count(ctxbg)
		tcheck(t, err, "count")
		if count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message not delivered by processor")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestPendingList(t *testing.T) {
	p, err := openPending(t.TempDir() + "/pending.db")
	tcheck(t, err, "open")
	defer p.Close()

	err = p.Push("a", "b", "a", "c")
	tcheck(t, err, "push")
	n, err := p.Len()
	tcheck(t, err, "len")
	tcompare(t, n, 4)

	err = p.Remove("a")
	tcheck(t, err, "remove")
	ids, err := p.IDs()
	tcheck(t, err, "ids")
	tcompare(t, ids, []string{"b", "c"})

	id, ok, err := p.Pop()
	tcheck(t, err, "pop")
	if !ok || id != "b" {
		t.Fatalf("pop: got %q %v", id, ok)
	}
	err = p.Push("b")
	tcheck(t, err, "push back")
	ids, err = p.IDs()
	tcheck(t, err, "ids")
	tcompare(t, ids, []string{"c", "b"})
}
