package main

import (
	"bufio"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/maps"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/hookmta-"
	"github.com/mjl-/hookmta/metrics"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/queue"
	"github.com/mjl-/hookmta/smtp"
	"github.com/mjl-/hookmta/store"
)

// ctl is a connection to the ctl unix domain socket of a running instance, on
// either side. It has functions to read and write command lines, responses and
// data streams.
type ctl struct {
	cmd  string // Set for server-side of commands.
	conn net.Conn
	r    *bufio.Reader
	x    any      // If set, errors are handled by calling panic(x) instead of log.Fatal.
	log  mlog.Log // If set, along with x, logging is done here.
}

// xctl connects to the ctl socket of the running instance.
func xctl() *ctl {
	p := hookmta.DataDirPath("ctl")
	conn, err := net.Dial("unix", p)
	if err != nil {
		log.Fatalf("connecting to control socket at %q: %v", p, err)
	}
	ctl := &ctl{conn: conn}
	version := ctl.xread()
	if version != "ctlv0" {
		log.Fatalf("ctl protocol mismatch, got %q, expected ctlv0", version)
	}
	return ctl
}

// xerror handles msg as error. On the server side, msg is also written to the
// client.
func (c *ctl) xerror(msg string) {
	if c.x == nil {
		log.Fatalln(msg)
	}
	c.log.Debugx("ctl error", errors.New(msg), slog.String("cmd", c.cmd))
	c.xwrite(msg)
	panic(c.x)
}

// xcheck handles a non-nil err like xerror, prefixed with msg.
func (c *ctl) xcheck(err error, msg string) {
	if err == nil {
		return
	}
	if c.x == nil {
		log.Fatalf("%s: %s", msg, err)
	}
	c.log.Debugx(msg, err, slog.String("cmd", c.cmd))
	fmt.Fprintf(c.conn, "%s: %s\n", msg, err)
	panic(c.x)
}

// xread reads a line and returns it without trailing newline.
func (c *ctl) xread() string {
	if c.r == nil {
		c.r = bufio.NewReader(c.conn)
	}
	line, err := c.r.ReadString('\n')
	c.xcheck(err, "read from ctl")
	return strings.TrimSuffix(line, "\n")
}

// xreadok reads a line, anything but "ok" is an error message.
func (c *ctl) xreadok() {
	line := c.xread()
	if line != "ok" {
		c.xerror(line)
	}
}

func (c *ctl) xwrite(text string) {
	_, err := fmt.Fprintln(c.conn, text)
	c.xcheck(err, "write")
}

func (c *ctl) xwriteok() {
	c.xwrite("ok")
}

// xstreamto copies a data stream from ctl to dst.
func (c *ctl) xstreamto(dst io.Writer) {
	_, err := io.Copy(dst, c.reader())
	c.xcheck(err, "reading stream")
}

// writer returns a writer for a data stream to ctl. The caller must call
// xclose when done.
func (c *ctl) writer() *ctlwriter {
	return &ctlwriter{cmd: c.cmd, conn: c.conn, x: c.x, log: c.log}
}

func (c *ctl) reader() *ctlreader {
	if c.r == nil {
		c.r = bufio.NewReader(c.conn)
	}
	return &ctlreader{cmd: c.cmd, conn: c.conn, r: c.r, x: c.x, log: c.log}
}

/*
A data stream is a sequence of chunks, each acknowledged by the reader:

	> "123" (chunk size) or an error message
	> data, 123 bytes
	< "ok" or an error message

The end of the stream is a chunk of zero bytes:

	> "0"
*/

type ctlwriter struct {
	cmd  string
	conn net.Conn
	buf  []byte // For reading the response to a chunk.
	x    any
	log  mlog.Log
}

func (s *ctlwriter) Write(buf []byte) (int, error) {
	_, err := fmt.Fprintf(s.conn, "%d\n", len(buf))
	s.xcheck(err, "write count")
	_, err = s.conn.Write(buf)
	s.xcheck(err, "write data")
	if s.buf == nil {
		s.buf = make([]byte, 512)
	}
	n, err := s.conn.Read(s.buf)
	s.xcheck(err, "reading response to write")
	line := strings.TrimSuffix(string(s.buf[:n]), "\n")
	if line != "ok" {
		s.xerror(line)
	}
	return len(buf), nil
}

func (s *ctlwriter) xerror(msg string) {
	if s.x == nil {
		log.Fatalln(msg)
	}
	s.log.Debugx("error", errors.New(msg), slog.String("cmd", s.cmd))
	panic(s.x)
}

func (s *ctlwriter) xcheck(err error, msg string) {
	if err == nil {
		return
	}
	if s.x == nil {
		log.Fatalf("%s: %s", msg, err)
	}
	s.log.Debugx(msg, err, slog.String("cmd", s.cmd))
	panic(s.x)
}

func (s *ctlwriter) xclose() {
	_, err := fmt.Fprintf(s.conn, "0\n")
	s.xcheck(err, "write eof")
}

type ctlreader struct {
	cmd      string
	conn     net.Conn // For writing "ok" after a chunk.
	r        *bufio.Reader
	err      error // Returned for each read once set, can be io.EOF.
	npending int   // Bytes left in the current chunk.
	x        any
	log      mlog.Log
}

func (s *ctlreader) Read(buf []byte) (N int, Err error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.npending == 0 {
		line, err := s.r.ReadString('\n')
		s.xcheck(err, "reading count")
		line = strings.TrimSuffix(line, "\n")
		n, err := strconv.ParseInt(line, 10, 32)
		if err != nil {
			s.xerror(line)
		}
		if n == 0 {
			s.err = io.EOF
			return 0, s.err
		}
		s.npending = int(n)
	}
	rn := min(len(buf), s.npending)
	n, err := s.r.Read(buf[:rn])
	s.xcheck(err, "read from ctl")
	s.npending -= n
	if s.npending == 0 {
		_, err = fmt.Fprintln(s.conn, "ok")
		s.xcheck(err, "writing ok after reading")
	}
	return n, err
}

func (s *ctlreader) xerror(msg string) {
	if s.x == nil {
		log.Fatalln(msg)
	}
	s.log.Debugx("error", errors.New(msg), slog.String("cmd", s.cmd))
	panic(s.x)
}

func (s *ctlreader) xcheck(err error, msg string) {
	if err == nil {
		return
	}
	if s.x == nil {
		log.Fatalf("%s: %s", msg, err)
	}
	s.log.Debugx(msg, err, slog.String("cmd", s.cmd))
	panic(s.x)
}

// ctlServer has the stores the ctl commands operate on.
type ctlServer struct {
	dir   *store.Directory
	queue *queue.Queue
}

// servectl handles requests on the ctl socket, e.g. for graceful shutdown and
// administration of domains, users and the queue.
func servectl(ctx context.Context, srv ctlServer, log mlog.Log, conn net.Conn, shutdown func()) {
	log.Debug("ctl connection")

	var stop = struct{}{} // Sentinel value for panic and recover.
	xctl := &ctl{conn: conn, x: stop, log: log}
	defer func() {
		x := recover()
		if x == nil || x == stop {
			return
		}
		log.Error("servectl panic", slog.Any("err", x), slog.String("cmd", xctl.cmd))
		debug.PrintStack()
		metrics.PanicInc(metrics.Ctl)
	}()

	defer func() {
		err := conn.Close()
		log.Check(err, "close ctl connection")
	}()

	xctl.xwrite("ctlv0")
	for {
		servectlcmd(ctx, xctl, srv, shutdown)
	}
}

func xparseJSON(xctl *ctl, s string, v any) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	xctl.xcheck(err, "parsing from ctl as json")
}

func xctlParseDomain(xctl *ctl, s string) dns.Domain {
	d, err := dns.ParseDomain(s)
	xctl.xcheck(err, "parsing domain")
	return d
}

func xctlParseAddress(xctl *ctl, s string) smtp.Address {
	addr, err := smtp.ParseAddress(s)
	xctl.xcheck(err, "parsing address")
	return addr
}

func servectlcmd(ctx context.Context, xctl *ctl, srv ctlServer, shutdown func()) {
	log := xctl.log
	cmd := xctl.xread()
	xctl.cmd = cmd
	log.Info("ctl command", slog.String("cmd", cmd))
	switch cmd {
	case "stop":
		shutdown()
		os.Exit(0)

	case "queuelist":
		/*
			> "queuelist"
			< "ok"
			< stream
		*/
		l, err := srv.queue.List(ctx)
		xctl.xcheck(err, "listing queue")
		xctl.xwriteok()
		xw := xctl.writer()
		fmt.Fprintf(xw, "%d message(s) in queue\n", len(l))
		for _, m := range l {
			from := m.From
			if from == "" {
				from = "<>"
			}
			fmt.Fprintf(xw, "%s %s from:%s to:%s attempts:%d next:%s size:%d", m.ID, m.Created.Format(time.RFC3339), from, strings.Join(m.To, ","), m.Attempts, time.Until(m.NextAttempt).Round(time.Second), m.Size())
			if m.LastError != "" {
				fmt.Fprintf(xw, " lasterror:%q", m.LastError)
			}
			fmt.Fprintln(xw)
		}
		xw.xclose()

	case "queuekick":
		/*
			> "queuekick"
			> id, empty for all messages
			< "ok" or error
			< count
		*/
		id := xctl.xread()
		n, err := srv.queue.KickMsg(ctx, id)
		xctl.xcheck(err, "kicking message")
		xctl.xwriteok()
		xctl.xwrite(fmt.Sprintf("%d", n))

	case "queuedrop":
		/*
			> "queuedrop"
			> id
			< "ok" or error
		*/
		id := xctl.xread()
		err := srv.queue.Drop(ctx, log, id)
		xctl.xcheck(err, "dropping message")
		xctl.xwriteok()

	case "domainadd":
		/*
			> "domainadd"
			> domain
			> status
			> organization
			< "ok" or error
		*/
		d := xctlParseDomain(xctl, xctl.xread())
		status := store.DomainStatus(xctl.xread())
		org := xctl.xread()
		err := srv.dir.AddDomain(ctx, store.Domain{Name: d.ASCII, Status: status, Organization: org})
		xctl.xcheck(err, "adding domain")
		xctl.xwriteok()

	case "domainstatus":
		d := xctlParseDomain(xctl, xctl.xread())
		status := store.DomainStatus(xctl.xread())
		err := srv.dir.SetDomainStatus(ctx, d, status)
		xctl.xcheck(err, "setting domain status")
		xctl.xwriteok()

	case "domainrm":
		d := xctlParseDomain(xctl, xctl.xread())
		err := srv.dir.RemoveDomain(ctx, d)
		xctl.xcheck(err, "removing domain")
		xctl.xwriteok()

	case "domainlist":
		/*
			> "domainlist"
			< "ok"
			< stream
		*/
		l, err := srv.dir.Domains(ctx)
		xctl.xcheck(err, "listing domains")
		xctl.xwriteok()
		xw := xctl.writer()
		for _, d := range l {
			org := d.Organization
			if org == "" {
				org = "-"
			}
			selector := d.DKIMSelector
			if selector == "" {
				selector = "-"
			}
			fmt.Fprintf(xw, "%s\t%s\torg:%s\tdkim:%s\n", d.Name, d.Status, org, selector)
		}
		xw.xclose()

	case "useradd":
		/*
			> "useradd"
			> address
			> password
			> quota
			> mailbox path
			< "ok" or error
		*/
		addr := xctlParseAddress(xctl, xctl.xread())
		password := xctl.xread()
		quota := xctl.xread()
		mailboxPath := xctl.xread()
		err := srv.dir.AddUser(ctx, addr, password, quota, mailboxPath)
		xctl.xcheck(err, "adding user")
		xctl.xwriteok()

	case "userpassword":
		addr := xctlParseAddress(xctl, xctl.xread())
		password := xctl.xread()
		err := srv.dir.SetPassword(ctx, addr, password)
		xctl.xcheck(err, "setting password")
		xctl.xwriteok()

	case "userenabled":
		addr := xctlParseAddress(xctl, xctl.xread())
		enabled, err := strconv.ParseBool(xctl.xread())
		xctl.xcheck(err, "parsing enabled")
		err = srv.dir.SetUserEnabled(ctx, addr, enabled)
		xctl.xcheck(err, "setting user enabled")
		xctl.xwriteok()

	case "userquota":
		addr := xctlParseAddress(xctl, xctl.xread())
		quota := xctl.xread()
		err := srv.dir.SetQuota(ctx, addr, quota)
		xctl.xcheck(err, "setting quota")
		xctl.xwriteok()

	case "userrm":
		addr := xctlParseAddress(xctl, xctl.xread())
		err := srv.dir.RemoveUser(ctx, addr)
		xctl.xcheck(err, "removing user")
		xctl.xwriteok()

	case "userlist":
		/*
			> "userlist"
			> domain
			< "ok" or error
			< stream
		*/
		d := xctlParseDomain(xctl, xctl.xread())
		l, err := srv.dir.Users(ctx, d)
		xctl.xcheck(err, "listing users")
		xctl.xwriteok()
		xw := xctl.writer()
		for _, u := range l {
			state := "enabled"
			if !u.Enabled {
				state = "disabled"
			}
			quota := u.Quota
			if quota == "" {
				quota = "unlimited"
			}
			lastLogin := "-"
			if !u.LastLogin.IsZero() {
				lastLogin = u.LastLogin.Format(time.RFC3339)
			}
			fmt.Fprintf(xw, "%s\t%s\tquota:%s\tlastlogin:%s\n", u.Email, state, quota, lastLogin)
		}
		xw.xclose()

	case "userstats":
		/*
			> "userstats"
			> address
			< "ok" or error
			< stream
		*/
		addr := xctlParseAddress(xctl, xctl.xread())
		st, days, err := srv.dir.UserStats(ctx, addr)
		xctl.xcheck(err, "getting user stats")
		xctl.xwriteok()
		xw := xctl.writer()
		fmt.Fprintf(xw, "sent %d messages, %d bytes\n", st.MessagesSent, st.BytesSent)
		fmt.Fprintf(xw, "received %d messages, %d bytes\n", st.MessagesReceived, st.BytesReceived)
		for _, d := range days {
			fmt.Fprintf(xw, "%s\tsent:%d/%d\treceived:%d/%d\n", d.Day, d.MessagesSent, d.BytesSent, d.MessagesReceived, d.BytesReceived)
		}
		xw.xclose()

	case "dkimadd":
		/*
			> "dkimadd"
			> domain
			> selector
			> private key, pkcs8 der in base64
			< "ok" or error
		*/
		d := xctlParseDomain(xctl, xctl.xread())
		sel := xctlParseDomain(xctl, xctl.xread())
		buf, err := base64.StdEncoding.DecodeString(xctl.xread())
		xctl.xcheck(err, "decoding private key")
		key, err := x509.ParsePKCS8PrivateKey(buf)
		xctl.xcheck(err, "parsing private key")
		signer, ok := key.(crypto.Signer)
		if !ok {
			xctl.xerror(fmt.Sprintf("private key of type %T is not a signer", key))
		}
		err = srv.dir.AddDKIMKey(ctx, d, sel, signer)
		xctl.xcheck(err, "adding dkim key")
		xctl.xwriteok()

	case "import":
		/*
			> "import"
			> directory contents, as json
			< "ok" or error
			< summary
		*/
		var imp directoryImport
		xparseJSON(xctl, xctl.xread(), &imp)
		n, err := importDirectory(ctx, log, srv.dir, imp)
		xctl.xcheck(err, "importing")
		xctl.xwriteok()
		xctl.xwrite(fmt.Sprintf("imported %d domain(s), %d user(s), %d dkim key(s)", n.domains, n.users, n.keys))

	case "loglevels":
		/*
			> "loglevels"
			< "ok"
			< stream
		*/
		xctl.xwriteok()
		l := hookmta.Conf.LogLevels()
		keys := maps.Keys(l)
		sort.Strings(keys)
		s := ""
		for _, k := range keys {
			ks := k
			if ks == "" {
				ks = "(default)"
			}
			s += ks + ": " + mlog.LevelStrings[l[k]] + "\n"
		}
		xw := xctl.writer()
		fmt.Fprint(xw, s)
		xw.xclose()

	case "setloglevels":
		/*
			> "setloglevels"
			> pkg
			> level
			< "ok" or error
		*/
		pkg := xctl.xread()
		levelstr := xctl.xread()
		level, ok := mlog.Levels[levelstr]
		if !ok {
			xctl.xerror("bad level")
		}
		hookmta.Conf.LogLevelSet(log, pkg, level)
		xctl.xwriteok()

	default:
		log.Info("unrecognized command", slog.String("cmd", cmd))
		xctl.xwrite("unrecognized command")
		return
	}
}
