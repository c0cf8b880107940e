// Package maildir delivers messages for local users into Maildir directories.
//
// A message is written to the "tmp" directory of the mailbox, synced to disk,
// and renamed into "new". Readers never see partially written messages, and a
// failure before the rename leaves nothing in "new".
package maildir

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/hookmta/message"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/moxio"
	"github.com/mjl-/hookmta/smtp"
	"github.com/mjl-/hookmta/store"
)

var metricDelivery = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hookmta_maildir_delivery_total",
		Help: "Local deliveries into maildirs.",
	},
	[]string{"result"}, // ok, error
)

// Replaced during tests.
var (
	timeNow = time.Now
	rename  = os.Rename
)

// StatsAdder records received messages for users.
type StatsAdder interface {
	AddStats(ctx context.Context, addr smtp.Address, tm time.Time, delta store.StatsDelta) error
}

// Writer delivers messages into maildirs.
type Writer struct {
	Hostname string     // For the Received header and file names.
	Root     string     // Mailboxes of users without mailbox path are at <Root>/<domain>/<localpart>.
	DataDir  string     // Relative mailbox paths of users are relative to DataDir.
	Stats    StatsAdder // Optional.
}

// Message is an accepted message with the information for its trace headers.
type Message struct {
	ID         string       // Used in the Received header.
	MailFrom   smtp.Address // Zero for the null reverse-path.
	RemoteIP   net.IP
	HelloName  string
	Protocol   string // "ESMTP", "ESMTPS", "ESMTPSA", etc.
	Data       []byte // Message with CRLF line endings.
	ReceivedAt time.Time
}

// Recipient is a local recipient with its user record.
type Recipient struct {
	Address smtp.Address
	User    store.User
}

// Result is the outcome of a delivery to one recipient.
type Result struct {
	Recipient smtp.Address
	Path      string // File name in "new" on success.
	Err       error
}

// MailboxPath returns the maildir directory for a user.
func (w *Writer) MailboxPath(u store.User, addr smtp.Address) string {
	if u.MailboxPath != "" {
		if filepath.IsAbs(u.MailboxPath) {
			return u.MailboxPath
		}
		return filepath.Join(w.DataDir, u.MailboxPath)
	}
	return filepath.Join(w.Root, addr.Domain.ASCII, pathElem(strings.ToLower(string(addr.Localpart))))
}

// pathElem makes s safe for use as a single path element.
func pathElem(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		s = "_" + s
	}
	return s
}

// Deliver writes a copy of m to the mailbox of each recipient. Each delivery is
// independent, one failing does not affect the others.
func (w *Writer) Deliver(ctx context.Context, elog *slog.Logger, m Message, rcpts []Recipient) []Result {
	log := mlog.New("maildir", elog)
	results := make([]Result, len(rcpts))
	for i, rcpt := range rcpts {
		path, err := w.deliver(ctx, log, m, rcpt)
		results[i] = Result{rcpt.Address, path, err}
		if err != nil {
			metricDelivery.WithLabelValues("error").Inc()
			log.Errorx("local delivery failed", err, slog.Any("rcpt", rcpt.Address))
		} else {
			metricDelivery.WithLabelValues("ok").Inc()
			log.Info("delivered locally", slog.Any("rcpt", rcpt.Address), slog.String("path", path))
		}
	}
	return results
}

func (w *Writer) deliver(ctx context.Context, log mlog.Log, m Message, rcpt Recipient) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := w.MailboxPath(rcpt.User, rcpt.Address)
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return "", fmt.Errorf("creating maildir: %v", err)
		}
	}

	now := timeNow()
	name, err := w.filename(now)
	if err != nil {
		return "", err
	}
	data := append([]byte(w.traceHeaders(m, rcpt.Address, now)), m.Data...)

	tmpPath := filepath.Join(dir, "tmp", name)
	newPath := filepath.Join(dir, "new", name)
	if err := writeSync(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := rename(tmpPath, newPath); err != nil {
		rerr := os.Remove(tmpPath)
		log.Check(rerr, "removing temporary file after failed rename", slog.String("path", tmpPath))
		return "", fmt.Errorf("moving message into new: %v", err)
	}
	if err := moxio.SyncDir(log, filepath.Join(dir, "new")); err != nil {
		log.Errorx("syncing maildir new directory", err, slog.String("dir", dir))
	}

	if w.Stats != nil {
		err := w.Stats.AddStats(ctx, rcpt.Address, now, store.StatsDelta{MessagesReceived: 1, BytesReceived: int64(len(data))})
		log.Check(err, "updating received statistics", slog.Any("rcpt", rcpt.Address))
	}
	return newPath, nil
}

func writeSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating message file: %v", err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if xerr := f.Close(); err == nil {
		err = xerr
	}
	if err != nil {
		return fmt.Errorf("writing message file: %v", err)
	}
	return nil
}

// filename returns a unique name of the form
// <seconds>.M<microseconds>P<pid>.<host>.<random>.
func (w *Writer) filename(now time.Time) (string, error) {
	buf := make([]byte, 8)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %v", err)
	}
	host := strings.NewReplacer("/", `\057`, ":", `\072`).Replace(w.Hostname)
	return fmt.Sprintf("%d.M%dP%d.%s.%s", now.Unix(), now.Nanosecond()/1000, os.Getpid(), host, hex.EncodeToString(buf)), nil
}

// traceHeaders returns the Return-Path, Delivered-To and Received headers
// prepended to the copy for rcpt.
func (w *Writer) traceHeaders(m Message, rcpt smtp.Address, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Return-Path: <%s>\r\n", m.MailFrom.Pack(true))
	fmt.Fprintf(&b, "Delivered-To: %s\r\n", rcpt.Pack(true))

	hw := &message.HeaderWriter{}
	hw.Add("", "Received:")
	from := m.HelloName
	if from == "" {
		from = "unknown"
	}
	hw.Add(" ", "from", from)
	if m.RemoteIP != nil {
		hw.Add(" ", "("+ipLiteral(m.RemoteIP)+")")
	}
	hw.Add(" ", "by", w.Hostname)
	protocol := m.Protocol
	if protocol == "" {
		protocol = "ESMTP"
	}
	hw.Add(" ", "with", protocol)
	if m.ID != "" {
		hw.Add(" ", "id", m.ID)
	}
	hw.Add(" ", "for", "<"+rcpt.Pack(true)+">;")
	received := m.ReceivedAt
	if received.IsZero() {
		received = now
	}
	hw.Add(" ", received.Format(message.RFC5322Z))
	b.WriteString(hw.String())
	return b.String()
}

func ipLiteral(ip net.IP) string {
	if ip.To4() != nil {
		return "[" + ip.String() + "]"
	}
	return "[IPv6:" + ip.String() + "]"
}
