package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mjl-/hookmta/dkim"
	"github.com/mjl-/hookmta/maildir"
	"github.com/mjl-/hookmta/message"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/queue"
	"github.com/mjl-/hookmta/smtp"
	"github.com/mjl-/hookmta/store"

	hookmta "github.com/mjl-/hookmta/hookmta-"
)

// Data accepts the message for the current transaction. Relay recipients are
// queued first, then local recipients are delivered. The message is accepted
// if it was queued and at least one local delivery succeeded, or there were no
// local recipients. Local recipients that failed for an accepted message get a
// bounce. The transaction is reset afterwards.
func (s *Session) Data(ctx context.Context, data []byte) Outcome {
	tx := s.Tx
	if tx == nil || len(tx.Rcpts) == 0 {
		return permanent(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "no valid recipients")
	}
	defer s.Reset()

	now := timeNow()
	txid := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	log := s.log.With(slog.String("txid", txid))

	data = message.FixLineEndings(data)
	header, body, err := message.Split(data)
	if err != nil && !errors.Is(err, message.ErrHeaderSeparator) {
		return permanent(smtp.C554TransactionFailed, smtp.SeMsg6Other0, "malformed message")
	}
	if len(header) > 0 && !bytes.HasSuffix(header, []byte("\r\n")) {
		header = append(header, "\r\n"...)
	}
	fields, err := message.ParseHeaders(header)
	if err != nil {
		log.Infox("parsing message header", err)
		return permanent(smtp.C554TransactionFailed, smtp.SeMsg6Other0, "malformed message header")
	}

	if s.Authenticated {
		if message.HeaderValue(fields, "Message-Id") == "" {
			header = fmt.Appendf(header, "Message-Id: <%s>\r\n", hookmta.MessageIDGen(false))
		}
		if message.HeaderValue(fields, "Date") == "" {
			header = fmt.Appendf(header, "Date: %s\r\n", now.Format(message.RFC5322Z))
		}
	}
	if tx.SPF != nil {
		header = append([]byte(tx.SPF.Header()), header...)
	}
	tx.Header = header
	tx.Body = body
	tx.Size = int64(len(header) + 2 + len(body))

	var relay []string
	var local []maildir.Recipient
	for _, r := range tx.Rcpts {
		switch r.Class {
		case ClassRelay:
			relay = append(relay, r.Address.String())
		case ClassLocal:
			local = append(local, maildir.Recipient{Address: r.Address, User: r.User})
		}
	}

	if len(relay) > 0 {
		if o := s.enqueue(ctx, log, tx, relay, txid, now); !o.OK() {
			return o
		}
	}

	if len(local) > 0 {
		msg := append(append(bytes.Clone(header), "\r\n"...), body...)
		results := s.c.Local.Deliver(ctx, log.Logger, maildir.Message{
			ID:         txid,
			MailFrom:   tx.From,
			RemoteIP:   s.RemoteIP,
			HelloName:  s.Hello,
			Protocol:   s.protocol(),
			Data:       msg,
			ReceivedAt: now,
		}, local)
		var failed []maildir.Result
		for _, r := range results {
			if r.Err != nil {
				failed = append(failed, r)
				log.Errorx("local delivery failed", r.Err, slog.Any("rcpt", r.Recipient))
			}
		}
		if len(failed) == len(local) && len(relay) == 0 {
			return temporary(smtp.C451LocalErr, smtp.SeSys3Other0, "local delivery failed, try again later")
		} else if len(failed) > 0 {
			s.bounceLocal(ctx, log, tx, failed, now)
		}
	}

	if s.Authenticated {
		dctx, cancel := s.directoryContext(ctx)
		err := s.c.Directory.AddStats(dctx, s.Identity.Address, now, store.StatsDelta{MessagesSent: 1, BytesSent: tx.Size})
		cancel()
		log.Check(err, "updating sent statistics", slog.Any("user", s.Identity.Address))
	}

	log.Info("message accepted",
		slog.Any("from", tx.From),
		slog.Int("relay", len(relay)),
		slog.Int("local", len(local)),
		slog.Int64("size", tx.Size))
	return proceed(smtp.C250Completed, smtp.SeOther00, "message accepted, id "+txid)
}

// bounceLocal queues a delivery status notification to the sender for local
// recipients that failed, for a message that is accepted for the others.
func (s *Session) bounceLocal(ctx context.Context, log mlog.Log, tx *Transaction, failed []maildir.Result, now time.Time) {
	if tx.From.IsZero() {
		return
	}
	// Errors are logged, they can have local paths that are not for the sender.
	m := queue.Msg{
		From:      tx.From.String(),
		Header:    string(tx.Header),
		Created:   now,
		Attempts:  1,
		LastError: "mailbox unavailable",
	}
	for _, r := range failed {
		m.To = append(m.To, r.Recipient.String())
	}
	derr := &queue.Error{Permanent: true, Code: smtp.C550MailboxUnavail, Secode: "5.2.0", Err: errors.New(m.LastError)}
	header, body, err := queue.ComposeDSN(s.c.Hostname, m, derr, now)
	if err != nil {
		log.Errorx("composing bounce for local delivery", err)
		return
	}
	bm, err := s.c.Queue.Add(ctx, log, queue.Msg{To: []string{m.From}, Header: header, Body: body})
	if err != nil {
		log.Errorx("queueing bounce for local delivery", err)
		return
	}
	log.Info("bounce queued for failed local delivery", slog.String("bounceid", bm.ID), slog.Any("rcpts", m.To))
}

// enqueue adds a Received header and DKIM signature and adds the message for
// the relay recipients to the queue.
func (s *Session) enqueue(ctx context.Context, log mlog.Log, tx *Transaction, to []string, txid string, now time.Time) Outcome {
	header := append([]byte(s.receivedHeader(txid, now)), tx.Header...)

	if s.c.DKIM != nil {
		domain := tx.From.Domain
		if tx.From.IsZero() && s.Identity != nil {
			domain = s.Identity.Address.Domain
		}
		if !domain.IsZero() {
			msg := append(append(bytes.Clone(header), "\r\n"...), tx.Body...)
			sig, err := s.c.DKIM.Sign(ctx, log.Logger, domain, msg)
			if errors.Is(err, dkim.ErrNoKey) {
				log.Debug("no dkim key for domain, not signing", slog.Any("domain", domain))
			} else if err != nil {
				log.Errorx("dkim signing, sending unsigned", err, slog.Any("domain", domain))
			} else {
				header = append([]byte(sig), header...)
			}
		}
	}

	qm := queue.Msg{
		From:          tx.From.String(),
		To:            to,
		Header:        string(header),
		Body:          tx.Body,
		RemoteIP:      ipString(s.RemoteIP),
		Authenticated: s.Authenticated,
	}
	if s.Identity != nil {
		qm.AuthIdentity = s.Identity.Address.String()
	}
	qm, err := s.c.Queue.Add(ctx, log, qm)
	if err != nil {
		log.Errorx("adding message to queue", err)
		return temporary(smtp.C451LocalErr, smtp.SeSys3Other0, "queueing message failed, try again later")
	}
	log.Debug("message queued", slog.String("msgid", qm.ID), slog.Any("to", to))
	return okOutcome
}

// receivedHeader returns the Received header for relayed messages.
func (s *Session) receivedHeader(txid string, now time.Time) string {
	hw := &message.HeaderWriter{}
	hw.Add("", "Received:")
	from := s.Hello
	if from == "" {
		from = "unknown"
	}
	hw.Add(" ", "from", from)
	if s.RemoteIP != nil {
		hw.Add(" ", "("+ipLiteral(s.RemoteIP)+")")
	}
	hw.Add(" ", "by", s.c.Hostname.ASCII)
	hw.Add(" ", "with", s.protocol())
	hw.Add(" ", "id", txid+";")
	hw.Add(" ", now.Format(message.RFC5322Z))
	return hw.String()
}

// protocol returns the "with" protocol for Received headers, see RFC 3848.
func (s *Session) protocol() string {
	p := "ESMTP"
	if s.Secure {
		p += "S"
	}
	if s.Authenticated {
		p += "A"
	}
	return p
}

func ipLiteral(ip net.IP) string {
	if ip.To4() != nil {
		return "[" + ip.String() + "]"
	}
	return "[IPv6:" + ip.String() + "]"
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
