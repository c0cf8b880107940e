package policy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mjl-/hookmta/smtp"
	"github.com/mjl-/hookmta/spf"
	"github.com/mjl-/hookmta/store"
)

func (s *Session) requireAuth() (Outcome, bool) {
	if s.Submission && !s.Authenticated && !s.LocalHost {
		return permanent(smtp.C530SecurityRequired, smtp.SePol7AuthRequired, "authentication required"), true
	}
	return Outcome{}, false
}

// Mail starts a new transaction for from, the zero address for the null
// reverse-path. Any previous transaction is discarded.
//
// Authenticated senders must be allowed to use the domain of from and be
// within their daily quota. For other sessions the SPF policy of the sender is
// evaluated.
func (s *Session) Mail(ctx context.Context, from smtp.Address) Outcome {
	s.Tx = nil
	if o, ok := s.requireAuth(); ok {
		return o
	}

	tx := &Transaction{From: from}
	if s.Authenticated {
		if o := s.checkSender(ctx, from); !o.OK() {
			return o
		}
		if o := s.checkQuota(ctx); !o.OK() {
			return o
		}
	} else if s.c.SPF != nil && !s.LocalHost {
		rcv, o := s.evaluateSPF(ctx, from)
		if !o.OK() {
			return o
		}
		tx.SPF = &rcv
	}
	s.Tx = tx
	return okOutcome
}

// checkSender verifies the authenticated user may send from the domain of from.
// The null reverse-path, e.g. for automatic replies, is allowed.
func (s *Session) checkSender(ctx context.Context, from smtp.Address) Outcome {
	id := s.Identity
	if from.IsZero() || from.Domain.ASCII == id.Address.Domain.ASCII {
		return okOutcome
	}

	dctx, cancel := s.directoryContext(ctx)
	defer cancel()
	notAuthorized := permanent(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "not authorized to send from domain")
	fd, err := s.c.Directory.Domain(dctx, from.Domain)
	if errors.Is(err, store.ErrUnknownDomain) {
		s.log.Info("sender domain not hosted", slog.Any("from", from), slog.Any("user", id.Address))
		return notAuthorized
	} else if err != nil {
		s.log.Errorx("looking up sender domain", err, slog.Any("domain", from.Domain))
		return errDirectoryOutcome
	}
	ud, err := s.c.Directory.Domain(dctx, id.Address.Domain)
	if errors.Is(err, store.ErrUnknownDomain) {
		return notAuthorized
	} else if err != nil {
		s.log.Errorx("looking up user domain", err, slog.Any("domain", id.Address.Domain))
		return errDirectoryOutcome
	}
	if ud.Organization == "" || ud.Organization != fd.Organization {
		s.log.Info("sender domain not in organization of user", slog.Any("from", from), slog.Any("user", id.Address))
		return notAuthorized
	}
	return okOutcome
}

// checkQuota compares the bytes sent today against the quota of the user.
func (s *Session) checkQuota(ctx context.Context) Outcome {
	id := s.Identity
	if id.QuotaUnlimited {
		return okOutcome
	}
	dctx, cancel := s.directoryContext(ctx)
	defer cancel()
	sent, err := s.c.Directory.SentToday(dctx, id.Address, timeNow())
	if err != nil {
		s.log.Errorx("looking up sent bytes", err, slog.Any("user", id.Address))
		return errDirectoryOutcome
	}
	if sent >= id.QuotaLimit {
		s.log.Info("daily quota exceeded", slog.Any("user", id.Address), slog.Int64("sent", sent), slog.Int64("limit", id.QuotaLimit))
		return permanent(smtp.C552MailboxFull, smtp.SeMailbox2Full2, "quota exceeded")
	}
	return okOutcome
}

func (s *Session) evaluateSPF(ctx context.Context, from smtp.Address) (spf.Received, Outcome) {
	sctx, cancel := s.dnsContext(ctx)
	defer cancel()
	rcv, err := s.c.SPF.Verify(sctx, s.log.Logger, spf.Args{
		RemoteIP:    s.RemoteIP,
		MailFrom:    from,
		HelloDomain: s.HelloDomain,
		Receiver:    s.c.Hostname.ASCII,
	})
	s.log.Debugx("spf evaluated", err, slog.Any("from", from), slog.Any("result", rcv.Result))

	switch rcv.Result {
	case spf.StatusFail:
		if s.c.SPFRejectFail {
			return rcv, permanent(smtp.C550MailboxUnavail, smtp.SePol7SPFResultFail23, "spf policy does not allow %s to send for domain", s.RemoteIP)
		}
	case spf.StatusTemperror:
		return rcv, temporary(smtp.C451LocalErr, smtp.SePol7SPFError24, "temporary error evaluating spf policy, try again later")
	}
	return rcv, okOutcome
}

// Rcpt classifies a recipient and adds it to the transaction if accepted.
func (s *Session) Rcpt(ctx context.Context, to smtp.Address) Outcome {
	if o, ok := s.requireAuth(); ok {
		return o
	}
	if s.Tx == nil {
		return permanent(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "mail command required first")
	}

	rcpt, o := s.route(ctx, to)
	if rcpt.Class != "" {
		metricRouting.WithLabelValues(string(rcpt.Class)).Inc()
	}
	s.log.Debug("recipient routed", slog.Any("rcpt", to), slog.String("class", string(rcpt.Class)), slog.String("outcome", o.String()))
	if !o.OK() {
		return o
	}
	for _, r := range s.Tx.Rcpts {
		if store.UserKey(r.Address) == store.UserKey(to) {
			return o
		}
	}
	s.Tx.Rcpts = append(s.Tx.Rcpts, rcpt)
	return o
}

// route decides whether mail for to is delivered locally or relayed. The
// returned class is empty if no decision could be made.
func (s *Session) route(ctx context.Context, to smtp.Address) (Recipient, Outcome) {
	rcpt := Recipient{Address: to}

	dctx, cancel := s.directoryContext(ctx)
	defer cancel()
	d, err := s.c.Directory.Domain(dctx, to.Domain)
	if err != nil && !errors.Is(err, store.ErrUnknownDomain) {
		s.log.Errorx("looking up recipient domain", err, slog.Any("domain", to.Domain))
		return rcpt, errDirectoryOutcome
	}
	if err == nil && d.Status.Local() {
		rcpt.Class = ClassLocal
		if err := s.c.Directory.DomainChecked(dctx, to.Domain, timeNow()); err != nil {
			s.log.Errorx("updating domain last checked", err, slog.Any("domain", to.Domain))
		}

		u, err := s.c.Directory.User(dctx, to)
		if errors.Is(err, store.ErrUnknownUser) {
			return rcpt, permanent(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such user")
		} else if err != nil {
			s.log.Errorx("looking up recipient", err, slog.Any("rcpt", to))
			return rcpt, errDirectoryOutcome
		}
		if !u.Enabled {
			return rcpt, permanent(smtp.C550MailboxUnavail, smtp.SeMailbox2Disabled1, "user disabled")
		}
		rcpt.User = u
		return rcpt, okOutcome
	}

	if s.Authenticated || s.LocalHost || s.trusted() {
		rcpt.Class = ClassRelay
		return rcpt, okOutcome
	}
	rcpt.Class = ClassReject
	return rcpt, permanent(smtp.C550MailboxUnavail, smtp.SePol7RelayNotAllowed, "relay not permitted")
}
