package policy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/emersion/go-sasl"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/hookmta/metrics"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/smtp"
	"github.com/mjl-/hookmta/store"
)

// ErrAuthAborted is returned for a response in an authentication exchange
// that is not expecting one.
var ErrAuthAborted = errors.New("policy: authentication exchange out of sequence")

// authState tracks an authentication exchange.
//
// Steps: 0 no exchange, 1 awaiting the credential blob (PLAIN) or username
// (LOGIN), 2 awaiting the password (LOGIN).
type authState struct {
	step     int
	mech     string
	username string
}

// AuthMechanisms returns the mechanisms to advertise: PLAIN and LOGIN when not
// yet authenticated, and TLS is active or not required.
func (s *Session) AuthMechanisms() []string {
	if s.Authenticated || !s.authAllowed() {
		return nil
	}
	return []string{"PLAIN", "LOGIN"}
}

func (s *Session) authAllowed() bool {
	return s.Secure || s.NoRequireTLSForAuth || s.LocalHost
}

// AuthStart starts an exchange for mech. initial is the initial response, nil
// if the client did not send one. If more is set, challenge must be sent to the
// client and its response passed to AuthContinue. Otherwise the outcome is
// final.
func (s *Session) AuthStart(ctx context.Context, mech string, initial []byte) (challenge []byte, more bool, o Outcome) {
	s.auth = authState{}
	mech = strings.ToUpper(mech)

	if s.Authenticated {
		return nil, false, permanent(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already authenticated")
	}
	if !s.authAllowed() {
		return nil, false, permanent(smtp.C538EncReqForAuth, smtp.SePol7EncNeeded10, "authentication requires tls")
	}

	switch mech {
	case "PLAIN":
		if initial == nil {
			s.auth = authState{step: 1, mech: mech}
			return []byte{}, true, Outcome{}
		}
		return nil, false, s.authPlain(ctx, initial)

	case "LOGIN":
		if initial != nil {
			// Some clients send the username as initial response.
			s.auth = authState{step: 2, mech: mech, username: string(initial)}
			return []byte("Password:"), true, Outcome{}
		}
		s.auth = authState{step: 1, mech: mech}
		return []byte("Username:"), true, Outcome{}
	}
	return nil, false, permanent(smtp.C504ParamNotImpl, smtp.SeProto5BadParams4, "mechanism %s not supported", mech)
}

// AuthContinue handles the response to the previous challenge.
func (s *Session) AuthContinue(ctx context.Context, response []byte) (challenge []byte, more bool, o Outcome) {
	st := s.auth
	switch {
	case st.step == 1 && st.mech == "PLAIN":
		s.auth = authState{}
		return nil, false, s.authPlain(ctx, response)

	case st.step == 1 && st.mech == "LOGIN":
		s.auth = authState{step: 2, mech: st.mech, username: string(response)}
		return []byte("Password:"), true, Outcome{}

	case st.step == 2 && st.mech == "LOGIN":
		s.auth = authState{}
		return nil, false, s.authVerify(ctx, "login", st.username, string(response))
	}

	s.auth = authState{}
	metrics.AuthenticationInc(s.kind(), strings.ToLower(st.mech), "aborted")
	s.log.Info("authentication response out of sequence", slog.Int("step", st.step))
	return nil, false, permanent(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "%s", ErrAuthAborted.Error())
}

// authPlain handles "authzid NUL authcid NUL passwd".
func (s *Session) authPlain(ctx context.Context, buf []byte) Outcome {
	t := bytes.Split(buf, []byte{0})
	if len(t) != 3 {
		metrics.AuthenticationInc(s.kind(), "plain", "badcreds")
		return permanent(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "malformed plain credentials")
	}
	authz, authc, password := string(t[0]), string(t[1]), string(t[2])
	if authz != "" && authz != authc {
		metrics.AuthenticationInc(s.kind(), "plain", "badcreds")
		return permanent(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "cannot authorize as another user")
	}
	return s.authVerify(ctx, "plain", authc, password)
}

// authVerify checks the credentials and stores the identity on success.
func (s *Session) authVerify(ctx context.Context, variant, username, password string) (o Outcome) {
	now := timeNow()
	result := "error"
	defer func() {
		metrics.AuthenticationInc(s.kind(), variant, result)
		s.log.Info("authentication", slog.String("variant", variant), slog.String("result", result), slog.String("username", username))
	}()

	// Before looking at the credentials, so guessing doesn't cost us anything.
	if s.c.AuthFailures != nil && !s.c.AuthFailures.CanAdd(s.RemoteIP, now, 1) {
		result = "ratelimited"
		return temporary(smtp.C454TempAuthFail, smtp.SePol7Other0, "too many authentication failures, try again later")
	}
	failed := func(res string) {
		result = res
		if s.c.AuthFailures != nil {
			s.c.AuthFailures.Add(s.RemoteIP, now, 1)
		}
	}

	addr, err := smtp.ParseAddress(norm.NFC.String(username))
	if err != nil {
		failed("baduser")
		return permanent(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "bad user/pass")
	}

	dctx, cancel := s.directoryContext(ctx)
	defer cancel()
	u, err := s.c.Directory.User(dctx, addr)
	if errors.Is(err, store.ErrUnknownUser) {
		failed("baduser")
		return permanent(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "bad user/pass")
	} else if err != nil {
		s.log.Errorx("looking up user for authentication", err)
		return temporary(smtp.C454TempAuthFail, smtp.SePol7Other0, "directory unavailable, try again later")
	}
	if !u.Enabled {
		failed("disabled")
		return permanent(smtp.C535AuthBadCreds, smtp.SePol7AccountDisabled, "account disabled")
	}
	s.log.Trace(mlog.LevelTraceauth, "auth password: ", []byte(password))
	if !store.CheckPassword(u, password) {
		failed("badcreds")
		return permanent(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "bad user/pass")
	}

	id := &Identity{Address: addr, User: u}
	id.QuotaLimit, id.QuotaUnlimited, err = store.ParseQuota(u.Quota)
	if err != nil {
		s.log.Errorx("parsing quota of user, treating as unlimited", err, slog.Any("user", addr))
		id.QuotaUnlimited = true
	}
	s.Authenticated = true
	s.Identity = id
	s.auth = authState{}
	result = "ok"
	if s.c.AuthFailures != nil {
		s.c.AuthFailures.Reset(s.RemoteIP, now)
	}

	if err := s.c.Directory.TouchLogin(dctx, addr, now); err != nil {
		s.log.Errorx("updating last login", err, slog.Any("user", addr))
	}
	return proceed(smtp.C235AuthSuccess, smtp.SePol7Other0, "authenticated")
}

// SASLServer returns the exchange for mech as a sasl.Server, for use by SMTP
// server implementations. Rejections are returned by Next as *OutcomeError.
func (s *Session) SASLServer(ctx context.Context, mech string) sasl.Server {
	return &saslServer{s: s, ctx: ctx, mech: mech}
}

// OutcomeError is a rejection returned as error.
type OutcomeError struct {
	Outcome Outcome
}

func (e *OutcomeError) Error() string {
	return e.Outcome.String()
}

type saslServer struct {
	s       *Session
	ctx     context.Context
	mech    string
	started bool
	done    bool
}

func (a *saslServer) Next(response []byte) (challenge []byte, done bool, err error) {
	if a.done {
		return nil, true, ErrAuthAborted
	}
	var more bool
	var o Outcome
	if !a.started {
		a.started = true
		challenge, more, o = a.s.AuthStart(a.ctx, a.mech, response)
	} else {
		challenge, more, o = a.s.AuthContinue(a.ctx, response)
	}
	if more {
		return challenge, false, nil
	}
	a.done = true
	if !o.OK() {
		return nil, true, &OutcomeError{o}
	}
	return nil, true, nil
}
