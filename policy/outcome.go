package policy

import (
	"fmt"

	"github.com/mjl-/hookmta/smtp"
)

// Kind is the kind of outcome of a hook.
type Kind int

const (
	Continue        Kind = iota // Proceed with the command.
	RejectPermanent             // 5xx, the client must not retry.
	RejectTemporary             // 4xx, the client may retry later.
)

func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case RejectPermanent:
		return "permanent"
	case RejectTemporary:
		return "temporary"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the single result of a hook. Code and Secode are the SMTP reply
// code and short enhanced status code (e.g. "7.1") to respond with.
type Outcome struct {
	Kind   Kind
	Code   int
	Secode string
	Msg    string
}

// OK returns whether the command may proceed.
func (o Outcome) OK() bool {
	return o.Kind == Continue
}

// EnhancedCode returns the full enhanced status code, e.g. "5.7.1", or an
// empty string if there is none.
func (o Outcome) EnhancedCode() string {
	if o.Secode == "" {
		return ""
	}
	return fmt.Sprintf("%d.%s", o.Code/100, o.Secode)
}

func (o Outcome) String() string {
	s := fmt.Sprintf("%d", o.Code)
	if ec := o.EnhancedCode(); ec != "" {
		s += " " + ec
	}
	return s + " " + o.Msg
}

func proceed(code int, secode, msg string) Outcome {
	return Outcome{Continue, code, secode, msg}
}

func permanent(code int, secode, format string, args ...any) Outcome {
	return Outcome{RejectPermanent, code, secode, fmt.Sprintf(format, args...)}
}

func temporary(code int, secode, format string, args ...any) Outcome {
	return Outcome{RejectTemporary, code, secode, fmt.Sprintf(format, args...)}
}

var (
	okOutcome           = proceed(smtp.C250Completed, smtp.SeOther00, "ok")
	errDirectoryOutcome = temporary(smtp.C451LocalErr, smtp.SeSys3Other0, "directory unavailable, try again later")
)
