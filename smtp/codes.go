package smtp

// Reply codes.
var (
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235

	C250Completed = 250

	C334ContinueAuth = 334
	C354Continue     = 354

	C421ServiceUnavail = 421
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452
	C454TempAuthFail   = 454

	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C504ParamNotImpl      = 504
	C530SecurityRequired  = 530
	C535AuthBadCreds      = 535
	C538EncReqForAuth     = 538
	C550MailboxUnavail    = 550
	C551UserNotLocal      = 551
	C552MailboxFull       = 552
	C553BadMailbox        = 553
	C554TransactionFailed = 554
)

// Short enhanced reply codes, without leading number and first dot.
//
// See https://www.iana.org/assignments/smtp-enhanced-status-codes/smtp-enhanced-status-codes.xhtml
var (
	SeOther00 = "0.0"

	// 1.x - Address.
	SeAddr1Other0              = "1.0"
	SeAddr1UnknownDestMailbox1 = "1.1"
	SeAddr1UnknownSystem2      = "1.2"
	SeAddr1MailboxSyntax3      = "1.3"
	SeAddr1SenderSyntax7       = "1.7"

	// 2.x - Mailbox.
	SeMailbox2Other0            = "2.0"
	SeMailbox2Disabled1         = "2.1"
	SeMailbox2Full2             = "2.2"
	SeMailbox2MsgLimitExceeded3 = "2.3"

	// 3.x - Mail system.
	SeSys3Other0            = "3.0"
	SeSys3StorageFull1      = "3.1"
	SeSys3NotAccepting2     = "3.2"
	SeSys3MsgLimitExceeded4 = "3.4"

	// 4.x - Network and routing.
	SeNet4Other0           = "4.0"
	SeNet4NoAnswer1        = "4.1"
	SeNet4BadConn2         = "4.2"
	SeNet4Name3            = "4.3"
	SeNet4Routing4         = "4.4"
	SeNet4DeliveryExpired7 = "4.7"

	// 5.x - Mail delivery protocol.
	SeProto5Other0              = "5.0"
	SeProto5BadCmdOrSeq1        = "5.1"
	SeProto5Syntax2             = "5.2"
	SeProto5TooManyRcpts3       = "5.3"
	SeProto5BadParams4          = "5.4"
	SeProto5AuthExchangeTooLong = "5.6"

	// 6.x - Message content.
	SeMsg6Other0 = "6.0"

	// 7.x - Security/policy.
	SePol7Other0          = "7.0"
	SePol7DeliveryUnauth1 = "7.1"
	SePol7RelayNotAllowed = "7.1"
	SePol7AuthBadCreds8   = "7.8"
	SePol7AuthWeakMech9   = "7.9"
	SePol7EncNeeded10     = "7.10"
	SePol7AccountDisabled = "7.13"
	SePol7SPFResultFail23 = "7.23"
	SePol7SPFError24      = "7.24"
	SePol7AuthRequired    = "7.0"
)

// SeParse parses a short enhanced status code like "7.1" into its subject and
// detail numbers. It returns false for malformed codes.
func SeParse(secode string) (subject, detail int, ok bool) {
	var n int
	var dot bool
	for _, c := range secode {
		switch {
		case c == '.' && !dot:
			subject = n
			n = 0
			dot = true
		case c >= '0' && c <= '9':
			n = n*10 + int(c-'0')
		default:
			return 0, 0, false
		}
	}
	if !dot {
		return 0, 0, false
	}
	return subject, n, true
}
