/*
Command hookmta is a mail transfer agent for hosted domains.

It accepts mail over SMTP and submission, authenticates users with PLAIN and
LOGIN, and decides per recipient whether a message is delivered locally to a
maildir, relayed through the outgoing queue, or rejected. Incoming mail is
checked with SPF, outgoing mail is signed with DKIM. Failed deliveries are
retried with increasing delays, and bounced to the sender after the last
attempt.

Domains, users and DKIM keys are kept in a database in the data directory, and
managed through the commands below while hookmta is running.

	hookmta [-config config/hookmta.conf] ...
	hookmta serve
	hookmta stop
	hookmta config test
	hookmta config describe >hookmta.conf
	hookmta queue list
	hookmta queue kick [id]
	hookmta queue drop id
	hookmta domain add [-status status] [-org organization] domain
	hookmta domain status domain status
	hookmta domain list
	hookmta domain rm domain
	hookmta user add [-quota quota] [-mailbox path] [-nopassword] address
	hookmta user password address
	hookmta user enable address
	hookmta user disable address
	hookmta user quota address quota
	hookmta user list domain
	hookmta user rm address
	hookmta user stats address
	hookmta dkim gen [-algorithm rsa|ed25519] [-print] domain selector
	hookmta import directory.yaml
	hookmta loglevels
	hookmta setloglevels [-pkg pkg] level
	hookmta verifydata data-dir
	hookmta version
	hookmta help [command ...]

Run "hookmta help <command>" for the details of a command.
*/
package main
