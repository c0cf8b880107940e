/*
Package config holds the definition of the hookmta.conf configuration file.

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details. Run "hookmta config
describe" for an annotated empty config file.

An example:

	DataDir: data
	LogLevel: info
	Hostname: mail.example.com
	Listeners:
		public:
			IPs:
				- 0.0.0.0
			TLS:
				CertFile: cert.pem
				KeyFile: key.pem
			SMTP:
				Enabled: true
			Submission:
				Enabled: true
	SPF:
		RejectFail: true
	Queue:
		Transport:
			Direct:
*/
package config
