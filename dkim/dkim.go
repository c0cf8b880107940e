// Package dkim signs outgoing messages with DomainKeys Identified Mail (DKIM,
// RFC 6376) signatures, using relaxed canonicalization for header and body.
package dkim

import (
	"context"
	"crypto"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/hookmta/dns"
	"github.com/mjl-/hookmta/message"
	"github.com/mjl-/hookmta/mlog"
	"github.com/mjl-/hookmta/store"
)

var (
	metricSign = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookmta_dkim_sign_total",
			Help: "DKIM messages signings.",
		},
		[]string{"result"}, // ok, nokey, error
	)
)

var timeNow = time.Now // Replaced during tests.

var (
	ErrNoKey           = errors.New("dkim: no key for domain")
	ErrHeaderMalformed = errors.New("dkim: mail message header is malformed")
	ErrFrom            = errors.New("dkim: bad from headers")
	ErrKeyType         = errors.New("dkim: unsupported private key type")
)

// Sign returns a DKIM-Signature header, including trailing CRLF, for msg, to be
// prepended to the message. The message must have CRLF line endings and exactly
// one From header.
//
// Headers named in headers are signed in that order, each as often as it
// occurs in the message. Headers not in the message are left out, except From,
// which is always signed one more time than present, so no From header can be
// added without invalidating the signature.
func Sign(ctx context.Context, elog *slog.Logger, domain, selector dns.Domain, key crypto.Signer, headers []string, msg []byte) (sigHeader string, rerr error) {
	log := mlog.New("dkim", elog).WithContext(ctx)
	start := timeNow()
	defer func() {
		log.Debugx("dkim sign result", rerr,
			slog.Any("domain", domain),
			slog.Any("selector", selector),
			slog.Duration("duration", time.Since(start)))
	}()

	hdr, body, err := message.Split(msg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHeaderMalformed, err)
	}
	fields, err := message.ParseHeaders(hdr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHeaderMalformed, err)
	}

	counts := map[string]int{}
	for _, f := range fields {
		counts[f.LKey]++
	}
	if counts["from"] != 1 {
		return "", fmt.Errorf("%w: message has %d from headers, need exactly 1", ErrFrom, counts["from"])
	}

	sig := Sig{
		Domain:   domain,
		Selector: selector,
		SignTime: timeNow().Unix(),
	}
	switch key.(type) {
	case *rsa.PrivateKey:
		sig.AlgorithmSign = "rsa"
	case ed25519.PrivateKey:
		sig.AlgorithmSign = "ed25519"
	default:
		return "", fmt.Errorf("%w: %T", ErrKeyType, key)
	}
	for _, h := range headers {
		n := counts[strings.ToLower(h)]
		if strings.EqualFold(h, "From") {
			n++
		}
		for ; n > 0; n-- {
			sig.SignedHeaders = append(sig.SignedHeaders, h)
		}
	}

	bh := sha256.Sum256(RelaxedBody(body))
	sig.BodyHash = bh[:]

	dh, err := dataHash(sig, fields)
	if err != nil {
		return "", err
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		sig.Signature, err = k.Sign(cryptorand.Reader, dh, crypto.SHA256)
	case ed25519.PrivateKey:
		// PureEdDSA over the sha256 hash, RFC 8463.
		sig.Signature, err = k.Sign(cryptorand.Reader, dh, crypto.Hash(0))
	}
	if err != nil {
		return "", fmt.Errorf("signing data: %v", err)
	}
	return sig.Header(), nil
}

// dataHash returns the sha256 hash over the canonicalized signed headers and the
// DKIM-Signature header with empty b= field. Each name in h= selects the next
// unused instance of that header, starting at the bottom of the header.
func dataHash(sig Sig, fields []message.Field) ([]byte, error) {
	rev := map[string][]message.Field{}
	for _, f := range fields {
		rev[f.LKey] = append([]message.Field{f}, rev[f.LKey]...)
	}

	h := sha256.New()
	for _, lkey := range sig.signedHeadersLower() {
		l := rev[lkey]
		if len(l) == 0 {
			continue
		}
		rev[lkey] = l[1:]
		ch, err := relaxedHeader(string(l[0].Raw[:len(l[0].Raw)-2]))
		if err != nil {
			return nil, err
		}
		h.Write([]byte(ch + "\r\n"))
	}

	unsigned := sig
	unsigned.Signature = nil
	ch, err := relaxedHeader(strings.TrimSuffix(unsigned.Header(), "\r\n"))
	if err != nil {
		return nil, err
	}
	h.Write([]byte(ch))
	return h.Sum(nil), nil
}

// KeyStore provides the signing key for a domain.
type KeyStore interface {
	DKIMKey(ctx context.Context, domain dns.Domain) (store.DKIMKey, error)
}

// Signer signs messages with the key configured for the sending domain.
type Signer struct {
	Keys    KeyStore
	Headers []string // Header names to sign, in order.
}

// Sign returns a DKIM-Signature header for msg sent from domain. If no key is
// provisioned for domain, an error wrapping ErrNoKey is returned and the message
// should be sent unsigned.
func (s Signer) Sign(ctx context.Context, elog *slog.Logger, domain dns.Domain, msg []byte) (string, error) {
	k, err := s.Keys.DKIMKey(ctx, domain)
	if errors.Is(err, store.ErrNoDKIMKey) || errors.Is(err, store.ErrUnknownDomain) {
		metricSign.WithLabelValues("nokey").Inc()
		return "", fmt.Errorf("%w: %v", ErrNoKey, err)
	} else if err != nil {
		metricSign.WithLabelValues("error").Inc()
		return "", fmt.Errorf("looking up dkim key: %w", err)
	}
	key, err := k.Signer()
	if err != nil {
		metricSign.WithLabelValues("error").Inc()
		return "", err
	}
	selector, err := dns.ParseDomain(k.Selector)
	if err != nil {
		metricSign.WithLabelValues("error").Inc()
		return "", fmt.Errorf("parsing selector: %v", err)
	}
	h, err := Sign(ctx, elog, domain, selector, key, s.Headers, msg)
	if err != nil {
		metricSign.WithLabelValues("error").Inc()
		return "", err
	}
	metricSign.WithLabelValues("ok").Inc()
	return h, nil
}
